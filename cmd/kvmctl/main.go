// kvmctl is the command-line client for kvmd.
//
// Instances are described by TOML files:
//
//	[instance]
//	name = "web1.example.com"
//	memory_mb = 512
//	vcpus = 2
//
//	[instance.hvparams]
//	kernel_path = "/boot/vmlinuz-2.6-kvmU"
//	acpi = true
//
//	[[instance.nics]]
//	mac = "aa:00:00:35:61:2e"
//	bridge = "xen-br0"
//
//	[[disks]]
//	path = "/dev/xenvg/web1.disk0"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xfeldman/kvmnode/internal/client"
	"github.com/xfeldman/kvmnode/internal/version"
)

var (
	socketPath string
	tcpAddr    string
)

var rootCmd = &cobra.Command{
	Use:           "kvmctl",
	Short:         "Control KVM instances through kvmd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kvmctl version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kvmctl %s\n", version.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", client.DefaultSocketPath(), "kvmd unix socket")
	rootCmd.PersistentFlags().StringVar(&tcpAddr, "addr", "", "kvmd TCP address (overrides --socket)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(checkParamsCmd)
	rootCmd.AddCommand(verifyBridgesCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	if tcpAddr != "" {
		return client.NewTCP(tcpAddr)
	}
	return client.New(socketPath)
}
