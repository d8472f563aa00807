package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xfeldman/kvmnode/internal/vmm"
)

var (
	migrateTargetHost string
	migrateTargetAPI  string
	migrateLive       bool
	migrateFile       string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <name>",
	Short: "Migrate an instance to another node",
	Long: `Migrate streams a running instance to --target-host.

With --target-api the source daemon drives the whole handshake against
the target kvmd (prepare, stream, finalize). Without it, only the source
side runs and the target must already be accepting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst := &vmm.Instance{Name: args[0]}
		if migrateFile != "" {
			f, err := loadInstanceFile(migrateFile)
			if err != nil {
				return err
			}
			if f.Instance.Name != args[0] {
				return fmt.Errorf("instance file names %s, not %s", f.Instance.Name, args[0])
			}
			inst = &f.Instance
		}

		mode := "offline"
		if migrateLive {
			mode = "live"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrating %s to %s (%s)...\n", inst.Name, migrateTargetHost, mode)
		if err := newClient().Migrate(cmd.Context(), inst, migrateTargetHost, migrateTargetAPI, migrateLive); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s migrated\n", inst.Name)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTargetHost, "target-host", "", "address the target node receives the stream on")
	migrateCmd.Flags().StringVar(&migrateTargetAPI, "target-api", "", "kvmd TCP address of the target node")
	migrateCmd.Flags().BoolVar(&migrateLive, "live", false, "keep the instance running during the transfer")
	migrateCmd.Flags().StringVar(&migrateFile, "instance-file", "", "instance TOML passed to the target on accept")
	migrateCmd.MarkFlagRequired("target-host")
}
