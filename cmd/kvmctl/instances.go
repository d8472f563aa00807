package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("kvmd is not reachable: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "kvmd: %s\n", st.Status)
		fmt.Fprintf(out, "Backend: %s\n", st.Backend)
		fmt.Fprintf(out, "Version: %s\n", st.Version)
		if st.Problem != "" {
			fmt.Fprintf(out, "Problem: %s\n", st.Problem)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List running instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := newClient().AllInstancesInfo(cmd.Context())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No instances running")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPID\tMEMORY\tVCPUS\tSTATE")
		for _, i := range infos {
			fmt.Fprintf(tw, "%s\t%d\t%dM\t%d\t%s\n", i.Name, i.PID, i.MemoryMB, i.VCPUs, i.State)
		}
		return tw.Flush()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().InstanceInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("instance %s is not running", args[0])
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:   %s\n", info.Name)
		fmt.Fprintf(out, "PID:    %d\n", info.PID)
		fmt.Fprintf(out, "Memory: %dM\n", info.MemoryMB)
		fmt.Fprintf(out, "VCPUs:  %d\n", info.VCPUs)
		fmt.Fprintf(out, "State:  %s\n", info.State)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <instance.toml>",
	Short: "Start an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadInstanceFile(args[0])
		if err != nil {
			return err
		}
		if err := newClient().Start(cmd.Context(), &f.Instance, f.Disks); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s started\n", f.Instance.Name)
		return nil
	},
}

var stopForce bool

var stopCmd = &cobra.Command{
	Use:   "stop <instance.toml|name>",
	Short: "Stop an instance (ACPI powerdown unless --force)",
	Long: `Stop powers an instance down through ACPI, or kills it with --force.

A graceful stop needs the instance file: without it the ACPI setting is
unknown and the daemon would kill the process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := instanceArg(args[0], !stopForce)
		if err != nil {
			return err
		}
		stopped, err := newClient().Stop(cmd.Context(), inst, stopForce)
		if err != nil {
			return err
		}
		if !stopped {
			return fmt.Errorf("instance %s did not power down; retry with --force", inst.Name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s stopped\n", inst.Name)
		return nil
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot <instance.toml>",
	Short: "Reboot an instance with its saved command line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := instanceArg(args[0], true)
		if err != nil {
			return err
		}
		if err := newClient().Reboot(cmd.Context(), inst); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s rebooted\n", inst.Name)
		return nil
	},
}

func init() {
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "kill the process instead of a graceful powerdown")
}
