package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xfeldman/kvmnode/internal/client"
	"github.com/xfeldman/kvmnode/internal/vmm"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Show node memory and CPU capacity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().NodeInfo(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Memory total: %d MiB\n", info.MemoryTotal)
		fmt.Fprintf(out, "Memory free:  %d MiB\n", info.MemoryFree)
		fmt.Fprintf(out, "Memory dom0:  %d MiB\n", info.MemoryDom0)
		fmt.Fprintf(out, "CPUs:         %d\n", info.CPUTotal)
		return nil
	},
}

var checkStrict bool

var checkParamsCmd = &cobra.Command{
	Use:   "check-params <instance.toml>",
	Short: "Check the hypervisor parameters and bridges of an instance file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadInstanceFile(args[0])
		if err != nil {
			return err
		}
		return checkInstance(cmd.Context(), newClient(), &f.Instance, checkStrict, cmd.OutOrStdout())
	},
}

// checkInstance validates the hypervisor parameters of inst and that every
// bridge its NICs attach to exists on the node.
func checkInstance(ctx context.Context, c *client.Client, inst *vmm.Instance, strict bool, out io.Writer) error {
	if err := c.CheckParams(ctx, inst.HVParams, strict); err != nil {
		return err
	}
	if bridges := inst.Bridges(); len(bridges) > 0 {
		missing, err := c.VerifyBridges(ctx, bridges)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("instance %s: missing bridges on node: %s", inst.Name, strings.Join(missing, ", "))
		}
	}
	fmt.Fprintln(out, "Parameters OK")
	return nil
}

var verifyBridgesCmd = &cobra.Command{
	Use:   "verify-bridges <bridge>...",
	Short: "Report bridges missing on the node",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		missing, err := newClient().VerifyBridges(cmd.Context(), args)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing bridges: %v", missing)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "All bridges present")
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show recent operations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instance := ""
		if len(args) == 1 {
			instance = args[0]
		}
		ops, err := newClient().History(cmd.Context(), instance, historyLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tINSTANCE\tOP\tOUTCOME\tDURATION\tDETAIL")
		for _, o := range ops {
			dur := "-"
			if !o.FinishedAt.IsZero() {
				dur = o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				o.StartedAt.Local().Format(time.DateTime), o.Instance, o.Op, o.Outcome, dur, o.Detail)
		}
		return tw.Flush()
	},
}

func init() {
	checkParamsCmd.Flags().BoolVar(&checkStrict, "strict", false, "also check the kernel and initrd exist on this node")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum entries")
}
