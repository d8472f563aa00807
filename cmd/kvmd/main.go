// kvmd is the kvmnode daemon. It owns the KVM instances of one node and
// serves the lifecycle and migration API on a unix socket and, when
// listen_addr is set, on TCP for peer daemons.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xfeldman/kvmnode/internal/api"
	"github.com/xfeldman/kvmnode/internal/config"
	"github.com/xfeldman/kvmnode/internal/journal"
	"github.com/xfeldman/kvmnode/internal/logging"
	"github.com/xfeldman/kvmnode/internal/version"
	"github.com/xfeldman/kvmnode/internal/vmm"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "kvmd",
	Short:         "kvmnode daemon: KVM instance lifecycle and live migration",
	Version:       version.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file (default "+config.DefaultConfigPath+")")
	rootCmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file with KVMNODE_* overrides")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kvmd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logging.Component(logger, "kvmd")

	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	hv, err := vmm.NewKVM(cfg, vmm.WithLogger(logging.Component(logger, "kvm")))
	if err != nil {
		return err
	}
	if problem := hv.Verify(); problem != "" {
		// Keep serving so status reports the problem.
		log.Warn(problem)
	}

	db, err := journal.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()
	log.Infof("journal: %s", cfg.DBPath)

	running, err := hv.ListInstances()
	if err != nil {
		log.Warnf("list instances: %v", err)
	}
	log.Infof("kvmd %s starting (root %s, %d running instances)", version.Version(), cfg.RootDir, len(running))

	server := api.NewServer(cfg, hv, db, logging.Component(logger, "api"))
	if err := server.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}
	log.Infof("kvmd ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	// Instances are independent processes and outlive the daemon.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	os.Remove(cfg.SocketPath)

	log.Info("kvmd stopped")
	return nil
}
