// Package config holds kvmd runtime configuration.
//
// Configuration starts from DefaultConfig, is overlaid by an optional TOML
// file, then by an optional dotenv file, then by KVMNODE_* environment
// variables. Directory setup is an explicit, idempotent EnsureDirs call.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultConfigPath is where kvmd looks for its TOML file when none is given.
const DefaultConfigPath = "/etc/kvmnode/kvmd.toml"

// Config holds kvmd runtime configuration.
type Config struct {
	// RootDir is the base of all per-instance state (pid/, ctrl/, conf/).
	RootDir string `toml:"root_dir"`

	// KVMPath is the VM emulator binary.
	KVMPath string `toml:"kvm_path"`

	// SocatPath is the socket-relay helper used to talk to monitor sockets.
	SocatPath string `toml:"socat_path"`

	// VifHookPath is the site-local tap hook run by generated net scripts
	// when present and executable.
	VifHookPath string `toml:"vif_hook_path"`

	// ScriptDir is where tap scripts are written. It must not be mounted
	// noexec, so it lives outside RootDir. Empty means the OS temp dir.
	ScriptDir string `toml:"script_dir"`

	// ProcRoot is the mount point of procfs.
	ProcRoot string `toml:"proc_root"`

	// MigrationPort is the fixed TCP port targets listen on for incoming
	// migrations.
	MigrationPort int `toml:"migration_port"`

	// PowerdownTimeout bounds the graceful stop loop.
	PowerdownTimeout time.Duration `toml:"powerdown_timeout"`

	// PowerdownInitialWait is the first delay between powerdown requests.
	PowerdownInitialWait time.Duration `toml:"powerdown_initial_wait"`

	// PowerdownMaxWait stops the delay from growing once reached.
	PowerdownMaxWait time.Duration `toml:"powerdown_max_wait"`

	// PowerdownFactor multiplies the delay after each powerdown request.
	PowerdownFactor float64 `toml:"powerdown_factor"`

	// MigrationPollInterval is the delay between "info migrate" queries.
	MigrationPollInterval time.Duration `toml:"migration_poll_interval"`

	// KillWait bounds how long a SIGKILLed process is given to disappear.
	KillWait time.Duration `toml:"kill_wait"`

	// SocketPath is the unix socket path for the kvmd API.
	SocketPath string `toml:"socket_path"`

	// ListenAddr is an optional TCP address for peer daemons and the
	// cluster layer. Empty disables TCP.
	ListenAddr string `toml:"listen_addr"`

	// DBPath is the path to the SQLite operation journal.
	DBPath string `toml:"db_path"`

	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	root := "/var/run/kvmnode/kvm-hypervisor"
	return &Config{
		RootDir:               root,
		KVMPath:               "/usr/bin/kvm",
		SocatPath:             "/usr/bin/socat",
		VifHookPath:           "/etc/kvmnode/kvm-vif-bridge",
		ScriptDir:             "",
		ProcRoot:              "/proc",
		MigrationPort:         8102,
		PowerdownTimeout:      30 * time.Second,
		PowerdownInitialWait:  1 * time.Second,
		PowerdownMaxWait:      5 * time.Second,
		PowerdownFactor:       1.3,
		MigrationPollInterval: 2 * time.Second,
		KillWait:              5 * time.Second,
		SocketPath:            "/var/run/kvmnode/kvmd.sock",
		ListenAddr:            "",
		DBPath:                "/var/lib/kvmnode/journal.db",
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// PidsDir contains one PID file per live instance.
func (c *Config) PidsDir() string { return filepath.Join(c.RootDir, "pid") }

// CtrlDir contains the monitor and serial sockets.
func (c *Config) CtrlDir() string { return filepath.Join(c.RootDir, "ctrl") }

// ConfDir contains the runtime snapshots.
func (c *Config) ConfDir() string { return filepath.Join(c.RootDir, "conf") }

// EnsureDirs creates all required directories. Safe to call repeatedly.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.RootDir,
		c.PidsDir(),
		c.CtrlDir(),
		c.ConfDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.RootDir) {
		return fmt.Errorf("root_dir must be absolute, got %q", c.RootDir)
	}
	if c.KVMPath == "" {
		return errors.New("kvm_path is required")
	}
	if c.SocatPath == "" {
		return errors.New("socat_path is required")
	}
	if c.MigrationPort <= 0 || c.MigrationPort > 65535 {
		return fmt.Errorf("migration_port out of range: %d", c.MigrationPort)
	}
	if c.PowerdownTimeout <= 0 || c.PowerdownInitialWait <= 0 {
		return errors.New("powerdown timings must be positive")
	}
	if c.PowerdownFactor < 1 {
		return fmt.Errorf("powerdown_factor must be >= 1, got %v", c.PowerdownFactor)
	}
	if c.PowerdownMaxWait < 0 {
		return fmt.Errorf("powerdown_max_wait must not be negative, got %v", c.PowerdownMaxWait)
	}
	if c.MigrationPollInterval <= 0 {
		return errors.New("migration_poll_interval must be positive")
	}
	// Zero would leave the post-SIGKILL reap wait unbounded.
	if c.KillWait <= 0 {
		return fmt.Errorf("kill_wait must be positive, got %v", c.KillWait)
	}
	if c.SocketPath == "" {
		return errors.New("socket_path is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Load builds a Config from defaults, the TOML file at path and the
// environment. A missing file at DefaultConfigPath is not an error; a
// missing file at any other explicit path is.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !(errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath) {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
	}

	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("env file load failed (%s): %w", envFile, err)
		}
		if err := cfg.applyEnv(func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		}); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays KVMNODE_* variables found through lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"KVMNODE_ROOT_DIR":      &c.RootDir,
		"KVMNODE_KVM_PATH":      &c.KVMPath,
		"KVMNODE_SOCAT_PATH":    &c.SocatPath,
		"KVMNODE_VIF_HOOK_PATH": &c.VifHookPath,
		"KVMNODE_SCRIPT_DIR":    &c.ScriptDir,
		"KVMNODE_PROC_ROOT":     &c.ProcRoot,
		"KVMNODE_SOCKET_PATH":   &c.SocketPath,
		"KVMNODE_LISTEN_ADDR":   &c.ListenAddr,
		"KVMNODE_DB_PATH":       &c.DBPath,
		"KVMNODE_LOG_LEVEL":     &c.LogLevel,
		"KVMNODE_LOG_FORMAT":    &c.LogFormat,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("KVMNODE_MIGRATION_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KVMNODE_MIGRATION_PORT: %w", err)
		}
		c.MigrationPort = port
	}
	if v, ok := lookup("KVMNODE_POWERDOWN_FACTOR"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KVMNODE_POWERDOWN_FACTOR: %w", err)
		}
		c.PowerdownFactor = f
	}

	durations := map[string]*time.Duration{
		"KVMNODE_POWERDOWN_TIMEOUT":       &c.PowerdownTimeout,
		"KVMNODE_POWERDOWN_INITIAL_WAIT":  &c.PowerdownInitialWait,
		"KVMNODE_POWERDOWN_MAX_WAIT":      &c.PowerdownMaxWait,
		"KVMNODE_MIGRATION_POLL_INTERVAL": &c.MigrationPollInterval,
		"KVMNODE_KILL_WAIT":               &c.KillWait,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}
