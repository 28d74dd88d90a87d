package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// DefaultConfigPath is the default location for the daemon's configuration
// file, mirroring the teacher's convention of a per-OS ProgramData/etc path.
const DefaultConfigPath = "/etc/vlesstun/tunnel.yaml"

// DefaultDataDir is where the daemon keeps state (none today, reserved for
// future use such as persisted flow stats).
const DefaultDataDir = "/var/lib/vlesstun"

// DaemonConfig wraps the core TunnelConfig with the ambient settings the
// standalone binary needs: where to listen for diagnostics, how verbosely
// to log, and which file/interface to bridge.
type DaemonConfig struct {
	Tunnel TunnelConfig

	// TunName is the TUN interface name to create (or attach to).
	TunName string `mapstructure:"tun_name"`
	// DiagnosticsAddr is the bind address for the /healthz and /metrics
	// HTTP server. Empty disables it.
	DiagnosticsAddr string `mapstructure:"diagnostics_addr"`
	// LogLevel controls slog verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
	// DataDir is where the daemon stores state files.
	DataDir string `mapstructure:"data_dir"`
	// BypassEnabled toggles the platform bypass predicate (spec.md §6);
	// disabling it is only safe when the TUN's routes are already excluded
	// by some other mechanism (e.g. a network namespace).
	BypassEnabled bool `mapstructure:"bypass_enabled"`
}

// rawConfig is the on-disk/env shape; UUID is a string there and promoted
// to uuid.UUID by Load.
type rawConfig struct {
	Server          string `mapstructure:"server"`
	Port            int    `mapstructure:"port"`
	UUID            string `mapstructure:"uuid"`
	WSPath          string `mapstructure:"ws_path"`
	WSHost          string `mapstructure:"ws_host"`
	Security        string `mapstructure:"security"`
	SNI             string `mapstructure:"sni"`
	VerifyTLS       bool   `mapstructure:"verify_tls"`
	MTU             int    `mapstructure:"mtu"`
	TunName         string `mapstructure:"tun_name"`
	DiagnosticsAddr string `mapstructure:"diagnostics_addr"`
	LogLevel        string `mapstructure:"log_level"`
	DataDir         string `mapstructure:"data_dir"`
	BypassEnabled   bool   `mapstructure:"bypass_enabled"`
}

// Load reads the daemon configuration from the given file path (falling
// back to DefaultConfigPath when empty), with VLESSTUN_-prefixed
// environment variables overriding file values, exactly as
// apps/host-agent/internal/config does for the teacher's agent.yaml.
func Load(configPath string) (*DaemonConfig, error) {
	v := viper.New()

	v.SetDefault("tun_name", "tun0")
	v.SetDefault("diagnostics_addr", "127.0.0.1:9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("security", "none")
	v.SetDefault("verify_tls", true)
	v.SetDefault("mtu", 1500)
	v.SetDefault("bypass_enabled", true)

	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("VLESSTUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows about, so keys with no
	// default are bound explicitly to keep env-only configuration working.
	for _, key := range []string{"server", "port", "uuid", "ws_path", "ws_host", "sni"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// File not found: rely on env vars and defaults.
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	id, err := uuid.Parse(raw.UUID)
	if err != nil {
		return nil, fmt.Errorf("parsing uuid: %w", err)
	}

	cfg := &DaemonConfig{
		Tunnel: TunnelConfig{
			Server:    raw.Server,
			Port:      raw.Port,
			UUID:      id,
			WSPath:    raw.WSPath,
			WSHost:    raw.WSHost,
			Security:  Security(raw.Security),
			SNI:       raw.SNI,
			VerifyTLS: raw.VerifyTLS,
			MTU:       raw.MTU,
		},
		TunName:         raw.TunName,
		DiagnosticsAddr: raw.DiagnosticsAddr,
		LogLevel:        raw.LogLevel,
		DataDir:         raw.DataDir,
		BypassEnabled:   raw.BypassEnabled,
	}

	if err := cfg.Tunnel.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	return cfg, nil
}
