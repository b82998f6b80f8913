// Package config provides TOML configuration loading for the acquisition
// core's process-level bootstrap settings — the ports, paths, and runtime
// mode flags the composition root needs before the Parameter Store even
// exists. Per-experiment parameters (camera, monitor, stimulus, acquisition
// groups) live in the Parameter Store instead; this package never
// duplicates that state.
//
// The configuration file supports the following structure:
//
//	[network]
//	control_port = 5600
//	event_port = 5601
//	stimulus_port = 5602
//	camera_port = 5603
//	ack_port = 5604
//
//	[paths]
//	data_root = "data"
//	shm_dir = "/dev/shm"
//
//	[runtime]
//	dev_mode = false
//	log_level = "info"
//
// Example usage:
//
//	cfg, err := config.Load("isi_acquire.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Control port: %d\n", cfg.Network.ControlPort)
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the complete bootstrap configuration for isi-acquire.
type Config struct {
	Network NetworkConfig `toml:"network"`
	Paths   PathsConfig   `toml:"paths"`
	Runtime RuntimeConfig `toml:"runtime"`
}

// NetworkConfig holds the ZeroMQ port assignments used by the control bus,
// event bus, Frame Bus sidebands, and handshake ack channel.
type NetworkConfig struct {
	// ControlPort serves the REQ/REP command channel (default: 5600).
	ControlPort int `toml:"control_port"`
	// EventPort serves the PUB lifecycle/health event channel (default: 5601).
	EventPort int `toml:"event_port"`
	// StimulusPort serves the stimulus Frame Bus sideband (default: 5602).
	StimulusPort int `toml:"stimulus_port"`
	// CameraPort serves the camera Frame Bus sideband (default: 5603).
	CameraPort int `toml:"camera_port"`
	// AckPort serves the renderer's handshake ack channel (default: 5604).
	AckPort int `toml:"ack_port"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// DataRoot is the root of the stimulus_library/ and sessions/ tree
	// (default: "data").
	DataRoot string `toml:"data_root"`
	// ShmDir is the directory backing the Frame Bus's shared-memory ring
	// files (default: "/dev/shm").
	ShmDir string `toml:"shm_dir"`
}

// RuntimeConfig holds runtime mode flags, overridable by environment
// variables per spec.md §6 ("a development-mode override and a log-level
// override are recognized; no other runtime environment parameters affect
// behavior").
type RuntimeConfig struct {
	// DevMode relaxes the camera hardware-timestamp requirement and other
	// production-only preconditions. Overridden by ISI_DEV_MODE.
	DevMode bool `toml:"dev_mode"`
	// LogLevel is one of "debug", "info", "warn", "error". Overridden by
	// ISI_LOG_LEVEL.
	LogLevel string `toml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			ControlPort:  5600,
			EventPort:    5601,
			StimulusPort: 5602,
			CameraPort:   5603,
			AckPort:      5604,
		},
		Paths: PathsConfig{
			DataRoot: "data",
			ShmDir:   "/dev/shm",
		},
		Runtime: RuntimeConfig{
			DevMode:  false,
			LogLevel: "info",
		},
	}
}

// Load reads and parses a TOML configuration file, then applies the
// ISI_DEV_MODE / ISI_LOG_LEVEL environment overrides.
// If the file does not exist, it returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
			// fall through with defaults
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("ISI_DEV_MODE"); ok {
		cfg.Runtime.DevMode = v == "1" || v == "true"
	}
	if v, ok := os.LookupEnv("ISI_LOG_LEVEL"); ok && v != "" {
		cfg.Runtime.LogLevel = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	ports := map[string]int{
		"control_port":  c.Network.ControlPort,
		"event_port":    c.Network.EventPort,
		"stimulus_port": c.Network.StimulusPort,
		"camera_port":   c.Network.CameraPort,
		"ack_port":      c.Network.AckPort,
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	if c.Paths.DataRoot == "" {
		return fmt.Errorf("paths.data_root must not be empty")
	}
	if c.Paths.ShmDir == "" {
		return fmt.Errorf("paths.shm_dir must not be empty")
	}
	switch c.Runtime.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("runtime.log_level must be one of debug/info/warn/error, got %q", c.Runtime.LogLevel)
	}
	return nil
}
