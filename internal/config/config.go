// Package config loads the daemon configuration from YAML with environment
// overrides. Environment always wins over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir string `yaml:"dataDir"`
	// StorePassphrase seals the on-disk stores; empty keeps them plaintext.
	// Settable only via EMBER_STORE_PASSPHRASE, never via file.
	StorePassphrase string `yaml:"-"`

	// ListenAddrs are multiaddrs reserved for a networked transport backend.
	ListenAddrs []string `yaml:"listenAddrs"`

	RPC    RPCConfig    `yaml:"rpc"`
	Limits LimitsConfig `yaml:"limits"`

	SweepInterval  time.Duration `yaml:"sweepInterval"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	WaitBudget     time.Duration `yaml:"waitBudget"`
	PollInterval   time.Duration `yaml:"pollInterval"`
}

type RPCConfig struct {
	Addr string `yaml:"addr"`
}

type LimitsConfig struct {
	FramesPerSecond float64 `yaml:"framesPerSecond"`
	Burst           int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		DataDir:        defaultDataDir(),
		RPC:            RPCConfig{Addr: "127.0.0.1:8791"},
		Limits:         LimitsConfig{FramesPerSecond: 50, Burst: 100},
		SweepInterval:  time.Minute,
		ConnectTimeout: 10 * time.Second,
		WaitBudget:     10 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// LoadFromPath reads the config file, merges it over the defaults and applies
// environment overrides. A missing or unparsable file falls back to defaults
// rather than failing the daemon.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/peerd.yaml",
			"peerd.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	for _, addr := range c.ListenAddrs {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen multiaddr %q: %w", addr, err)
		}
	}
	if c.Limits.FramesPerSecond < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}

func merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.ListenAddrs != nil {
		dst.ListenAddrs = src.ListenAddrs
	}
	if src.RPC.Addr != "" {
		dst.RPC.Addr = src.RPC.Addr
	}
	if src.Limits.FramesPerSecond != 0 {
		dst.Limits.FramesPerSecond = src.Limits.FramesPerSecond
	}
	if src.Limits.Burst != 0 {
		dst.Limits.Burst = src.Limits.Burst
	}
	if src.SweepInterval != 0 {
		dst.SweepInterval = src.SweepInterval
	}
	if src.ConnectTimeout != 0 {
		dst.ConnectTimeout = src.ConnectTimeout
	}
	if src.WaitBudget != 0 {
		dst.WaitBudget = src.WaitBudget
	}
	if src.PollInterval != 0 {
		dst.PollInterval = src.PollInterval
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("EMBER_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBER_RPC_ADDR")); v != "" {
		cfg.RPC.Addr = v
	}
	cfg.StorePassphrase = os.Getenv("EMBER_STORE_PASSPHRASE")
	if v := strings.TrimSpace(os.Getenv("EMBER_SWEEP_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMBER_FRAMES_PER_SECOND")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Limits.FramesPerSecond = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMBER_LISTEN_ADDRS")); v != "" {
		cfg.ListenAddrs = strings.Split(v, ",")
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ember"
	}
	return home + string(os.PathSeparator) + ".ember"
}
