package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/carp/internal/logger"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "carp.toml"

// EnvPrefix is the prefix of environment overrides, e.g. CARP_NODE_BLOCK_TIME_MS.
const EnvPrefix = "CARP"

const (
	polkadotSDK    = "https://github.com/paritytech/polkadot-sdk.git"
	polkadotStable = "polkadot-stable2412"
	ethRPCCommit   = "d1d92ab76004ce349a97fc5d325eaf9a4a7101b7"
)

// Config is the full supervisor configuration. Every field has a built-in
// default so that carp runs with no file at all.
type Config struct {
	Dependencies []DependencyConfig `mapstructure:"dependencies"`
	Install      InstallConfig      `mapstructure:"install"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Node         NodeConfig         `mapstructure:"node"`
	RPC          RPCConfig          `mapstructure:"rpc"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	History      HistoryConfig      `mapstructure:"history"`
	Env          []string           `mapstructure:"env"`
	EnvFiles     []string           `mapstructure:"env_files"`
	StateDir     string             `mapstructure:"state_dir"`
	StopGrace    time.Duration      `mapstructure:"stop_grace"`
}

// DependencyConfig names a required executable and how to install it.
type DependencyConfig struct {
	Bin     string     `mapstructure:"bin"`
	Package string     `mapstructure:"package"`
	Source  *GitSource `mapstructure:"source"`
}

// GitSource pins an install to a repository reference. Kind is "tag" or "commit".
type GitSource struct {
	URL  string `mapstructure:"url"`
	Ref  string `mapstructure:"ref"`
	Kind string `mapstructure:"kind"`
}

type InstallConfig struct {
	Tool         string        `mapstructure:"tool"`
	ProbeArgs    []string      `mapstructure:"probe_args"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type ChainConfig struct {
	Builder    string `mapstructure:"builder"`
	Runtime    string `mapstructure:"runtime"`
	SpecPath   string `mapstructure:"spec_path"`
	ParaID     int    `mapstructure:"para_id"`
	RelayChain string `mapstructure:"relay_chain"`
	Preset     string `mapstructure:"preset"`
	Purge      bool   `mapstructure:"purge"`
}

type NodeConfig struct {
	Bin         string   `mapstructure:"bin"`
	BlockTimeMS int      `mapstructure:"block_time_ms"`
	ExtraArgs   []string `mapstructure:"extra_args"`
}

type RPCConfig struct {
	Bin       string   `mapstructure:"bin"`
	CORS      string   `mapstructure:"cors"`
	LogFilter string   `mapstructure:"log_filter"`
	ExtraArgs []string `mapstructure:"extra_args"`
}

// LogConfig covers both carp's own logger and the optional service log files.
// With Services unset, service output goes to the terminal.
type LogConfig struct {
	logger.Options `mapstructure:",squash"`
	Services       logger.Config `mapstructure:"services"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Dependencies: []DependencyConfig{
			{Bin: "polkadot-omni-node", Package: "polkadot-omni-node",
				Source: &GitSource{URL: polkadotSDK, Ref: polkadotStable, Kind: "tag"}},
			{Bin: "chain-spec-builder", Package: "staging-chain-spec-builder",
				Source: &GitSource{URL: polkadotSDK, Ref: polkadotStable, Kind: "tag"}},
			{Bin: "eth-rpc", Package: "pallet-revive-eth-rpc",
				Source: &GitSource{URL: polkadotSDK, Ref: ethRPCCommit, Kind: "commit"}},
		},
		Install: InstallConfig{
			Tool:         "cargo",
			ProbeArgs:    []string{"--version"},
			ProbeTimeout: 2 * time.Second,
		},
		Chain: ChainConfig{
			Builder:    "chain-spec-builder",
			Runtime:    "./runtimes/westend.wasm",
			SpecPath:   "./chain_spec.json",
			ParaID:     100,
			RelayChain: "paseo",
			Preset:     "development",
			Purge:      true,
		},
		Node: NodeConfig{Bin: "polkadot-omni-node", BlockTimeMS: 6000},
		RPC:  RPCConfig{Bin: "eth-rpc", CORS: "all", LogFilter: "debug"},
		Log: LogConfig{Options: logger.Options{Level: "info", Format: "text"}, Services: logger.Config{
			MaxSizeMB: logger.DefaultMaxSizeMB, MaxBackups: logger.DefaultMaxBackups, MaxAgeDays: logger.DefaultMaxAgeDays,
		}},
		StateDir:  ".carp",
		StopGrace: 10 * time.Second,
	}
}

// scalar keys that can be overridden from the environment
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("install.tool", d.Install.Tool)
	v.SetDefault("install.probe_timeout", d.Install.ProbeTimeout)
	v.SetDefault("chain.builder", d.Chain.Builder)
	v.SetDefault("chain.runtime", d.Chain.Runtime)
	v.SetDefault("chain.spec_path", d.Chain.SpecPath)
	v.SetDefault("chain.para_id", d.Chain.ParaID)
	v.SetDefault("chain.relay_chain", d.Chain.RelayChain)
	v.SetDefault("chain.preset", d.Chain.Preset)
	v.SetDefault("chain.purge", d.Chain.Purge)
	v.SetDefault("node.bin", d.Node.Bin)
	v.SetDefault("node.block_time_ms", d.Node.BlockTimeMS)
	v.SetDefault("rpc.bin", d.RPC.Bin)
	v.SetDefault("rpc.cors", d.RPC.CORS)
	v.SetDefault("rpc.log_filter", d.RPC.LogFilter)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.services.dir", d.Log.Services.Dir)
	v.SetDefault("log.services.max_size_mb", d.Log.Services.MaxSizeMB)
	v.SetDefault("log.services.max_backups", d.Log.Services.MaxBackups)
	v.SetDefault("log.services.max_age_days", d.Log.Services.MaxAgeDays)
	v.SetDefault("log.services.compress", d.Log.Services.Compress)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("history.dsn", d.History.DSN)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("stop_grace", d.StopGrace)
}

// Load returns Default overlaid with the TOML file at path and CARP_*
// environment variables. An empty path reads DefaultFile when it exists.
func Load(path string) (Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// lists replace the defaults instead of merging element-wise
	if v.IsSet("dependencies") {
		cfg.Dependencies = nil
	}
	if v.IsSet("install.probe_args") {
		cfg.Install.ProbeArgs = nil
	}
	if v.IsSet("node.extra_args") {
		cfg.Node.ExtraArgs = nil
	}
	if v.IsSet("rpc.extra_args") {
		cfg.RPC.ExtraArgs = nil
	}
	if v.IsSet("env") {
		cfg.Env = nil
	}
	if v.IsSet("env_files") {
		cfg.EnvFiles = nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Dependencies))
	for i, d := range c.Dependencies {
		if strings.TrimSpace(d.Bin) == "" {
			errs = append(errs, fmt.Errorf("dependencies[%d]: bin is required", i))
		}
		if strings.TrimSpace(d.Package) == "" {
			errs = append(errs, fmt.Errorf("dependencies[%d]: package is required", i))
		}
		if seen[d.Bin] {
			errs = append(errs, fmt.Errorf("dependencies[%d]: duplicate bin %q", i, d.Bin))
		}
		seen[d.Bin] = true
		if s := d.Source; s != nil {
			if s.URL == "" || s.Ref == "" {
				errs = append(errs, fmt.Errorf("dependencies[%d]: source needs url and ref", i))
			}
			if s.Kind != "tag" && s.Kind != "commit" {
				errs = append(errs, fmt.Errorf("dependencies[%d]: source kind must be tag or commit, got %q", i, s.Kind))
			}
		}
	}
	if c.Install.Tool == "" {
		errs = append(errs, errors.New("install.tool is required"))
	}
	if c.Install.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("install.probe_timeout must be positive"))
	}
	if c.Chain.Builder == "" || c.Chain.Runtime == "" || c.Chain.SpecPath == "" {
		errs = append(errs, errors.New("chain.builder, chain.runtime and chain.spec_path are required"))
	} else if filepath.Base(c.Chain.SpecPath) != "chain_spec.json" {
		// chain-spec-builder always writes chain_spec.json; only the directory is configurable
		errs = append(errs, fmt.Errorf("chain.spec_path must name a chain_spec.json file, got %q", c.Chain.SpecPath))
	}
	if c.Chain.ParaID <= 0 {
		errs = append(errs, fmt.Errorf("chain.para_id must be positive, got %d", c.Chain.ParaID))
	}
	if c.Node.Bin == "" || c.RPC.Bin == "" {
		errs = append(errs, errors.New("node.bin and rpc.bin are required"))
	}
	if c.Node.BlockTimeMS <= 0 {
		errs = append(errs, fmt.Errorf("node.block_time_ms must be positive, got %d", c.Node.BlockTimeMS))
	}
	if c.StopGrace <= 0 {
		errs = append(errs, errors.New("stop_grace must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// PIDFile returns the pid file path for a named service under StateDir.
func (c Config) PIDFile(name string) string {
	if c.StateDir == "" {
		return ""
	}
	return filepath.Join(c.StateDir, name+".pid")
}
