// Package config loads the pool node's configuration: a YAML file as
// the base layer, overridden by POOL_<FIELD> environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pool node.
type Config struct {
	// Network selects the base-chain network by name (resolved by
	// chaincfg.ParseNetwork). Defaults sets it to "regtest".
	Network string `yaml:"network"`

	// Stratum
	BindAddress       string `yaml:"bind_address"`
	RPCURL            string `yaml:"rpc_url"`
	RPCCookiePath     string `yaml:"rpc_cookie_path"`
	JobPollIntervalMs uint64 `yaml:"job_poll_interval_ms"`
	DefaultDiffUnits  uint64 `yaml:"default_diff_units"`

	// Share-chain / retargeting
	DataDir          string `yaml:"data_dir"`
	TargetTimeMs     uint64 `yaml:"target_time_ms"`
	DiffAdjustBlocks uint32 `yaml:"diff_adjust_blocks"`
	DonationAddress  string `yaml:"donation_address"`

	// Ambient stack
	LogLevel         string `yaml:"log_level"`
	LogFile          string `yaml:"log_file"`
	CheckpointDBPath string `yaml:"checkpoint_db_path"`
	MetricsAddr      string `yaml:"metrics_addr"`
	AdminAddr        string `yaml:"admin_addr"`
}

// Defaults returns the configuration used when neither the YAML file
// nor the environment overrides a field.
func Defaults() *Config {
	return &Config{
		Network:           "regtest",
		BindAddress:       "0.0.0.0:3333",
		RPCURL:            "http://127.0.0.1:8332",
		RPCCookiePath:     "",
		JobPollIntervalMs: 2000,
		DefaultDiffUnits:  5_000_000,
		DataDir:           ".",
		TargetTimeMs:      30_000,
		DiffAdjustBlocks:  16,
		DonationAddress:   "",
		LogLevel:          "info",
		LogFile:           "",
		CheckpointDBPath:  "checkpoint.db",
		MetricsAddr:       "0.0.0.0:9090",
		AdminAddr:         "0.0.0.0:8080",
	}
}

// Load reads path as YAML over the defaults, then applies POOL_<FIELD>
// environment overrides. A missing file is not an error: defaults plus
// environment overrides are still a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Network = getEnv("POOL_NETWORK", cfg.Network)
	cfg.BindAddress = getEnv("POOL_BIND_ADDRESS", cfg.BindAddress)
	cfg.RPCURL = getEnv("POOL_RPC_URL", cfg.RPCURL)
	cfg.RPCCookiePath = getEnv("POOL_RPC_COOKIE_PATH", cfg.RPCCookiePath)
	cfg.JobPollIntervalMs = getEnvUint64("POOL_JOB_POLL_INTERVAL_MS", cfg.JobPollIntervalMs)
	cfg.DefaultDiffUnits = getEnvUint64("POOL_DEFAULT_DIFF_UNITS", cfg.DefaultDiffUnits)
	cfg.DataDir = getEnv("POOL_DATA_DIR", cfg.DataDir)
	cfg.TargetTimeMs = getEnvUint64("POOL_TARGET_TIME_MS", cfg.TargetTimeMs)
	cfg.DiffAdjustBlocks = uint32(getEnvUint64("POOL_DIFF_ADJUST_BLOCKS", uint64(cfg.DiffAdjustBlocks)))
	cfg.DonationAddress = getEnv("POOL_DONATION_ADDRESS", cfg.DonationAddress)
	cfg.LogLevel = getEnv("POOL_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("POOL_LOG_FILE", cfg.LogFile)
	cfg.CheckpointDBPath = getEnv("POOL_CHECKPOINT_DB_PATH", cfg.CheckpointDBPath)
	cfg.MetricsAddr = getEnv("POOL_METRICS_ADDR", cfg.MetricsAddr)
	cfg.AdminAddr = getEnv("POOL_ADMIN_ADDR", cfg.AdminAddr)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
