// Package config provides a reusable loader for synwallet configuration
// files and environment variables. It is versioned so that applications
// can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"synwallet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// ChainConfig describes the indexer/relayer/proof-service endpoints and
// sync tuning for a single chain the wallet tracks.
type ChainConfig struct {
	ChainID        string `mapstructure:"chain_id" json:"chain_id"`
	EntryURL       string `mapstructure:"entry_url" json:"entry_url"`
	ContractAddr   string `mapstructure:"contract_addr" json:"contract_addr"`
	RelayerURL     string `mapstructure:"relayer_url" json:"relayer_url"`
	MerkleProofURL string `mapstructure:"merkle_proof_url" json:"merkle_proof_url"`
}

// RetryConfig mirrors the SyncEngine's capped exponential backoff policy.
type RetryConfig struct {
	Attempts     int `mapstructure:"attempts" json:"attempts"`
	BaseDelayMs  int `mapstructure:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs   int `mapstructure:"max_delay_ms" json:"max_delay_ms"`
}

// Config represents the unified configuration for a synwallet host
// application. It mirrors the shape of the YAML files a CLI or browser
// demo (both out of scope for this module) would load.
type Config struct {
	Sync struct {
		PageSize         int         `mapstructure:"page_size" json:"page_size"`
		PollMs           int         `mapstructure:"poll_ms" json:"poll_ms"`
		RequestTimeoutMs int         `mapstructure:"request_timeout_ms" json:"request_timeout_ms"`
		Retry            RetryConfig `mapstructure:"retry" json:"retry"`
	} `mapstructure:"sync" json:"sync"`

	Merkle struct {
		Depth   int    `mapstructure:"depth" json:"depth"`
		Mode    string `mapstructure:"mode" json:"mode"`
		SubtreeShift int `mapstructure:"subtree_shift" json:"subtree_shift"`
	} `mapstructure:"merkle" json:"merkle"`

	Storage struct {
		Backend string `mapstructure:"backend" json:"backend"`
		DBPath  string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Operations struct {
		MaxOperations int `mapstructure:"max_operations" json:"max_operations"`
	} `mapstructure:"operations" json:"operations"`

	Chains map[string]ChainConfig `mapstructure:"chains" json:"chains"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of a .env file is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNWALLET_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNWALLET_ENV", ""))
}

// applyDefaults fills in the zero-value defaults named in the sync
// engine and merkle accumulator design.
func applyDefaults(c *Config) {
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 512
	}
	if c.Sync.PollMs == 0 {
		c.Sync.PollMs = 15000
	}
	if c.Sync.RequestTimeoutMs == 0 {
		c.Sync.RequestTimeoutMs = 20000
	}
	if c.Sync.Retry.Attempts == 0 {
		c.Sync.Retry.Attempts = 1
	}
	if c.Merkle.Depth == 0 {
		c.Merkle.Depth = 32
	}
	if c.Merkle.SubtreeShift == 0 {
		c.Merkle.SubtreeShift = 5
	}
	if c.Merkle.Mode == "" {
		c.Merkle.Mode = "hybrid"
	}
}
