// Package config loads Pano configuration from a config file, environment
// variables and an optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the runtime configuration for the Pano core.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Session  SessionConfig  `mapstructure:"session"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// DatabaseConfig locates the embedded database and bounds slow operations.
type DatabaseConfig struct {
	Path           string        `mapstructure:"path"`
	MigrateTimeout time.Duration `mapstructure:"migrate_timeout"`
	ReindexTimeout time.Duration `mapstructure:"reindex_timeout"`
}

// VaultConfig locates the external secret file and tunes key derivation.
type VaultConfig struct {
	Path          string `mapstructure:"path"`
	KDFIterations int    `mapstructure:"kdf_iterations"`
	UseKeyring    bool   `mapstructure:"use_keyring"`
}

// SessionConfig tunes session lifetime.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// CacheConfig bounds the per-domain filter caches.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// Load reads configuration with precedence: env vars > .env file > config
// file > defaults.
func Load() (*Config, error) {
	// A .env next to the working directory is optional.
	_ = godotenv.Load(".env")

	dataDir := defaultDataDir()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath(dataDir)

	viper.SetDefault("database.path", filepath.Join(dataDir, "pano.db"))
	viper.SetDefault("database.migrate_timeout", 30*time.Second)
	viper.SetDefault("database.reindex_timeout", 60*time.Second)
	viper.SetDefault("vault.path", filepath.Join(dataDir, "vault.json"))
	viper.SetDefault("vault.kdf_iterations", 310000)
	viper.SetDefault("vault.use_keyring", true)
	viper.SetDefault("session.ttl", 24*time.Hour)
	viper.SetDefault("cache.capacity", 128)

	viper.SetEnvPrefix("PANO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pano"
	}
	return filepath.Join(home, ".pano")
}
