package config

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"identity-core/internal/credential"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Database struct {
		Driver  string
		Path    string
		URL     string
		Timeout time.Duration
	}
	Redis struct {
		Addr      string
		Password  string
		DB        int
		KeyPrefix string
	}
	Hasher struct {
		Algorithm      string
		Time           uint32
		Memory         uint32
		Threads        uint8
		BcryptCost     int
		MaxSecretBytes int
		Workers        int
	}
	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from environment variables and optional config files.
// Variables already present in the environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("IDENTITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/identity.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.timeout", "5s")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyprefix", "identity:")
	v.SetDefault("hasher.algorithm", string(credential.Argon2id))
	v.SetDefault("hasher.time", 3)
	v.SetDefault("hasher.memory", 64*1024)
	v.SetDefault("hasher.threads", 2)
	v.SetDefault("hasher.bcryptcost", 12)
	v.SetDefault("hasher.maxsecretbytes", credential.DefaultMaxSecretBytes)
	v.SetDefault("hasher.workers", runtime.NumCPU())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can act on.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory, DriverSQLite, DriverRedis:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Timeout < 0 {
		return fmt.Errorf("database.timeout must not be negative")
	}

	switch credential.Algorithm(c.Hasher.Algorithm) {
	case credential.Argon2id, credential.Bcrypt:
	default:
		return fmt.Errorf("unknown hasher algorithm %q", c.Hasher.Algorithm)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// HasherParams converts the hasher section into credential parameters.
func (c Config) HasherParams() credential.Params {
	params := credential.DefaultParams()
	params.Algorithm = credential.Algorithm(c.Hasher.Algorithm)
	params.Argon2.Time = c.Hasher.Time
	params.Argon2.Memory = c.Hasher.Memory
	params.Argon2.Threads = c.Hasher.Threads
	params.BcryptCost = c.Hasher.BcryptCost
	params.MaxSecretBytes = c.Hasher.MaxSecretBytes
	return params
}
