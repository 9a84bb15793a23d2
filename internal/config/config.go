// Package config loads server configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, then GOPAD_* environment variables. A .env file in the working
// directory is loaded into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// Config is the configuration of a gopad server.
type Config struct {
	// Addr and Port are where the HTTP server listens.
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`

	// Secret signs author tokens. Required.
	Secret string `yaml:"secret"`

	// TokenTTL is how long issued author tokens stay valid.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// Store selects the history backend: memory, mongo or postgres.
	Store         string `yaml:"store"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	PostgresURL   string `yaml:"postgres_url"`

	// RedisAddr, when set, fans commits out through Redis pub/sub instead of
	// in process, and holds the leases deciding which server sequences each
	// document.
	RedisAddr string `yaml:"redis_addr"`

	// NodeID names this server to the others sharing its Redis. A server
	// asked for a document another one holds answers 409 with the holder's
	// NodeID, so an address clients can reach makes a useful value.
	// Empty picks a random id.
	NodeID string `yaml:"node_id"`

	// LogLevel is one of debug, info, warn, error. Debug also dumps every
	// rebased change.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Addr:          "127.0.0.1",
		Port:          8080,
		TokenTTL:      30 * 24 * time.Hour,
		Store:         StoreMemory,
		MongoDatabase: "gopad",
		LogLevel:      "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"GOPAD_ADDR":           &c.Addr,
		"GOPAD_SECRET":         &c.Secret,
		"GOPAD_STORE":          &c.Store,
		"GOPAD_MONGO_URI":      &c.MongoURI,
		"GOPAD_MONGO_DATABASE": &c.MongoDatabase,
		"GOPAD_POSTGRES_URL":   &c.PostgresURL,
		"GOPAD_REDIS_ADDR":     &c.RedisAddr,
		"GOPAD_NODE_ID":        &c.NodeID,
		"GOPAD_LOG_LEVEL":      &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("GOPAD_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GOPAD_PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv("GOPAD_TOKEN_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GOPAD_TOKEN_TTL: %w", err)
		}
		c.TokenTTL = ttl
	}
	return nil
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	if c.Secret == "" {
		return errors.New("config: secret is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch c.Store {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return errors.New("config: mongo store needs mongo_uri")
		}
	case StorePostgres:
		if c.PostgresURL == "" {
			return errors.New("config: postgres store needs postgres_url")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// ListenAddr is Addr:Port.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}
