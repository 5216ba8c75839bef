package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// DefaultRedisAddr is used when REDIS_ADDR is unset. An explicitly
// empty REDIS_ADDR is kept empty and rejected for the redis backend.
const DefaultRedisAddr = "localhost:6379"

// Config holds all environment-based configuration for the provider.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// HTTP listener and the externally visible base URL. Signatures are
	// checked against SERVER_URL when it is set, so it must match what
	// consumers sign when the provider sits behind a proxy.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerURL  string `env:"SERVER_URL"`

	// Protocol settings.
	BasePath        string        `env:"OAUTH_BASE_PATH" envDefault:"/oauth/1.0"`
	Realm           string        `env:"OAUTH_REALM"`
	RequestTokenTTL time.Duration `env:"OAUTH_REQUEST_TOKEN_TTL" envDefault:"10m"`
	AccessTokenTTL  time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"43800h"`
	TimestampWindow time.Duration `env:"OAUTH_TIMESTAMP_WINDOW" envDefault:"5m"`

	// SecurityEnabled turns OAuth authentication of protected resources
	// on or off globally.
	SecurityEnabled bool `env:"SECURITY_ENABLED" envDefault:"true"`

	// AuthUsers lists the users who may log in on the authorize page.
	// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2"
	AuthUsers string `env:"AUTH_USERS"`

	// Storage.
	StoreBackend    string `env:"STORE_BACKEND" envDefault:"bolt"`
	StatePath       string `env:"STATE_PATH"`
	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix  string `env:"REDIS_KEY_PREFIX" envDefault:"oauth1:"`
	StorePassphrase string `env:"STORE_PASSPHRASE"`

	// ConsumersFile is an optional YAML file of consumers, synced into the
	// registry at startup and on every change.
	ConsumersFile string `env:"CONSUMERS_FILE"`

	// SweepInterval is how often expired tokens are removed. Zero
	// disables the sweeper.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	// LogLevel overrides the environment's default level.
	LogLevel string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if _, set := os.LookupEnv("REDIS_ADDR"); !set {
		cfg.RedisAddr = DefaultRedisAddr
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.Realm == "" {
		cfg.Realm = cfg.defaultRealm()
	}

	// bbolt takes a flock on the path, so two spellings of the same file
	// must resolve to one.
	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendBolt, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of %s, %s or %s, got %q", BackendBolt, BackendRedis, BackendMemory, c.StoreBackend)
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("SERVER_URL must be an absolute http(s) URL, got %q", c.ServerURL)
		}
	}

	if c.RequestTokenTTL <= 0 {
		return fmt.Errorf("OAUTH_REQUEST_TOKEN_TTL must be positive")
	}

	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("OAUTH_ACCESS_TOKEN_TTL must be positive")
	}

	if c.TimestampWindow <= 0 {
		return fmt.Errorf("OAUTH_TIMESTAMP_WINDOW must be positive")
	}

	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}

	if c.StoreBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND is redis")
	}

	// Token secrets at rest are only sealed with a passphrase.
	if c.IsProduction() && c.StoreBackend != BackendMemory && c.StorePassphrase == "" {
		return fmt.Errorf("STORE_PASSPHRASE is required in production for the %s backend", c.StoreBackend)
	}

	if c.SecurityEnabled && c.AuthUsers == "" {
		return fmt.Errorf("AUTH_USERS is required when SECURITY_ENABLED is true")
	}

	if _, err := c.ParseAuthUsers(); err != nil {
		return err
	}

	return nil
}

func (c *Config) defaultRealm() string {
	if c.ServerURL == "" {
		return "oauth1-provider"
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "oauth1-provider"
	}

	return u.Host
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseAuthUsers parses the AUTH_USERS string into a map of username to
// bcrypt hash.
// Format: "user1:hash1,user2:hash2"
func (c *Config) ParseAuthUsers() (map[string]string, error) {
	users := make(map[string]string)
	if c.AuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.AuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("password for %q in AUTH_USERS is not a bcrypt hash; generate one with hash-password", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
