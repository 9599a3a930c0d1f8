// Package config loads service settings from defaults, an optional YAML file
// and AGRIVET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AGRIVET"

// Refresh-token store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Elastic   ElasticConfig   `mapstructure:"elasticsearch"`
	Log       LogConfig       `mapstructure:"log"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CookieSecure    bool          `mapstructure:"cookie_secure"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
}

// GRPCConfig enables the gRPC listener when Addr is set.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type AuthConfig struct {
	Secret         string        `mapstructure:"secret"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	PublicKeyFile  string        `mapstructure:"public_key_file"`
	KeyID          string        `mapstructure:"key_id"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
}

// UsesRSA reports whether RS256 key files are configured.
func (a AuthConfig) UsesRSA() bool {
	return a.PrivateKeyFile != "" || a.PublicKeyFile != ""
}

// ReadKeys loads the PEM-encoded RSA key pair.
func (a AuthConfig) ReadKeys() (privatePEM, publicPEM string, err error) {
	priv, err := os.ReadFile(a.PrivateKeyFile)
	if err != nil {
		return "", "", fmt.Errorf("read private key: %w", err)
	}
	pub, err := os.ReadFile(a.PublicKeyFile)
	if err != nil {
		return "", "", fmt.Errorf("read public key: %w", err)
	}
	return string(priv), string(pub), nil
}

// DatabaseConfig selects PostgreSQL. An empty DSN keeps everything in memory.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RefreshConfig struct {
	Store         string        `mapstructure:"store"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ElasticConfig enables the secondary audit sink when Addresses is non-empty.
type ElasticConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig bounds login and registration attempts per client address.
type RateLimitConfig struct {
	Burst     int     `mapstructure:"burst"`
	PerSecond float64 `mapstructure:"per_second"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.cookie_secure", true)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("grpc.addr", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.private_key_file", "")
	v.SetDefault("auth.public_key_file", "")
	v.SetDefault("auth.key_id", "")
	v.SetDefault("auth.issuer", "agrivet.store")
	v.SetDefault("auth.access_ttl", "15m")
	v.SetDefault("auth.refresh_ttl", "336h")
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("database.dsn", "")
	v.SetDefault("refresh.store", "")
	v.SetDefault("refresh.purge_interval", "1h")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "agrivet:")
	v.SetDefault("elasticsearch.addresses", []string{})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.index", "agrivet-audit")
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.per_second", 1.0)
}

// Load reads configuration. path may be empty; a named file must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Refresh.Store = strings.ToLower(strings.TrimSpace(c.Refresh.Store))
	if c.Refresh.Store == "" {
		if c.Database.DSN != "" {
			c.Refresh.Store = StorePostgres
		} else {
			c.Refresh.Store = StoreMemory
		}
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Elastic.Addresses = compact(c.Elastic.Addresses)
	c.CORS.AllowedOrigins = compact(c.CORS.AllowedOrigins)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	switch {
	case c.Auth.UsesRSA():
		if c.Auth.PrivateKeyFile == "" || c.Auth.PublicKeyFile == "" {
			errs = append(errs, errors.New("auth.private_key_file and auth.public_key_file must be set together"))
		}
	case c.Auth.Secret == "":
		errs = append(errs, errors.New("auth.secret (AGRIVET_AUTH_SECRET) or an RSA key pair is required"))
	case len(c.Auth.Secret) < 32:
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl and auth.refresh_ttl must be positive"))
	} else if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		errs = append(errs, errors.New("auth.access_ttl must be shorter than auth.refresh_ttl"))
	}
	switch c.Refresh.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("refresh.store=postgres requires database.dsn"))
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("refresh.store=redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("refresh.store %q is not one of memory, postgres, redis", c.Refresh.Store))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.burst and rate_limit.per_second must be positive"))
	}
	return errors.Join(errs...)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
