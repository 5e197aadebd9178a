// Package config loads runtime configuration from environment variables
// with the PLUGSENTRY_ prefix, falling back to an optional config file and
// built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// CORSOrigin pins the browser origin allowed to call the API. "*" keeps
	// the single-node default.
	CORSOrigin string `mapstructure:"cors_origin"`

	// Backend selects the persistence layer: "memory" or "postgres".
	Backend     string `mapstructure:"backend"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`

	RegistryURL string `mapstructure:"registry_url"`
	RuntimeURL  string `mapstructure:"runtime_url"`

	JWTSecret string `mapstructure:"jwt_secret"`

	// TrustedKeysDir holds trusted publisher public keys, one PEM file per
	// publisher, named <publisher>.pem. Empty means no trusted publishers.
	TrustedKeysDir string `mapstructure:"trusted_keys_dir"`

	AnalysisScoreFloor int `mapstructure:"analysis_score_floor"`

	NetworkRateLimit  int           `mapstructure:"network_rate_limit"`
	NetworkRateWindow time.Duration `mapstructure:"network_rate_window"`

	CollaboratorTimeout time.Duration `mapstructure:"collaborator_timeout"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration. Environment variables win over the config file,
// which wins over defaults. path may be empty to skip the file entirely.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLUGSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("backend", "memory")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("registry_url", "http://localhost:8091")
	v.SetDefault("runtime_url", "http://localhost:8092")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("trusted_keys_dir", "")
	v.SetDefault("analysis_score_floor", 40)
	v.SetDefault("network_rate_limit", 10)
	v.SetDefault("network_rate_window", time.Minute)
	v.SetDefault("collaborator_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("backend postgres requires PLUGSENTRY_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("PLUGSENTRY_JWT_SECRET is required")
	}
	if c.AnalysisScoreFloor < 0 || c.AnalysisScoreFloor > 100 {
		return fmt.Errorf("analysis score floor must be between 0 and 100")
	}
	if c.NetworkRateLimit <= 0 {
		return fmt.Errorf("network rate limit must be positive")
	}
	return nil
}
