package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig deliberately has no write timeout: the feed websocket is a
// long-lived stream with per-message write deadlines of its own.
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	CreateRPM         int           `mapstructure:"create_rpm"`
	BodyLimit         int64         `mapstructure:"body_limit"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "sqlite"
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SessionConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	FeedBuffer    int           `mapstructure:"feed_buffer"`
}

type ObservabilityConfig struct {
	ServiceName           string        `mapstructure:"service_name"`
	Environment           string        `mapstructure:"environment"`
	OTLPEndpoint          string        `mapstructure:"otlp_endpoint"`
	OTLPInsecure          bool          `mapstructure:"otlp_insecure"`
	MetricsEnabled        bool          `mapstructure:"metrics_enabled"`
	TracingEnabled        bool          `mapstructure:"tracing_enabled"`
	LogsEnabled           bool          `mapstructure:"logs_enabled"`
	MetricsExportInterval time.Duration `mapstructure:"metrics_export_interval"`
	LogLevel              string        `mapstructure:"log_level"`
}

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Session       SessionConfig       `mapstructure:"session"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// Load reads configuration from the given yaml file (default "config.yaml"
// in the working directory) with environment overrides under the PEAK
// prefix, e.g. PEAK_SERVER_PORT=9000.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("PEAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.create_rpm", 30)
	v.SetDefault("server.body_limit", int64(1<<20))
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:peak-tracker.db?_fk=1")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("session.sweep_interval", 5*time.Minute)
	v.SetDefault("session.feed_buffer", 64)
	v.SetDefault("observability.service_name", "peak-tracker-service")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.otlp_insecure", true)
	v.SetDefault("observability.metrics_enabled", false)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.logs_enabled", false)
	v.SetDefault("observability.metrics_export_interval", 15*time.Second)
	v.SetDefault("observability.log_level", "info")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	if c.Session.FeedBuffer <= 0 {
		return fmt.Errorf("session.feed_buffer must be positive")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
