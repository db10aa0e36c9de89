package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type DBConfig struct {
	Driver     string `mapstructure:"driver"` // "postgres" or "sqlite"
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SupabaseConfig struct {
	URL            string `mapstructure:"url"`
	ServiceRoleKey string `mapstructure:"service_role_key"`
}

type MQTTConfig struct {
	BrokerURL   string `mapstructure:"broker_url"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type SweepConfig struct {
	Cron string `mapstructure:"cron"` // empty disables the job
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Config struct {
	Port         string `mapstructure:"port"`
	LogLevel     string `mapstructure:"log_level"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // traces are dropped when empty

	RegistrationSecret string `mapstructure:"registration_secret"`
	ProvisionAdminKey  string `mapstructure:"provision_admin_key"`
	JWTSecret          string `mapstructure:"jwt_secret"`
	ServerURL          string `mapstructure:"server_url"`

	MemoryTTL         time.Duration `mapstructure:"memory_ttl"`
	MemoryFallback    string        `mapstructure:"memory_fallback"` // db, supabase or none
	CacheTimeout      time.Duration `mapstructure:"cache_timeout"`   // per redis call on the request path
	OfflineAfter      time.Duration `mapstructure:"offline_after"`
	DefaultDeviceType string        `mapstructure:"default_device_type"`
	FirmwareBaseURL   string        `mapstructure:"firmware_base_url"`

	DB        DBConfig        `mapstructure:"db"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Supabase  SupabaseConfig  `mapstructure:"supabase"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("registration_secret", "VALID_PROVISION_KEY")
	v.SetDefault("provision_admin_key", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("server_url", "wss://nekota-server.com/ws")
	v.SetDefault("memory_ttl", time.Hour)
	v.SetDefault("memory_fallback", "db")
	v.SetDefault("cache_timeout", 250*time.Millisecond)
	v.SetDefault("offline_after", 5*time.Minute)
	v.SetDefault("default_device_type", "ESP32")
	v.SetDefault("firmware_base_url", "https://example.com/firmware")

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.sqlite_path", "device-manager.db")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.db", "devices")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.service_role_key", "")

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.topic_prefix", "nekota")

	v.SetDefault("sweep.cron", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 30)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load reads defaults, then the optional YAML file at path, then the
// environment (POSTGRES_HOST overrides postgres.host and so on).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}
	switch c.MemoryFallback {
	case "db", "none":
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.ServiceRoleKey == "" {
			return fmt.Errorf("memory_fallback=supabase requires supabase.url and supabase.service_role_key")
		}
	default:
		return fmt.Errorf("unsupported memory_fallback %q", c.MemoryFallback)
	}
	if c.MemoryTTL <= 0 {
		return fmt.Errorf("memory_ttl must be positive")
	}
	if c.CacheTimeout <= 0 {
		return fmt.Errorf("cache_timeout must be positive")
	}
	if c.OfflineAfter <= 0 {
		return fmt.Errorf("offline_after must be positive")
	}
	return nil
}
