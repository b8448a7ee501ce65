package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/venuescout/accessguard/pkg/access"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Key-value store used for snapshots
	Store StoreConfig `mapstructure:"store"`

	// Redis configuration
	Redis RedisConfig `mapstructure:"redis"`

	// SQLite configuration
	SQLite SQLiteConfig `mapstructure:"sqlite"`

	// Audit sink configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Database configuration for the postgres audit sink
	Database DatabaseConfig `mapstructure:"database"`

	// Kafka configuration for the kafka audit sink
	Kafka KafkaConfig `mapstructure:"kafka"`

	// Engine tuning
	Engine EngineConfig `mapstructure:"engine"`

	// Per-endpoint rate limit rules, keyed by endpoint
	RateLimits map[string]access.RateLimitRule `mapstructure:"rate_limits"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	// Policy document, reloaded on change when WatchPolicies is set
	PolicyFile    string `mapstructure:"policy_file"`
	WatchPolicies bool   `mapstructure:"watch_policies"`

	// Directory of local identities for the login endpoint
	Users []UserConfig `mapstructure:"users"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Mode         string        `mapstructure:"mode"`
	AdminRoles   []string      `mapstructure:"admin_roles"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects and bounds the key-value store
type StoreConfig struct {
	Backend string        `mapstructure:"backend"`
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker around external calls
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SQLiteConfig holds the embedded store location
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// AuditConfig selects the audit sink
type AuditConfig struct {
	Backend string        `mapstructure:"backend"`
	Timeout time.Duration `mapstructure:"timeout"`
	Buffer  int           `mapstructure:"buffer"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the connection string, preferring an explicit URL.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// KafkaConfig holds the incident pipeline topic
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// EngineConfig tunes the access-control engine
type EngineConfig struct {
	SessionTimeout     time.Duration `mapstructure:"session_timeout"`
	AutoBlockThreshold int           `mapstructure:"auto_block_threshold"`
	AutoBlockDuration  time.Duration `mapstructure:"auto_block_duration"`
	MaxBlockDuration   time.Duration `mapstructure:"max_block_duration"`
	LocationMergeKm    float64       `mapstructure:"location_merge_km"`
	AnomalyDistanceKm  float64       `mapstructure:"anomaly_distance_km"`
	DynamicLimitTTL    time.Duration `mapstructure:"dynamic_limit_ttl"`
	AttemptRetention   time.Duration `mapstructure:"attempt_retention"`
	MaxRecentAttempts  int           `mapstructure:"max_recent_attempts"`
	FanoutCacheSize    int           `mapstructure:"fanout_cache_size"`
	FanoutTTL          time.Duration `mapstructure:"fanout_ttl"`
	EventBuffer        int           `mapstructure:"event_buffer"`
	Sweep              SweepConfig   `mapstructure:"sweep"`
}

// SweepConfig holds background sweep intervals
type SweepConfig struct {
	Sessions  time.Duration `mapstructure:"sessions"`
	History   time.Duration `mapstructure:"history"`
	Patterns  time.Duration `mapstructure:"patterns"`
	Blocks    time.Duration `mapstructure:"blocks"`
	Snapshots time.Duration `mapstructure:"snapshots"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey      string        `mapstructure:"secret_key"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
}

// UserConfig is a local identity accepted by the login endpoint
type UserConfig struct {
	Identity     string `mapstructure:"identity"`
	Role         string `mapstructure:"role"`
	PasswordHash string `mapstructure:"password_hash"`
	TOTPSecret   string `mapstructure:"totp_secret"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or searches the default locations
// when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/accessguard")
	}

	setDefaults(v)

	v.SetEnvPrefix("ACCESSGUARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.RateLimits = mergeRateLimits(config.RateLimits)
	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.admin_roles", []string{"admin"})

	// Store defaults
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.timeout", "2s")
	v.SetDefault("store.breaker.max_failures", 5)
	v.SetDefault("store.breaker.open_timeout", "30s")
	v.SetDefault("store.breaker.interval", "60s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "")

	v.SetDefault("sqlite.path", "accessguard.db")

	// Audit defaults
	v.SetDefault("audit.backend", "log")
	v.SetDefault("audit.timeout", "2s")
	v.SetDefault("audit.buffer", 1024)
	v.SetDefault("audit.breaker.max_failures", 5)
	v.SetDefault("audit.breaker.open_timeout", "30s")
	v.SetDefault("audit.breaker.interval", "60s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "accessguard")
	v.SetDefault("database.user", "accessguard")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("kafka.topic", "accessguard.incidents")
	v.SetDefault("kafka.batch_timeout", "100ms")

	// Engine defaults
	v.SetDefault("engine.session_timeout", "30m")
	v.SetDefault("engine.auto_block_threshold", 8)
	v.SetDefault("engine.auto_block_duration", "24h")
	v.SetDefault("engine.max_block_duration", "24h")
	v.SetDefault("engine.location_merge_km", 50.0)
	v.SetDefault("engine.anomaly_distance_km", 1000.0)
	v.SetDefault("engine.dynamic_limit_ttl", "1h")
	v.SetDefault("engine.attempt_retention", "24h")
	v.SetDefault("engine.max_recent_attempts", 10000)
	v.SetDefault("engine.fanout_cache_size", 10000)
	v.SetDefault("engine.fanout_ttl", "1h")
	v.SetDefault("engine.event_buffer", 1024)
	v.SetDefault("engine.sweep.sessions", "1m")
	v.SetDefault("engine.sweep.history", "5m")
	v.SetDefault("engine.sweep.patterns", "5m")
	v.SetDefault("engine.sweep.blocks", "1m")
	v.SetDefault("engine.sweep.snapshots", "5m")

	// JWT defaults
	v.SetDefault("jwt.access_token_ttl", "1h")
	v.SetDefault("jwt.issuer", "accessguard")
	v.SetDefault("jwt.audience", "venuescout")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sampling_rate", 0.1)
	v.SetDefault("tracing.environment", "development")

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// DefaultRateLimits returns the built-in per-endpoint rules.
func DefaultRateLimits() map[string]access.RateLimitRule {
	return map[string]access.RateLimitRule{
		access.EndpointLogin: {
			Endpoint:       access.EndpointLogin,
			Window:         15 * time.Minute,
			MaxRequests:    5,
			BlockDuration:  30 * time.Minute,
			SkipSuccessful: true,
			Sensitive:      true,
		},
		access.EndpointPasswordChange: {
			Endpoint:      access.EndpointPasswordChange,
			Window:        time.Hour,
			MaxRequests:   3,
			BlockDuration: time.Hour,
			Sensitive:     true,
		},
		access.EndpointAdminAccountCreate: {
			Endpoint:      access.EndpointAdminAccountCreate,
			Window:        time.Hour,
			MaxRequests:   5,
			BlockDuration: 2 * time.Hour,
			Sensitive:     true,
		},
		access.EndpointSessionCreate: {
			Endpoint:      access.EndpointSessionCreate,
			Window:        time.Minute,
			MaxRequests:   20,
			BlockDuration: 5 * time.Minute,
		},
	}
}

// mergeRateLimits fills endpoints missing from configured with defaults.
func mergeRateLimits(configured map[string]access.RateLimitRule) map[string]access.RateLimitRule {
	merged := DefaultRateLimits()
	for endpoint, rule := range configured {
		rule.Endpoint = endpoint
		merged[endpoint] = rule
	}
	return merged
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	var errs access.ValidationErrors

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs.Add("server.port", strconv.Itoa(config.Server.Port), "port out of range")
	}

	switch config.Store.Backend {
	case "memory", "redis":
	case "sqlite":
		if config.SQLite.Path == "" {
			errs.Add("sqlite.path", "", "required for sqlite store")
		}
	default:
		errs.Add("store.backend", config.Store.Backend, "must be memory, redis or sqlite")
	}

	switch config.Audit.Backend {
	case "log":
	case "postgres":
		if config.Database.URL == "" && config.Database.Password == "" {
			errs.Add("database.password", "", "required for postgres audit sink")
		}
	case "kafka":
		if len(config.Kafka.Brokers) == 0 {
			errs.Add("kafka.brokers", "", "required for kafka audit sink")
		}
	default:
		errs.Add("audit.backend", config.Audit.Backend, "must be log, postgres or kafka")
	}

	if config.JWT.SecretKey == "" {
		errs.Add("jwt.secret_key", "", "JWT secret key is required")
	}

	if config.Engine.SessionTimeout <= 0 {
		errs.Add("engine.session_timeout", config.Engine.SessionTimeout.String(), "must be positive")
	}
	if config.Engine.AutoBlockThreshold <= 0 {
		errs.Add("engine.auto_block_threshold", strconv.Itoa(config.Engine.AutoBlockThreshold), "must be positive")
	}

	for endpoint, rule := range config.RateLimits {
		if rule.MaxRequests <= 0 {
			errs.Add("rate_limits."+endpoint+".max_requests", strconv.Itoa(rule.MaxRequests), "must be positive")
		}
		if rule.Window <= 0 {
			errs.Add("rate_limits."+endpoint+".window", rule.Window.String(), "must be positive")
		}
	}

	return errs.OrNil()
}
