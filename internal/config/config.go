// Package config provides configuration management for the consolidation control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Cloud        CloudConfig        `mapstructure:"cloud"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Local        LocalConfig        `mapstructure:"local"`
	Global       GlobalConfig       `mapstructure:"global"`
	Algorithms   AlgorithmsConfig   `mapstructure:"algorithms"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Power        PowerConfig        `mapstructure:"power"`
	History      HistoryConfig      `mapstructure:"history"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration for the history store.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// URL returns the PostgreSQL URL used by schema migrations.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration used for leader election and state mirroring.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	LeaderKey   string        `mapstructure:"leader_key"`
	StateKey    string        `mapstructure:"state_key"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	TelemetryChannel string `mapstructure:"telemetry_channel"`
	EventsChannel    string `mapstructure:"events_channel"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	TokenExpiry       time.Duration `mapstructure:"token_expiry"`
	AdminUser         string        `mapstructure:"admin_user"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
}

// CloudConfig selects and configures the cloud control API driver.
type CloudConfig struct {
	Driver string       `mapstructure:"driver"`
	Nova   NovaConfig   `mapstructure:"nova"`
	Memory MemoryConfig `mapstructure:"memory"`
}

// NovaConfig holds OpenStack Compute configuration.
type NovaConfig struct {
	AuthURL           string `mapstructure:"auth_url"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	ProjectName       string `mapstructure:"project_name"`
	UserDomainName    string `mapstructure:"user_domain_name"`
	ProjectDomainName string `mapstructure:"project_domain_name"`
	Region            string `mapstructure:"region"`
	Availability      string `mapstructure:"availability"`
	BlockMigration    bool   `mapstructure:"block_migration"`
	DryRun            bool   `mapstructure:"dry_run"`
}

// MemoryConfig configures the in-memory simulated platform.
type MemoryConfig struct {
	MigrationDuration time.Duration `mapstructure:"migration_duration"`
	SeedDemo          bool          `mapstructure:"seed_demo"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
}

// TelemetryConfig holds utilization store configuration.
type TelemetryConfig struct {
	WindowSize int           `mapstructure:"window_size"`
	Interval   time.Duration `mapstructure:"interval"`
}

// LocalConfig holds local manager configuration.
type LocalConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	GlobalManagerURL string        `mapstructure:"global_manager_url"`
	Token            string        `mapstructure:"token"`
	Hosts            []string      `mapstructure:"hosts"`
}

// GlobalConfig holds global manager configuration.
type GlobalConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	QueueSize    int           `mapstructure:"queue_size"`
	MaxReplans   int           `mapstructure:"max_replans"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// AlgorithmsConfig names the strategy used at each decision point.
type AlgorithmsConfig struct {
	Underload AlgorithmConfig `mapstructure:"underload"`
	Overload  AlgorithmConfig `mapstructure:"overload"`
	Selection AlgorithmConfig `mapstructure:"selection"`
	Placement AlgorithmConfig `mapstructure:"placement"`
	// NetworkBandwidth in MB/s, used to estimate migration time.
	NetworkBandwidth float64 `mapstructure:"network_bandwidth"`
}

// AlgorithmConfig configures one decision strategy.
type AlgorithmConfig struct {
	Strategy  string             `mapstructure:"strategy"`
	Threshold float64            `mapstructure:"threshold"`
	Window    int                `mapstructure:"window"`
	Confirm   int                `mapstructure:"confirm"`
	Margin    float64            `mapstructure:"margin"`
	Params    map[string]float64 `mapstructure:"params"`
}

// OrchestratorConfig holds migration orchestrator configuration.
type OrchestratorConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MigrationTimeout time.Duration `mapstructure:"migration_timeout"`
}

// PowerConfig holds host power controller configuration.
type PowerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// HistoryConfig controls retention of decision history.
type HistoryConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("CONSOLIDATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "consolidator")
	v.SetDefault("database.user", "consolidator")
	v.SetDefault("database.password", "consolidator")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.leader_key", "global-manager")
	v.SetDefault("etcd.state_key", "/consolidator/cluster-state")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.telemetry_channel", "consolidator:telemetry")
	v.SetDefault("redis.events_channel", "consolidator:events")

	// Auth
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.token_expiry", "24h")
	v.SetDefault("auth.admin_user", "admin")

	// Cloud
	v.SetDefault("cloud.driver", "memory")
	v.SetDefault("cloud.nova.availability", "public")
	v.SetDefault("cloud.nova.block_migration", false)
	v.SetDefault("cloud.memory.migration_duration", "2s")
	v.SetDefault("cloud.memory.seed_demo", true)
	v.SetDefault("cloud.memory.sample_interval", "10s")

	// Telemetry
	v.SetDefault("telemetry.window_size", 100)
	v.SetDefault("telemetry.interval", "300s")

	// Local managers
	v.SetDefault("local.enabled", true)
	v.SetDefault("local.interval", "300s")

	// Global manager
	v.SetDefault("global.enabled", true)
	v.SetDefault("global.queue_size", 64)
	v.SetDefault("global.max_replans", 3)
	v.SetDefault("global.sync_interval", "60s")

	// Algorithms
	v.SetDefault("algorithms.underload.strategy", "average")
	v.SetDefault("algorithms.underload.threshold", 0.3)
	v.SetDefault("algorithms.underload.window", 6)
	v.SetDefault("algorithms.underload.confirm", 3)
	v.SetDefault("algorithms.overload.strategy", "average")
	v.SetDefault("algorithms.overload.threshold", 0.9)
	v.SetDefault("algorithms.overload.window", 3)
	v.SetDefault("algorithms.overload.confirm", 2)
	v.SetDefault("algorithms.selection.strategy", "fewest")
	v.SetDefault("algorithms.selection.window", 2)
	v.SetDefault("algorithms.selection.margin", 0.05)
	v.SetDefault("algorithms.placement.strategy", "best_fit_decreasing")
	v.SetDefault("algorithms.placement.threshold", 0.9)
	v.SetDefault("algorithms.placement.window", 2)
	v.SetDefault("algorithms.network_bandwidth", 10.0)

	// Orchestrator
	v.SetDefault("orchestrator.max_concurrent", 4)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.backoff_initial", "2s")
	v.SetDefault("orchestrator.backoff_max", "30s")
	v.SetDefault("orchestrator.call_timeout", "30s")
	v.SetDefault("orchestrator.poll_interval", "2s")
	v.SetDefault("orchestrator.migration_timeout", "300s")

	// Power
	v.SetDefault("power.enabled", true)
	v.SetDefault("power.call_timeout", "60s")

	// History
	v.SetDefault("history.retention", "720h")
	v.SetDefault("history.cleanup_interval", "1h")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
