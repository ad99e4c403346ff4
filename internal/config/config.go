package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"melink/internal/mpio"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Env string `env:"MELINK_ENV" default:"development"`

	// Engine identity
	EngineID        mpio.EngineID        `env:"ENGINE_ID"`
	EngineName      string               `env:"ENGINE_NAME" default:"engine"`
	BusName         string               `env:"BUS_NAME" required:"true"`
	ProtocolVersion mpio.ProtocolVersion `env:"PROTOCOL_VERSION" default:"1.0"`
	// GeneratedEngineID is set when ENGINE_ID was empty and a random id
	// was assigned for this process only.
	GeneratedEngineID bool

	// Service ports
	BindAddr       string        `env:"BIND_ADDR" default:"0.0.0.0"`
	AdvertiseHost  string        `env:"ADVERTISE_HOST" default:"127.0.0.1"`
	TransportPort  int           `env:"TRANSPORT_PORT" default:"7400"`
	AdminPort      int           `env:"ADMIN_PORT" default:"7480"`
	GossipPort     int           `env:"GOSSIP_PORT" default:"7946"`
	GossipSeeds    []string      `env:"GOSSIP_SEEDS"`
	ClusterSecret  string        `env:"CLUSTER_SECRET" required:"true"`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT" default:"5s"`
	FrameRateLimit int           `env:"FRAME_RATE_LIMIT" default:"5000"`

	// Redis directory
	RedisURL      string        `env:"REDIS_URL"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	AdvertiseTTL  time.Duration `env:"ADVERTISE_TTL" default:"30s"`

	// Storage
	DatabaseURL      string        `env:"DATABASE_URL"`
	JournalPath      string        `env:"JOURNAL_PATH" default:"./data/journal.db"`
	JournalRetention time.Duration `env:"JOURNAL_RETENTION" default:"168h"`

	// Admin API authentication
	JWTSecret string        `env:"JWT_SECRET" required:"true"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" default:"12h"`
	AdminUser string        `env:"ADMIN_USER" default:"admin"`
	AdminPass string        `env:"ADMIN_PASSWORD" required:"true"`

	// Routing
	TempReceiverName          string        `env:"TEMP_RECEIVER_NAME" default:"_STDRECEIVER"`
	UnknownStreamWarnInterval time.Duration `env:"UNKNOWN_STREAM_WARN_INTERVAL" default:"1m"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// a missing .env is fine, the process environment still applies
	_ = godotenv.Load(".env")

	config := &Config{}

	if err := loadEnvString(&config.Env, "MELINK_ENV", "development"); err != nil {
		return nil, err
	}

	// Engine identity
	var rawEngine string
	if err := loadEnvString(&rawEngine, "ENGINE_ID", ""); err != nil {
		return nil, err
	}
	if rawEngine == "" {
		config.EngineID = mpio.NewEngineID()
		config.GeneratedEngineID = true
	} else {
		id, err := mpio.ParseEngineID(rawEngine)
		if err != nil {
			return nil, fmt.Errorf("invalid value for ENGINE_ID: %v", err)
		}
		config.EngineID = id
	}
	if err := loadEnvString(&config.EngineName, "ENGINE_NAME", "engine"); err != nil {
		return nil, err
	}
	if err := loadEnvStringRequired(&config.BusName, "BUS_NAME"); err != nil {
		return nil, err
	}
	var rawVersion string
	if err := loadEnvString(&rawVersion, "PROTOCOL_VERSION", "1.0"); err != nil {
		return nil, err
	}
	version, err := mpio.ParseProtocolVersion(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid value for PROTOCOL_VERSION: %v", err)
	}
	config.ProtocolVersion = version

	// Ports
	if err := loadEnvString(&config.BindAddr, "BIND_ADDR", "0.0.0.0"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.AdvertiseHost, "ADVERTISE_HOST", "127.0.0.1"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.TransportPort, "TRANSPORT_PORT", 7400); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AdminPort, "ADMIN_PORT", 7480); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.GossipPort, "GOSSIP_PORT", 7946); err != nil {
		return nil, err
	}
	if err := loadEnvStringSlice(&config.GossipSeeds, "GOSSIP_SEEDS", nil); err != nil {
		return nil, err
	}
	if err := loadEnvStringRequired(&config.ClusterSecret, "CLUSTER_SECRET"); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.DialTimeout, "DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.FrameRateLimit, "FRAME_RATE_LIMIT", 5000); err != nil {
		return nil, err
	}

	// Redis
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisPassword, "REDIS_PASSWORD", ""); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.AdvertiseTTL, "ADVERTISE_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	// Storage
	if err := loadEnvString(&config.DatabaseURL, "DATABASE_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.JournalPath, "JOURNAL_PATH", "./data/journal.db"); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.JournalRetention, "JOURNAL_RETENTION", 7*24*time.Hour); err != nil {
		return nil, err
	}

	// Authentication
	if err := loadEnvStringRequired(&config.JWTSecret, "JWT_SECRET"); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.JWTExpiry, "JWT_EXPIRY", 12*time.Hour); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.AdminUser, "ADMIN_USER", "admin"); err != nil {
		return nil, err
	}
	if err := loadEnvStringRequired(&config.AdminPass, "ADMIN_PASSWORD"); err != nil {
		return nil, err
	}

	// Routing
	if err := loadEnvString(&config.TempReceiverName, "TEMP_RECEIVER_NAME", mpio.DefaultTemporaryReceiver); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.UnknownStreamWarnInterval, "UNKNOWN_STREAM_WARN_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	// Logging
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", "json"); err != nil {
		return nil, err
	}
	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringRequired(target *string, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return fmt.Errorf("required environment variable %s is not set", key)
	}
	*target = value
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringSlice(target *[]string, key string, defaultValue []string) error {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, v := range parts {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		*target = out
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	// Validate ports are in valid range
	ports := []struct {
		key  string
		port int
	}{
		{"TRANSPORT_PORT", c.TransportPort},
		{"ADMIN_PORT", c.AdminPort},
		{"GOSSIP_PORT", c.GossipPort},
	}
	seen := make(map[int]string)
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			errors = append(errors, fmt.Sprintf("%s must be between 1 and 65535", p.key))
			continue
		}
		if other, dup := seen[p.port]; dup {
			errors = append(errors, fmt.Sprintf("%s and %s use the same port", other, p.key))
		}
		seen[p.port] = p.key
	}

	if strings.Contains(c.BusName, ":") {
		errors = append(errors, "BUS_NAME must not contain ':'")
	}
	if c.ProtocolVersion.IsUnknown() {
		errors = append(errors, "PROTOCOL_VERSION must be known")
	}

	// gossip encryption keys are AES keys
	switch len(c.ClusterSecret) {
	case 16, 24, 32:
	default:
		errors = append(errors, "CLUSTER_SECRET must be 16, 24 or 32 characters long")
	}

	// Validate JWT secret length (should be at least 32 characters for security)
	if len(c.JWTSecret) < 32 {
		errors = append(errors, "JWT_SECRET should be at least 32 characters long")
	}

	if c.DialTimeout <= 0 {
		errors = append(errors, "DIAL_TIMEOUT must be positive")
	}
	if c.AdvertiseTTL < 3*time.Second {
		errors = append(errors, "ADVERTISE_TTL must be at least 3s")
	}
	if c.FrameRateLimit <= 0 {
		errors = append(errors, "FRAME_RATE_LIMIT must be positive")
	}

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	// Validate log format
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (c *Config) TransportListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.TransportPort)
}

// TransportAdvertiseAddr is the address other engines dial.
func (c *Config) TransportAdvertiseAddr() string {
	return fmt.Sprintf("%s:%d", c.AdvertiseHost, c.TransportPort)
}

func (c *Config) AdminListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.AdminPort)
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
