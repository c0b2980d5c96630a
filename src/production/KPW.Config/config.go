package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Ingest   IngestConfig   `json:"ingest"`
	Live     LiveConfig     `json:"live"`
	Auth     AuthConfig     `json:"auth"`
	Archive  ArchiveConfig  `json:"archive"`
	Logging  LoggingConfig  `json:"logging"`
	CORS     CORSConfig     `json:"cors"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig holds database-related configuration.
// Driver is either "postgres" or "memory".
type DatabaseConfig struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
	MinConns int    `json:"min_conns"`
}

// MQTTConfig holds the default broker connection used when no stored
// connection exists, plus the connection policy.
type MQTTConfig struct {
	BrokerURL         string        `json:"broker_url"`
	ClientID          string        `json:"client_id"`
	Username          string        `json:"username"`
	Password          string        `json:"password"`
	CACertPath        string        `json:"ca_cert_path"`
	ClientCertPath    string        `json:"client_cert_path"`
	PrivateKeyPath    string        `json:"private_key_path"`
	Topics            []string      `json:"topics"`
	QoS               int           `json:"qos"`
	KeepAlive         time.Duration `json:"keep_alive"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	WatchdogInterval  time.Duration `json:"watchdog_interval"`
	ErrorTopicPrefix  string        `json:"error_topic_prefix"`
}

// IngestConfig holds ingestion pipeline tuning
type IngestConfig struct {
	Workers              int           `json:"workers"`
	QueueSize            int           `json:"queue_size"`
	DeviceOfflineTimeout time.Duration `json:"device_offline_timeout"`
	OfflineSweepInterval time.Duration `json:"offline_sweep_interval"`
	MetricsInterval      time.Duration `json:"metrics_interval"`
	BreakerMaxFailures   int           `json:"breaker_max_failures"`
	BreakerResetTimeout  time.Duration `json:"breaker_reset_timeout"`
	// DeviceTimezone is the IANA zone collars report local clock times in
	// when their timestamp carries no offset
	DeviceTimezone string `json:"device_timezone"`
}

// DeviceLocation resolves DeviceTimezone, falling back to UTC
func (c IngestConfig) DeviceLocation() *time.Location {
	if c.DeviceTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.DeviceTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MinLiveQueueSize is the number of bootstrap events a new channel is sent
// before any live event; a smaller queue could never accept a subscriber.
const MinLiveQueueSize = 5

// LiveConfig holds WebSocket channel configuration
type LiveConfig struct {
	QueueSize      int           `json:"queue_size"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	PongWait       time.Duration `json:"pong_wait"`
	PingPeriod     time.Duration `json:"ping_period"`
	MaxMessageSize int64         `json:"max_message_size"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	JWTSecretKey        string        `json:"jwt_secret_key"`
	JWTIssuer           string        `json:"jwt_issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// ArchiveConfig holds the optional MongoDB raw message archive.
// An empty URI disables archiving.
type ArchiveConfig struct {
	MongoURI   string        `json:"mongo_uri"`
	Database   string        `json:"database"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout or stderr
	EnableCaller bool   `json:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

const defaultJWTSecret = "change-this-secret-in-production"

// Load loads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	// A missing .env file is fine; variables may be set directly.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", ""),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			DBName:   getEnv("POSTGRES_DB", "kittypaw"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
			MaxConns: getInt("POSTGRES_MAX_CONNS", 25),
			MinConns: getInt("POSTGRES_MIN_CONNS", 5),
		},
		MQTT: MQTTConfig{
			BrokerURL:         getEnv("MQTT_BROKER_URL", "tcp://broker.emqx.io:1883"),
			ClientID:          getEnv("MQTT_CLIENT_ID", ""),
			Username:          getEnv("MQTT_USERNAME", ""),
			Password:          getEnv("MQTT_PASSWORD", ""),
			CACertPath:        getEnv("MQTT_CA_FILE", ""),
			ClientCertPath:    getEnv("MQTT_CERT_FILE", ""),
			PrivateKeyPath:    getEnv("MQTT_KEY_FILE", ""),
			Topics:            getStringSlice("MQTT_TOPICS", []string{"esp8266/+/+", "KPCL0021/pub", "KPCL0022/pub"}),
			QoS:               getInt("MQTT_QOS", 1),
			KeepAlive:         getDuration("MQTT_KEEP_ALIVE", 60*time.Second),
			ConnectTimeout:    getDuration("MQTT_CONNECT_TIMEOUT", 30*time.Second),
			ReconnectInterval: getDuration("MQTT_RECONNECT_INTERVAL", 5*time.Second),
			WatchdogInterval:  getDuration("MQTT_WATCHDOG_INTERVAL", 60*time.Second),
			ErrorTopicPrefix:  getEnv("MQTT_ERROR_TOPIC_PREFIX", ""),
		},
		Ingest: IngestConfig{
			Workers:              getInt("INGEST_WORKERS", 4),
			QueueSize:            getInt("INGEST_QUEUE_SIZE", 1024),
			DeviceOfflineTimeout: getDuration("DEVICE_OFFLINE_TIMEOUT", 15*time.Second),
			OfflineSweepInterval: getDuration("DEVICE_OFFLINE_SWEEP_INTERVAL", 5*time.Second),
			MetricsInterval:      getDuration("METRICS_INTERVAL", 2*time.Second),
			BreakerMaxFailures:   getInt("STORAGE_BREAKER_MAX_FAILURES", 5),
			BreakerResetTimeout:  getDuration("STORAGE_BREAKER_RESET_TIMEOUT", 30*time.Second),
			DeviceTimezone:       getEnv("DEVICE_TIMEZONE", "UTC"),
		},
		Live: LiveConfig{
			QueueSize:      getInt("LIVE_QUEUE_SIZE", 256),
			WriteTimeout:   getDuration("LIVE_WRITE_TIMEOUT", 10*time.Second),
			PongWait:       getDuration("LIVE_PONG_WAIT", 60*time.Second),
			PingPeriod:     getDuration("LIVE_PING_PERIOD", 50*time.Second),
			MaxMessageSize: int64(getInt("LIVE_MAX_MESSAGE_SIZE", 64*1024)),
			AllowedOrigins: getStringSlice("LIVE_ALLOWED_ORIGINS", nil),
		},
		Auth: AuthConfig{
			JWTSecretKey:        getEnv("JWT_SECRET_KEY", defaultJWTSecret),
			JWTIssuer:           getEnv("JWT_ISSUER", "kpw-collar-server"),
			AccessTokenDuration: getDuration("JWT_ACCESS_TOKEN_DURATION", 15*time.Minute),
		},
		Archive: ArchiveConfig{
			MongoURI:   getEnv("ARCHIVE_MONGODB_URI", ""),
			Database:   getEnv("ARCHIVE_DB_NAME", "kittypaw"),
			Collection: getEnv("ARCHIVE_COLL_NAME", "raw_messages"),
			Timeout:    getDuration("ARCHIVE_TIMEOUT", 3*time.Second),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "text"),
			Output:       getEnv("LOG_OUTPUT", "stdout"),
			EnableCaller: getBool("LOG_ENABLE_CALLER", false),
		},
		CORS: CORSConfig{
			AllowedOrigins:   getStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:   getStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders:   getStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization"}),
			ExposedHeaders:   getStringSlice("CORS_EXPOSED_HEADERS", []string{"Content-Length"}),
			AllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
			MaxAge:           getInt("CORS_MAX_AGE", 43200), // 12 hours
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.User == "" {
			return fmt.Errorf("POSTGRES_USER is required")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("POSTGRES_PASSWORD is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	if c.MQTT.ConnectTimeout <= 0 || c.MQTT.ReconnectInterval <= 0 || c.MQTT.WatchdogInterval <= 0 {
		return fmt.Errorf("MQTT timeouts and intervals must be positive")
	}
	if c.Ingest.Workers < 1 || c.Ingest.QueueSize < 1 {
		return fmt.Errorf("INGEST_WORKERS and INGEST_QUEUE_SIZE must be at least 1")
	}
	if c.Ingest.OfflineSweepInterval <= 0 || c.Ingest.MetricsInterval <= 0 {
		return fmt.Errorf("ingest intervals must be positive")
	}
	if _, err := time.LoadLocation(c.Ingest.DeviceTimezone); err != nil {
		return fmt.Errorf("invalid DEVICE_TIMEZONE %q: %w", c.Ingest.DeviceTimezone, err)
	}
	if c.Live.QueueSize < MinLiveQueueSize {
		return fmt.Errorf("LIVE_QUEUE_SIZE must be at least %d", MinLiveQueueSize)
	}
	if c.Live.PingPeriod >= c.Live.PongWait {
		return fmt.Errorf("LIVE_PING_PERIOD must be shorter than LIVE_PONG_WAIT")
	}
	if c.Auth.JWTSecretKey == defaultJWTSecret {
		log.Println("WARNING: Using default JWT secret key. Change JWT_SECRET_KEY in production!")
	}
	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// ArchiveEnabled reports whether raw messages should be archived to MongoDB
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.MongoURI != ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return intValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Fatalf("invalid %s: %q (expected true/false or 1/0)", key, value)
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return duration
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
