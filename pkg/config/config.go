package config

import (
	"fmt"
	"strings"
	"time"

	"teamcall-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	MinIO     MinIOConfig
	JWT       JWTConfig
	Log       LogConfig
	Call      CallConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	MaxConnections int
	AllowedOrigins []string
	// RateLimit is the request budget per caller and minute; 0 disables it
	RateLimit int
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Enabled  bool
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret      string
	TokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds the settings of the call coordinator embedded in an agent
type CallConfig struct {
	UserID      string
	DisplayName string

	// Transport selects the signal transport: ws, redis
	Transport string
	RelayURL  string
	Token     string

	ICEServers             []string
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepalive           time.Duration

	RingTimeout time.Duration

	// CaptureMode selects the capturer: device, synthetic, none
	CaptureMode   string
	ScreenBitrate int
	CameraBitrate int

	AutoAnswer  bool
	DialTargets []string

	// MetricsPort serves /health and /metrics of the agent; 0 disables it
	MetricsPort int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "signaling-service"),
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			RateLimit:      env.GetInt("RATE_LIMIT_PER_MINUTE", 120),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
		},
		Database: DatabaseConfig{
			Enabled:  env.GetBool("DB_ENABLED", true),
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "teamcall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  env.GetBool("REDIS_ENABLED", true),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(env.GetInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Cassandra: CassandraConfig{
			Enabled:  env.GetBool("CASSANDRA_ENABLED", true),
			Hosts:    env.GetStringSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "teamcall"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  time.Duration(env.GetInt("CASSANDRA_TIMEOUT", 600)) * time.Millisecond,
		},
		MinIO: MinIOConfig{
			Enabled:   env.GetBool("MINIO_ENABLED", true),
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "avatars"),
			Region:    env.GetString("MINIO_REGION", "us-east-1"),
		},
		JWT: JWTConfig{
			Secret:      env.GetStringFromFile("JWT_SECRET", ""),
			TokenExpiry: time.Duration(env.GetInt("JWT_TOKEN_EXPIRY", 60)) * time.Minute,
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "logs/app.log"),
		},
		Call: CallConfig{
			UserID:      env.GetString("CALL_USER_ID", ""),
			DisplayName: env.GetString("CALL_DISPLAY_NAME", ""),
			Transport:   env.GetString("CALL_TRANSPORT", "ws"),
			RelayURL:    env.GetString("CALL_RELAY_URL", "ws://localhost:8083/v1/signaling/ws"),
			Token:       env.GetStringFromFile("CALL_TOKEN", ""),
			ICEServers: env.GetStringSlice("CALL_ICE_SERVERS", []string{
				"stun:stun.l.google.com:19302",
			}),
			ICEDisconnectedTimeout: env.GetDuration("CALL_ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
			ICEFailedTimeout:       env.GetDuration("CALL_ICE_FAILED_TIMEOUT", 120*time.Second),
			ICEKeepalive:           env.GetDuration("CALL_ICE_KEEPALIVE", 2*time.Second),
			RingTimeout:            env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
			CaptureMode:            env.GetString("CALL_CAPTURE_MODE", "synthetic"),
			ScreenBitrate:          env.GetInt("CALL_SCREEN_BITRATE", 2_500_000),
			CameraBitrate:          env.GetInt("CALL_CAMERA_BITRATE", 1_500_000),
			AutoAnswer:             env.GetBool("CALL_AUTO_ANSWER", false),
			DialTargets:            env.GetStringSlice("CALL_DIAL", nil),
			MetricsPort:            env.GetInt("CALL_METRICS_PORT", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	switch c.Call.Transport {
	case "ws", "redis":
	default:
		return fmt.Errorf("CALL_TRANSPORT must be ws or redis, got %q", c.Call.Transport)
	}

	switch c.Call.CaptureMode {
	case "device", "synthetic", "none":
	default:
		return fmt.Errorf("CALL_CAPTURE_MODE must be device, synthetic or none, got %q", c.Call.CaptureMode)
	}

	for _, u := range c.Call.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("invalid ICE server URL %q", u)
		}
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}

	return nil
}

// RedisAddr returns the host:port pair of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
