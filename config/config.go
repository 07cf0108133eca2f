package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Proctor   ProctorConfig
	Transport TransportConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/proctor?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the snapshot bucket name.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	SnapshotsBucket      string
	PresignExpireMinutes int
}

// ProctorConfig tunes the proctoring session internals.
type ProctorConfig struct {
	DetectIntervalMS  int     // presence detector tick, milliseconds
	AudioCadenceMS    int     // audio sampling cadence, milliseconds
	BlurSettleMS      int     // blur settle window, milliseconds
	AcquireTimeoutSec int     // media acquisition bound; 0 waits for the prompt
	SnapshotEverySec  int     // minimum interval between stored frame snapshots
	NoiseThreshold    float64 // audio level counted as excessive noise
	SnapshotsEnabled  bool
}

// TransportConfig holds the outbound telemetry link settings.
type TransportConfig struct {
	URL        string // backend websocket root; empty disables the link
	Token      string
	MaxRetries int
	BackoffSec int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/proctor?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "proctor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SnapshotsBucket:      getEnv("AWS_S3_SNAPSHOTS_BUCKET", "proctor-snapshots-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Proctor: ProctorConfig{
			DetectIntervalMS:  getEnvInt("PROCTOR_DETECT_INTERVAL_MS", 1000),
			AudioCadenceMS:    getEnvInt("PROCTOR_AUDIO_CADENCE_MS", 33),
			BlurSettleMS:      getEnvInt("PROCTOR_BLUR_SETTLE_MS", 500),
			AcquireTimeoutSec: getEnvInt("PROCTOR_ACQUIRE_TIMEOUT_SEC", 0),
			SnapshotEverySec:  getEnvInt("PROCTOR_SNAPSHOT_EVERY_SEC", 10),
			NoiseThreshold:    getEnvFloat("PROCTOR_NOISE_THRESHOLD", 0.7),
			SnapshotsEnabled:  getEnvBool("PROCTOR_SNAPSHOTS_ENABLED", false),
		},
		Transport: TransportConfig{
			URL:        getEnv("TRANSPORT_URL", ""),
			Token:      getEnv("TRANSPORT_TOKEN", ""),
			MaxRetries: getEnvInt("TRANSPORT_MAX_RETRIES", 3),
			BackoffSec: getEnvInt("TRANSPORT_BACKOFF_SEC", 5),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
