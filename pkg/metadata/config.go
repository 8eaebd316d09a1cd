package metadata

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds metadata-store connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads metadata-store configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("METADATA_DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid METADATA_DB_PORT: %w", err)
	}

	maxConns, _ := strconv.Atoi(getEnvOrDefault("METADATA_DB_MAX_CONNS", "10"))

	return Config{
		Host:            getEnvOrDefault("METADATA_DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("METADATA_DB_USER", "chat"),
		Password:        os.Getenv("METADATA_DB_PASSWORD"),
		Database:        getEnvOrDefault("METADATA_DB_NAME", "chat_metadata"),
		SSLMode:         getEnvOrDefault("METADATA_DB_SSLMODE", "disable"),
		MaxConns:        maxConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

// DSN builds the pgx-compatible connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
