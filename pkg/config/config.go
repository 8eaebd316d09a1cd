// Package config holds the pipeline-wide settings shared by every stage.
// Infrastructure packages (metadata, messagelog, bus, realtime) load their
// own connection settings; this package covers topics, auth, and timeouts.
package config

import (
	"os"
	"strconv"
	"time"
)

// Topics names the five logical topics the pipeline uses.
type Topics struct {
	Submit    string
	Persisted string
	Delivery  string
	Status    string
	Push      string
}

// Groups names the consumer groups, one per pipeline stage.
type Groups struct {
	Ingestion    string
	Fanout       string
	Delivery     string
	Status       string
	Notification string
}

// Config is the pipeline-wide configuration.
type Config struct {
	HTTPPort string
	Topics   Topics
	Groups   Groups

	// AuthSecret signs and verifies the bearer tokens the gateway accepts.
	AuthSecret string
	TokenTTL   time.Duration

	// MetadataTimeout bounds metadata-store calls made inside handlers.
	MetadataTimeout time.Duration
	// PublishTimeout bounds bus publishes made inside handlers.
	PublishTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults
// for everything that is unset.
func Load() Config {
	return Config{
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),
		Topics: Topics{
			Submit:    getEnvOrDefault("TOPIC_SUBMIT", "chat.message.submit.v1"),
			Persisted: getEnvOrDefault("TOPIC_PERSISTED", "chat.message.persisted.v1"),
			Delivery:  getEnvOrDefault("TOPIC_DELIVERY", "chat.message.delivery.v1"),
			Status:    getEnvOrDefault("TOPIC_STATUS", "chat.message.status.v1"),
			Push:      getEnvOrDefault("TOPIC_PUSH", "chat.message.push.v1"),
		},
		Groups: Groups{
			Ingestion:    getEnvOrDefault("GROUP_INGESTION", "ingestion"),
			Fanout:       getEnvOrDefault("GROUP_FANOUT", "fanout"),
			Delivery:     getEnvOrDefault("GROUP_DELIVERY", "delivery"),
			Status:       getEnvOrDefault("GROUP_STATUS", "status"),
			Notification: getEnvOrDefault("GROUP_NOTIFICATION", "notification"),
		},
		AuthSecret:      getEnvOrDefault("AUTH_SECRET_KEY", "dev-secret-change-me"),
		TokenTTL:        getEnvDuration("TOKEN_TTL", 24*time.Hour),
		MetadataTimeout: getEnvDuration("METADATA_TIMEOUT", 5*time.Second),
		PublishTimeout:  getEnvDuration("PUBLISH_TIMEOUT", 10*time.Second),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}
