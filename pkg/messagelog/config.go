package messagelog

import (
	"os"
	"strings"
	"time"
)

// Config holds message-log connection settings.
type Config struct {
	Hosts          []string
	Keyspace       string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

// LoadConfigFromEnv loads message-log configuration from environment variables.
func LoadConfigFromEnv() Config {
	hosts := os.Getenv("SCYLLA_HOSTS")
	if hosts == "" {
		hosts = "localhost"
	}
	keyspace := os.Getenv("SCYLLA_KEYSPACE")
	if keyspace == "" {
		keyspace = "chat_history"
	}
	return Config{
		Hosts:          strings.Split(hosts, ","),
		Keyspace:       keyspace,
		ConnectTimeout: 10 * time.Second,
		QueryTimeout:   5 * time.Second,
	}
}
