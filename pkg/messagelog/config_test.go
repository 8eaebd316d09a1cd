package messagelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := LoadConfigFromEnv()
		assert.Equal(t, []string{"localhost"}, cfg.Hosts)
		assert.Equal(t, "chat_history", cfg.Keyspace)
	})

	t.Run("splits the host list", func(t *testing.T) {
		t.Setenv("SCYLLA_HOSTS", "scylla-1,scylla-2,scylla-3")
		t.Setenv("SCYLLA_KEYSPACE", "chat_test")
		cfg := LoadConfigFromEnv()
		assert.Equal(t, []string{"scylla-1", "scylla-2", "scylla-3"}, cfg.Hosts)
		assert.Equal(t, "chat_test", cfg.Keyspace)
	})
}
