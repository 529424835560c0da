package testutil

import (
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("defaults to the local test database", func(t *testing.T) {
		for _, key := range []string{"HOST", "PORT", "USER", "PASSWORD", "NAME", "SSL_MODE", "EPHEMERAL"} {
			t.Setenv("TEST_DB_"+key, "") // restores the original value on cleanup
			require.NoError(t, os.Unsetenv("TEST_DB_"+key))
		}
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, "55432", cfg.Port)
		assert.Equal(t, "orchestrator", cfg.User)
		assert.Equal(t, "orchestrator", cfg.DBName)
		assert.Equal(t, "disable", cfg.SSLMode)
		assert.False(t, cfg.Ephemeral)
	})

	t.Run("respects CI overrides", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")
		t.Setenv("TEST_DB_EPHEMERAL", "true")
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "postgres", cfg.Host)
		assert.Equal(t, "5432", cfg.Port)
		assert.True(t, cfg.Ephemeral)
	})
}

func TestTestDBConfigDSN(t *testing.T) {
	cfg := TestDBConfig{Host: "db", Port: "5432", User: "u", Password: "p:w", DBName: "jobs", SSLMode: "disable"}

	u, err := url.Parse(cfg.DSN("t_abc,public"))
	require.NoError(t, err)
	assert.Equal(t, "db:5432", u.Host)
	pw, _ := u.User.Password()
	assert.Equal(t, "p:w", pw)
	assert.Equal(t, "t_abc,public", u.Query().Get("search_path"))

	u, err = url.Parse(cfg.DSN(""))
	require.NoError(t, err)
	assert.False(t, u.Query().Has("search_path"))
}

func TestUniqueQueueName(t *testing.T) {
	a, b := UniqueQueueName("jobs"), UniqueQueueName("jobs")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^jobs-[0-9a-f]{8}$`, a)
}
