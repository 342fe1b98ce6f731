package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, ":8080", cfg.Address)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, 2, cfg.Session.MaxPlayers)
	require.Equal(t, 3*time.Minute, cfg.Session.TimeLimit)
	require.NoError(t, cfg.Session.Validate())
	require.NoError(t, cfg.Constants.Validate())
	require.Nil(t, cfg.Redis, "no redis address means persistence disabled")
	require.Nil(t, cfg.AuthTokens)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ARENACORE_ADDR", ":9999")
	t.Setenv("ARENACORE_MAX_PLAYERS", "4")
	t.Setenv("ARENACORE_TIME_LIMIT", "5m")
	t.Setenv("ARENACORE_AUTO_CLEANUP", "false")
	t.Setenv("ARENACORE_MAX_DAMAGE", "50")
	t.Setenv("ARENACORE_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()

	require.Equal(t, ":9999", cfg.Address)
	require.Equal(t, 4, cfg.Session.MaxPlayers)
	require.Equal(t, 5*time.Minute, cfg.Session.TimeLimit)
	require.False(t, cfg.Session.AutoCleanup)
	require.Equal(t, 50.0, cfg.Constants.MaxDamage)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("ARENACORE_MAX_PLAYERS", "banana")
	t.Setenv("ARENACORE_TIME_LIMIT", "-2m")
	t.Setenv("ARENACORE_GRAVITY", "not-a-number")

	cfg := Load()

	require.Equal(t, 2, cfg.Session.MaxPlayers)
	require.Equal(t, 3*time.Minute, cfg.Session.TimeLimit)
	require.Equal(t, 0.8, cfg.Constants.Gravity)
}

func TestLoadRedisConfig(t *testing.T) {
	t.Setenv("ARENACORE_REDIS_ADDR", "localhost:6379")
	t.Setenv("ARENACORE_REDIS_DB", "3")
	t.Setenv("ARENACORE_REDIS_TIMEOUT", "500ms")

	cfg := Load()

	require.NotNil(t, cfg.Redis)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 3, cfg.Redis.DB)
	require.Equal(t, 500*time.Millisecond, cfg.Redis.OperationTimeout)
}

func TestParseAuthTokens(t *testing.T) {
	tokens := parseAuthTokens("tok1:alice:Alice, tok2:bob, broken, :missing")

	require.Len(t, tokens, 2)
	require.Equal(t, "alice", tokens["tok1"].UserID)
	require.Equal(t, "Alice", tokens["tok1"].Username)
	require.Equal(t, "bob", tokens["tok2"].UserID)
	require.Equal(t, "bob", tokens["tok2"].Username, "username defaults to the user id")
}
