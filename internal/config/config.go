// Package config reads runtime configuration from the environment with
// logged fallbacks for invalid values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"arenacore/internal/game"
	"arenacore/internal/matchmaking"
	"arenacore/internal/server"
	"arenacore/internal/tuning"
)

// AppConfig holds runtime configuration for the websocket server and its
// supporting services.
type AppConfig struct {
	Address         string
	ShutdownTimeout time.Duration

	Server      server.Config
	Session     game.Config
	Matchmaking matchmaking.Config

	// MessageRateLimit is the per-connection minimum interval between
	// inbound messages; zero disables rate limiting.
	MessageRateLimit time.Duration

	// Background job cadence.
	MatchmakingInterval time.Duration
	StatusInterval      time.Duration
	CleanupInterval     time.Duration
	CleanupIdleAfter    time.Duration

	// Redis is nil when no record store is configured.
	Redis *server.RedisConfig

	// AuthTokens maps bearer token to identity.
	AuthTokens map[string]game.Identity

	Constants tuning.Constants
	TuningTTL time.Duration
}

// Load reads environment variables and constructs an AppConfig with sane
// defaults.
func Load() AppConfig {
	cfg := AppConfig{
		Address:         firstNonEmpty(os.Getenv("ARENACORE_ADDR"), ":8080"),
		ShutdownTimeout: parseDurationEnv("ARENACORE_SHUTDOWN_TIMEOUT", 10*time.Second, true),
		Server: server.Config{
			AllowedOrigins: parseCSV(os.Getenv("ARENACORE_ALLOWED_ORIGINS")),
			HandshakeTimeout: parseDurationEnv(
				"ARENACORE_HANDSHAKE_TIMEOUT", 5*time.Second, true,
			),
			MaxConnectionsPerIP: parseIntEnv("ARENACORE_MAX_CONNECTIONS_PER_IP", 32),
		},
		Session: game.Config{
			MaxPlayers:       parseIntEnv("ARENACORE_MAX_PLAYERS", 2),
			TimeLimit:        parseDurationEnv("ARENACORE_TIME_LIMIT", 3*time.Minute, false),
			Stocks:           parseIntEnv("ARENACORE_STOCKS", 3),
			ReconnectGrace:   parseDurationEnv("ARENACORE_RECONNECT_GRACE", 30*time.Second, false),
			MaxReconnectTime: parseDurationEnv("ARENACORE_MAX_RECONNECT_TIME", 2*time.Minute, false),
			MaxDisconnects:   parseIntEnv("ARENACORE_MAX_DISCONNECTS", 3),
			AutoCleanup:      parseBoolEnv("ARENACORE_AUTO_CLEANUP", true),
			CleanupDelay:     parseDurationEnv("ARENACORE_CLEANUP_DELAY", 5*time.Minute, false),
			Countdown:        parseDurationEnv("ARENACORE_COUNTDOWN", 3*time.Second, false),
			TickInterval:     parseDurationEnv("ARENACORE_TICK_INTERVAL", 50*time.Millisecond, false),
			TimerInterval:    parseDurationEnv("ARENACORE_TIMER_INTERVAL", time.Second, false),
		},
		Matchmaking: matchmaking.Config{
			MatchSize: parseIntEnv("ARENACORE_MATCH_SIZE", 2),
			MaxWait:   parseDurationEnv("ARENACORE_MATCH_MAX_WAIT", 2*time.Minute, false),
		},
		MessageRateLimit:    parseDurationEnv("ARENACORE_MESSAGE_RATE_LIMIT", 10*time.Millisecond, true),
		MatchmakingInterval: parseDurationEnv("ARENACORE_MATCHMAKING_INTERVAL", 2*time.Second, false),
		StatusInterval:      parseDurationEnv("ARENACORE_STATUS_INTERVAL", 10*time.Second, false),
		CleanupInterval:     parseDurationEnv("ARENACORE_CLEANUP_INTERVAL", time.Minute, false),
		CleanupIdleAfter:    parseDurationEnv("ARENACORE_CLEANUP_IDLE_AFTER", 5*time.Minute, false),
		AuthTokens:          parseAuthTokens(os.Getenv("ARENACORE_AUTH_TOKENS")),
		Constants:           loadConstants(),
		TuningTTL:           parseDurationEnv("ARENACORE_TUNING_TTL", 5*time.Minute, false),
	}

	cfg.Redis = buildRedisConfig()
	return cfg
}

// loadConstants starts from defaults suitable for the stock stages and
// applies per-value overrides.
func loadConstants() tuning.Constants {
	return tuning.Constants{
		Gravity:                parseFloatEnv("ARENACORE_GRAVITY", 0.8),
		MaxVelocity:            parseFloatEnv("ARENACORE_MAX_VELOCITY", 25),
		MaxPositionChangePerMs: parseFloatEnv("ARENACORE_MAX_POSITION_CHANGE_PER_MS", 1.5),
		MaxVelocityChangePerMs: parseFloatEnv("ARENACORE_MAX_VELOCITY_CHANGE_PER_MS", 0.5),
		MinDamage:              parseFloatEnv("ARENACORE_MIN_DAMAGE", 1),
		MaxDamage:              parseFloatEnv("ARENACORE_MAX_DAMAGE", 30),
		MaxKnockback:           parseFloatEnv("ARENACORE_MAX_KNOCKBACK", 40),
		AttackRange:            parseFloatEnv("ARENACORE_ATTACK_RANGE", 120),
		AttackCooldown:         parseDurationEnv("ARENACORE_ATTACK_COOLDOWN", 250*time.Millisecond, false),
		Invulnerability:        parseDurationEnv("ARENACORE_INVULNERABILITY", 2*time.Second, false),
		MaxHealth:              parseFloatEnv("ARENACORE_MAX_HEALTH", 100),
		DeathZoneY:             parseFloatEnv("ARENACORE_DEATH_ZONE_Y", 900),
	}
}

// parseAuthTokens reads "token:userID:username" triples separated by
// commas. The username falls back to the user id when omitted.
func parseAuthTokens(raw string) map[string]game.Identity {
	entries := parseCSV(raw)
	if len(entries) == 0 {
		return nil
	}
	tokens := make(map[string]game.Identity, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			logrus.Warnf("skipping malformed auth token entry %q", entry)
			continue
		}
		identity := game.Identity{UserID: parts[1], Username: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			identity.Username = parts[2]
		}
		tokens[parts[0]] = identity
	}
	return tokens
}

func parseDurationEnv(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	if dur <= 0 && !allowZero {
		logrus.Warnf("non-positive %s value %q, using default", key, raw)
		return fallback
	}
	return dur
}

func parseIntEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		logrus.Warnf("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	return v
}

func parseFloatEnv(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.Warnf("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	return v
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.Warnf("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	return v
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func buildRedisConfig() *server.RedisConfig {
	addr := os.Getenv("ARENACORE_REDIS_ADDR")
	if addr == "" {
		return nil
	}

	cfg := &server.RedisConfig{Addr: addr}

	if user := os.Getenv("ARENACORE_REDIS_USERNAME"); user != "" {
		cfg.Username = user
	}
	if pass := os.Getenv("ARENACORE_REDIS_PASSWORD"); pass != "" {
		cfg.Password = pass
	}
	if dbRaw := os.Getenv("ARENACORE_REDIS_DB"); dbRaw != "" {
		if db, err := strconv.Atoi(dbRaw); err == nil {
			cfg.DB = db
		} else {
			logrus.Warnf("invalid ARENACORE_REDIS_DB value %q: %v", dbRaw, err)
		}
	}
	if prefix := os.Getenv("ARENACORE_REDIS_MATCH_PREFIX"); prefix != "" {
		cfg.MatchKeyPrefix = prefix
	}
	if prefix := os.Getenv("ARENACORE_REDIS_STATS_PREFIX"); prefix != "" {
		cfg.StatsKeyPrefix = prefix
	}
	if timeoutRaw := os.Getenv("ARENACORE_REDIS_TIMEOUT"); timeoutRaw != "" {
		if dur, err := time.ParseDuration(timeoutRaw); err == nil {
			cfg.OperationTimeout = dur
		} else {
			logrus.Warnf("invalid ARENACORE_REDIS_TIMEOUT value %q: %v", timeoutRaw, err)
		}
	}

	return cfg
}
