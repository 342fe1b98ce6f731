package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"arenacore/internal/game"
)

const (
	defaultStoreOpTimeout = 2 * time.Second
	defaultMatchKeyPrefix = "arenacore:match"
	defaultStatsKeyPrefix = "arenacore:player"
)

// RedisConfig configures the persistent match recorder. A nil config
// disables persistence entirely.
type RedisConfig struct {
	Addr             string
	Username         string
	Password         string
	DB               int
	MatchKeyPrefix   string
	StatsKeyPrefix   string
	OperationTimeout time.Duration
}

// matchRecord is the persisted shape of a match lifecycle.
type matchRecord struct {
	MatchID    string         `json:"match_id"`
	SessionID  string         `json:"session_id"`
	StageID    string         `json:"stage_id,omitempty"`
	Players    []string       `json:"players"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	WinnerID   string         `json:"winner_id,omitempty"`
	EndReason  string         `json:"end_reason,omitempty"`
	Scores     map[string]int `json:"scores,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// redisRecorder persists match records and per-player aggregates. It
// implements game.MatchRecorder.
type redisRecorder struct {
	client      *redis.Client
	matchPrefix string
	statsPrefix string
	timeout     time.Duration
	log         *logrus.Entry
}

// NewRedisRecorder connects, pings, and returns a recorder ready for use.
func NewRedisRecorder(cfg RedisConfig, log *logrus.Entry) (game.MatchRecorder, error) {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultStoreOpTimeout
	}
	matchPrefix := cfg.MatchKeyPrefix
	if matchPrefix == "" {
		matchPrefix = defaultMatchKeyPrefix
	}
	statsPrefix := cfg.StatsKeyPrefix
	if statsPrefix == "" {
		statsPrefix = defaultStatsKeyPrefix
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}

	return &redisRecorder{
		client:      client,
		matchPrefix: matchPrefix,
		statsPrefix: statsPrefix,
		timeout:     timeout,
		log:         log.WithField("component", "recorder"),
	}, nil
}

func (r *redisRecorder) matchKey(matchID string) string {
	return fmt.Sprintf("%s:%s", r.matchPrefix, matchID)
}

func (r *redisRecorder) statsKey(userID string) string {
	return fmt.Sprintf("%s:%s:stats", r.statsPrefix, userID)
}

func (r *redisRecorder) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, r.timeout)
}

func (r *redisRecorder) saveRecord(ctx context.Context, record matchRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encoding match record")
	}
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	return r.client.Set(opCtx, r.matchKey(record.MatchID), payload, 0).Err()
}

func (r *redisRecorder) loadRecord(ctx context.Context, matchID string) (matchRecord, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	payload, err := r.client.Get(opCtx, r.matchKey(matchID)).Bytes()
	if err != nil {
		return matchRecord{}, errors.Wrapf(err, "loading match %s", matchID)
	}
	var record matchRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return matchRecord{}, errors.Wrapf(err, "decoding match %s", matchID)
	}
	return record, nil
}

// CreateMatch implements game.MatchRecorder.
func (r *redisRecorder) CreateMatch(ctx context.Context, matchID, sessionID, stageID string, userIDs []string) error {
	record := matchRecord{
		MatchID:   matchID,
		SessionID: sessionID,
		StageID:   stageID,
		Players:   append([]string(nil), userIDs...),
		Status:    "created",
		CreatedAt: time.Now(),
	}
	return r.saveRecord(ctx, record)
}

// StartMatch implements game.MatchRecorder.
func (r *redisRecorder) StartMatch(ctx context.Context, matchID string, startedAt time.Time) error {
	record, err := r.loadRecord(ctx, matchID)
	if err != nil {
		return err
	}
	record.Status = "playing"
	record.StartedAt = &startedAt
	return r.saveRecord(ctx, record)
}

// EndMatch implements game.MatchRecorder. The match record is finalized
// and each participant's aggregate hash is bumped.
func (r *redisRecorder) EndMatch(ctx context.Context, matchID string, result *game.Result, participants []game.ParticipantStats) error {
	if result == nil {
		return errors.New("nil match result")
	}
	record, err := r.loadRecord(ctx, matchID)
	if err != nil {
		return err
	}
	record.Status = "ended"
	record.EndedAt = &result.EndedAt
	record.WinnerID = result.WinnerID
	record.EndReason = string(result.EndReason)
	record.Scores = result.Scores
	record.DurationMS = result.Duration.Milliseconds()
	if err := r.saveRecord(ctx, record); err != nil {
		return err
	}

	for _, p := range participants {
		if err := r.bumpStats(ctx, result, p); err != nil {
			r.log.WithError(err).WithField("user", p.UserID).Warn("failed to update player stats")
		}
	}
	return nil
}

func (r *redisRecorder) bumpStats(ctx context.Context, result *game.Result, p game.ParticipantStats) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	key := r.statsKey(p.UserID)
	pipe := r.client.Pipeline()
	pipe.HIncrBy(opCtx, key, "matches", 1)
	if p.UserID == result.WinnerID {
		pipe.HIncrBy(opCtx, key, "wins", 1)
	} else if result.WinnerID != "" {
		pipe.HIncrBy(opCtx, key, "losses", 1)
	}
	pipe.HIncrByFloat(opCtx, key, "damage_dealt", p.DamageDealt)
	pipe.HIncrByFloat(opCtx, key, "damage_taken", p.DamageTaken)
	pipe.HIncrBy(opCtx, key, "disconnects", int64(p.Disconnects))
	_, err := pipe.Exec(opCtx)
	return err
}

// Close releases the underlying connection pool.
func (r *redisRecorder) Close() error {
	return r.client.Close()
}
