package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisSessionKeyPrefix namespaces FlowPipe session keys.
const redisSessionKeyPrefix = "flowpipe:session:"

// RedisSessionStore implements SessionRepo on Redis. Each session lives under one key per
// (channel, phone) with a TTL ending at ExpiresAt, and writes use WATCH/MULTI/EXEC so the
// version check and the write are atomic.
type RedisSessionStore struct {
	client *redis.Client
}

// Compile-time check that RedisSessionStore implements SessionRepo.
var _ SessionRepo = (*RedisSessionStore)(nil)

// NewRedisSessionStore creates a Redis-backed session repository.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) key(phone string, channel models.Channel) string {
	return redisSessionKeyPrefix + sessionKey(phone, channel)
}

// stringGetter is implemented by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisSessionStore) load(ctx context.Context, getter stringGetter, key string) (*models.FlowSession, error) {
	val, err := getter.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess models.FlowSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, err
	}
	if sess.State == nil {
		sess.State = make(map[string]string)
	}
	return &sess, nil
}

func (s *RedisSessionStore) GetLiveSession(ctx context.Context, phone string, channel models.Channel, now time.Time) (*models.FlowSession, error) {
	sess, err := s.load(ctx, s.client, s.key(phone, channel))
	if err != nil {
		slog.Error("RedisSessionStore GetLiveSession failed", "error", err, "phone", phone, "channel", channel)
		return nil, err
	}
	if sess == nil || !sess.IsLive(now) {
		return nil, nil
	}
	return sess, nil
}

// ttlUntil returns the key lifetime for a session; Redis rejects non-positive expirations.
func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisSessionStore) CreateSession(ctx context.Context, sess *models.FlowSession) error {
	key := s.key(sess.Phone, sess.Channel)
	now := time.Now().UTC()

	candidate := sess.Clone()
	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	candidate.Version = 1
	candidate.CreatedAt, candidate.UpdatedAt = now, now
	val, err := json.Marshal(candidate)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.IsLive(now) {
			return ErrSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, ttlUntil(candidate.ExpiresAt))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrSessionExists
	}
	if err != nil {
		if !errors.Is(err, ErrSessionExists) {
			slog.Error("RedisSessionStore CreateSession failed", "error", err, "phone", sess.Phone)
		}
		return err
	}
	sess.ID = candidate.ID
	sess.Version = 1
	sess.CreatedAt, sess.UpdatedAt = now, now
	slog.Debug("RedisSessionStore CreateSession succeeded", "sessionID", sess.ID, "flowID", sess.FlowID)
	return nil
}

// casCheck watches key and verifies the stored session still carries the id and version
// of sess.
func (s *RedisSessionStore) casCheck(ctx context.Context, tx *redis.Tx, key string, sess *models.FlowSession) error {
	stored, err := s.load(ctx, tx, key)
	if err != nil {
		return err
	}
	if stored == nil || stored.ID != sess.ID || stored.Version != sess.Version {
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisSessionStore) UpdateSession(ctx context.Context, sess *models.FlowSession) error {
	key := s.key(sess.Phone, sess.Channel)
	next := sess.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	val, err := json.Marshal(next)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := s.casCheck(ctx, tx, key, sess); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, ttlUntil(next.ExpiresAt))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrVersionConflict
	}
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			slog.Error("RedisSessionStore UpdateSession failed", "error", err, "sessionID", sess.ID)
		}
		return err
	}
	sess.Version = next.Version
	sess.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, sess models.FlowSession) error {
	key := s.key(sess.Phone, sess.Channel)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := s.casCheck(ctx, tx, key, &sess); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// PurgeExpiredSessions is a no-op: Redis expires session keys itself.
func (s *RedisSessionStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// compositeStore serves sessions from a dedicated repository and everything else from a
// base Store.
type compositeStore struct {
	Store
	sessions *RedisSessionStore
}

// WithRedisSessions returns a Store that keeps flow sessions in Redis and delegates every
// other repository to base.
func WithRedisSessions(base Store, sessions *RedisSessionStore) Store {
	return &compositeStore{Store: base, sessions: sessions}
}

func (c *compositeStore) GetLiveSession(ctx context.Context, phone string, channel models.Channel, now time.Time) (*models.FlowSession, error) {
	return c.sessions.GetLiveSession(ctx, phone, channel, now)
}

func (c *compositeStore) CreateSession(ctx context.Context, s *models.FlowSession) error {
	return c.sessions.CreateSession(ctx, s)
}

func (c *compositeStore) UpdateSession(ctx context.Context, s *models.FlowSession) error {
	return c.sessions.UpdateSession(ctx, s)
}

func (c *compositeStore) DeleteSession(ctx context.Context, s models.FlowSession) error {
	return c.sessions.DeleteSession(ctx, s)
}

func (c *compositeStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return c.sessions.PurgeExpiredSessions(ctx, now)
}

func (c *compositeStore) Close() error {
	return errors.Join(c.sessions.Close(), c.Store.Close())
}
