package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisSessions(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSessionStore(client)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisSessionStore_CreateAndGet(t *testing.T) {
	s, mr := newTestRedisSessions(t)
	ctx := context.Background()

	sess := newSession("+254711000001", time.Minute)
	sess.State["N1"] = "2"
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, int64(1), sess.Version)

	key := "flowpipe:session:sms:+254711000001"
	assert.True(t, mr.Exists(key), "session key should be set in Redis")
	assert.True(t, mr.TTL(key) > 0, "session key should carry a TTL")

	got, err := s.GetLiveSession(ctx, sess.Phone, models.ChannelSMS, time.Now())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2", got.State["N1"])

	err = s.CreateSession(ctx, newSession("+254711000001", time.Minute))
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestRedisSessionStore_VersionConflict(t *testing.T) {
	s, _ := newTestRedisSessions(t)
	ctx := context.Background()

	sess := newSession("+254711000002", time.Minute)
	require.NoError(t, s.CreateSession(ctx, sess))

	first := sess.Clone()
	second := sess.Clone()

	first.CurrentNodeID = "N2"
	require.NoError(t, s.UpdateSession(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.CurrentNodeID = "N3"
	assert.ErrorIs(t, s.UpdateSession(ctx, second), ErrVersionConflict)
	assert.Equal(t, int64(1), second.Version, "failed update must not bump the caller's version")

	assert.ErrorIs(t, s.DeleteSession(ctx, *second), ErrVersionConflict)
	require.NoError(t, s.DeleteSession(ctx, *first))

	got, err := s.GetLiveSession(ctx, sess.Phone, models.ChannelSMS, time.Now())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisSessionStore_ExpiredIsReplaced(t *testing.T) {
	s, _ := newTestRedisSessions(t)
	ctx := context.Background()

	old := newSession("+254711000003", time.Minute)
	require.NoError(t, s.CreateSession(ctx, old))

	// Reading past ExpiresAt hides the session even if the key has not expired yet.
	got, err := s.GetLiveSession(ctx, old.Phone, models.ChannelSMS, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)

	expired := newSession("+254711000004", -time.Second)
	require.NoError(t, s.CreateSession(ctx, expired))
	fresh := newSession("+254711000004", time.Minute)
	require.NoError(t, s.CreateSession(ctx, fresh))
	assert.NotEqual(t, expired.ID, fresh.ID)
}

func TestRedisSessionStore_KeyExpiresInRedis(t *testing.T) {
	s, mr := newTestRedisSessions(t)
	ctx := context.Background()

	sess := newSession("+254711000005", 30*time.Second)
	require.NoError(t, s.CreateSession(ctx, sess))
	mr.FastForward(time.Minute)

	got, err := s.GetLiveSession(ctx, sess.Phone, models.ChannelSMS, time.Now())
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := s.PurgeExpiredSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWithRedisSessions_DelegatesSessions(t *testing.T) {
	sessions, mr := newTestRedisSessions(t)
	base := NewInMemoryStore()
	st := WithRedisSessions(base, sessions)
	ctx := context.Background()

	sess := newSession("+254711000006", time.Minute)
	require.NoError(t, st.CreateSession(ctx, sess))
	assert.True(t, mr.Exists("flowpipe:session:sms:+254711000006"))

	inBase, err := base.GetLiveSession(ctx, sess.Phone, models.ChannelSMS, time.Now())
	require.NoError(t, err)
	assert.Nil(t, inBase, "sessions must not be written to the base store")

	require.NoError(t, st.SaveFlow(ctx, testFlow("F1")))
	f, err := base.GetFlow(ctx, "F1")
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestRedisSessionStore_ConcurrentCreateSingleWinner(t *testing.T) {
	s, _ := newTestRedisSessions(t)
	ctx := context.Background()

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateSession(ctx, newSession("+254711000010", time.Minute))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrSessionExists):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one create should win")
	assert.Equal(t, int32(7), conflicts.Load(), "every other create should see ErrSessionExists")

	got, err := s.GetLiveSession(ctx, "+254711000010", models.ChannelSMS, time.Now())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)
}

func TestRedisSessionStore_ConcurrentUpdateSingleWinner(t *testing.T) {
	s, _ := newTestRedisSessions(t)
	ctx := context.Background()

	sess := newSession("+254711000011", time.Minute)
	require.NoError(t, s.CreateSession(ctx, sess))

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := sess.Clone()
			c.CurrentNodeID = "N2"
			err := s.UpdateSession(ctx, c)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one update should win")
	assert.Equal(t, int32(7), conflicts.Load())

	got, err := s.GetLiveSession(ctx, sess.Phone, models.ChannelSMS, time.Now())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "N2", got.CurrentNodeID)
}
