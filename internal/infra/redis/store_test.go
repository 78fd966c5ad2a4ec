package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
	"trivia-buzzer-service/internal/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) app.Store {
		mr := miniredis.RunT(t)
		return NewStore(newClient(mr), 0)
	})
}

func TestStoreExpiresSessionKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStore(newClient(mr), time.Hour)
	f := storetest.Seed(t, store, "A")

	for _, key := range []string{
		sessionKey(f.Session.ID),
		questionsKey(f.Session.ID),
		codeKey(f.Session.JoinCode),
		rosterKey(f.Session.ID),
		playerKey(f.Alice.ID),
		tokenKey(f.Alice.CredentialHash),
		stateKey(f.Key(0)),
	} {
		assert.Greater(t, mr.TTL(key), time.Duration(0), "key %s has no ttl", key)
	}

	mr.FastForward(2 * time.Hour)
	_, err := store.Session(context.Background(), f.Session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStoreExpiresLockSetWithState(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStore(newClient(mr), time.Hour)
	f := storetest.Seed(t, store, "A")
	ctx := context.Background()

	for _, tr := range []app.QuestionTransition{
		{Expect: domain.QuestionIdle, Status: domain.QuestionOpen},
		{Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID},
		{Expect: domain.QuestionLocked, ExpectWinner: f.Alice.ID, Status: domain.QuestionOpen, LockPlayer: f.Alice.ID},
	} {
		res, err := store.CompareAndSwapQuestionState(ctx, f.Key(0), tr)
		require.NoError(t, err)
		require.True(t, res.Committed())
	}

	require.True(t, mr.Exists(lockKey(f.Key(0))))
	ttl := mr.TTL(lockKey(f.Key(0)))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, mr.TTL(stateKey(f.Key(0))))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists(lockKey(f.Key(0))))
}

func TestStoreReplaceQuestionsKeepsExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStore(newClient(mr), time.Hour)
	f := storetest.Seed(t, store, "A")

	replacement := []domain.Question{{ID: "r1", SessionID: f.Session.ID, Index: 0, Text: "Smallest prime?", Answer: "2", Points: 1}}
	require.NoError(t, store.ReplaceQuestions(context.Background(), f.Session.ID, replacement))

	newKey := domain.QuestionKey{SessionID: f.Session.ID, QuestionID: "r1"}
	for _, key := range []string{questionsKey(f.Session.ID), stateKey(newKey)} {
		assert.Greater(t, mr.TTL(key), time.Duration(0), "key %s has no ttl", key)
	}
	assert.False(t, mr.Exists(stateKey(f.Key(0))))
	assert.False(t, mr.Exists(stateKey(f.Key(1))))
}

func TestStoreCompareAndSwapIsAtomicAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	first := NewStore(newClient(mr), 0)
	second := NewStore(newClient(mr), 0)
	f := storetest.Seed(t, first, "A")
	ctx := context.Background()

	_, err := first.CompareAndSwapQuestionState(ctx, f.Key(0), app.QuestionTransition{
		Expect: domain.QuestionIdle, Status: domain.QuestionOpen,
	})
	require.NoError(t, err)

	won, err := first.CompareAndSwapQuestionState(ctx, f.Key(0), app.QuestionTransition{
		Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID,
	})
	require.NoError(t, err)
	lost, err := second.CompareAndSwapQuestionState(ctx, f.Key(0), app.QuestionTransition{
		Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Bob.ID,
	})
	require.NoError(t, err)

	assert.True(t, won.Committed())
	assert.False(t, lost.Committed())
	assert.Equal(t, f.Alice.ID, mr.HGet(stateKey(f.Key(0)), "winner"))
}

func TestQuestionCacheCachesInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newClient(mr)
	store := NewStore(client, 0)
	f := storetest.Seed(t, store, "A")

	loader := &countingLoader{QuestionSource: store}
	cache := NewQuestionCache(client, loader, time.Minute)

	questions, err := cache.Questions(context.Background(), f.Session.ID)
	require.NoError(t, err)
	require.Len(t, questions, 2)
	assert.Equal(t, 1, loader.calls)

	// Second call should hit cache, loader not incremented.
	questions, err = cache.Questions(context.Background(), f.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, f.Session.ID, questions[0].SessionID)
	assert.Equal(t, "Paris", questions[0].Answer)

	require.NoError(t, cache.Invalidate(context.Background(), f.Session.ID))
	_, err = cache.Questions(context.Background(), f.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
}

type countingLoader struct {
	app.QuestionSource
	calls int
}

func (l *countingLoader) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	l.calls++
	return l.QuestionSource.Questions(ctx, sessionID)
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return client
}
