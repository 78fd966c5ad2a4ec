package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

// QuestionCache caches question sets in Redis and falls back to a loader
// (usually the Postgres store) on a miss. Sets are stored as
//
//	SET buzzer:cache:questions:{sessionID} <json>
type QuestionCache struct {
	client *redis.Client
	loader app.QuestionSource
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuestionCache(client *redis.Client, loader app.QuestionSource, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var (
	_ app.QuestionSource      = (*QuestionCache)(nil)
	_ app.QuestionInvalidator = (*QuestionCache)(nil)
)

func (c *QuestionCache) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	if questions, ok := c.lookup(ctx, sessionID); ok {
		return questions, nil
	}

	result, err, _ := c.sf.Do(sessionID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if questions, ok := c.lookup(ctx, sessionID); ok {
			return questions, nil
		}

		questions, err := c.loader.Questions(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if encoded, err := json.Marshal(questions); err == nil {
			// best effort; a failed write only costs another load
			_ = c.client.Set(ctx, c.key(sessionID), encoded, c.ttlWithJitter()).Err()
		}
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// Invalidate drops the cached set of a session.
func (c *QuestionCache) Invalidate(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, c.key(sessionID)).Err()
}

func (c *QuestionCache) lookup(ctx context.Context, sessionID string) ([]domain.Question, bool) {
	raw, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		return nil, false
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, false
	}
	for i := range questions {
		questions[i].SessionID = sessionID
	}
	return questions, true
}

func (c *QuestionCache) key(sessionID string) string {
	return keyPrefix + "cache:questions:" + sessionID
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
