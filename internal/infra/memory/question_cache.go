package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

// QuestionCache caches question sets with TTL to avoid a store round trip on
// every buzz. Questions only change in LOBBY, and the engine invalidates the
// set when they do.
type QuestionCache struct {
	loader app.QuestionSource
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedQuestions
}

type cachedQuestions struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewQuestionCache(loader app.QuestionSource, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuestions),
	}
}

var (
	_ app.QuestionSource      = (*QuestionCache)(nil)
	_ app.QuestionInvalidator = (*QuestionCache)(nil)
)

func (c *QuestionCache) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	if questions, ok := c.lookup(sessionID); ok {
		return questions, nil
	}

	result, err, _ := c.sf.Do(sessionID, func() (interface{}, error) {
		// Re-check in case another goroutine filled it.
		if questions, ok := c.lookup(sessionID); ok {
			return questions, nil
		}

		questions, err := c.loader.Questions(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cache[sessionID] = cachedQuestions{
			questions: questions,
			expiresAt: c.clock().Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(result.([]domain.Question)), nil
}

// Invalidate drops the cached set of a session.
func (c *QuestionCache) Invalidate(_ context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.cache, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *QuestionCache) lookup(sessionID string) ([]domain.Question, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[sessionID]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return nil, false
	}
	return clone(entry.questions), true
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func clone(questions []domain.Question) []domain.Question {
	out := make([]domain.Question, len(questions))
	copy(out, questions)
	return out
}
