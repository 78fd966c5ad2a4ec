package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
	"trivia-buzzer-service/internal/storetest"
)

func TestQuestionCacheCaches(t *testing.T) {
	store := NewStore()
	f := storetest.Seed(t, store, "A")
	loader := &countingLoader{QuestionSource: store}
	cache := NewQuestionCache(loader, time.Minute)

	questions, err := cache.Questions(context.Background(), f.Session.ID)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader once, got %d", loader.count())
	}

	if _, err := cache.Questions(context.Background(), f.Session.ID); err != nil {
		t.Fatalf("questions 2: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.count())
	}

	if err := cache.Invalidate(context.Background(), f.Session.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := cache.Questions(context.Background(), f.Session.ID); err != nil {
		t.Fatalf("questions 3: %v", err)
	}
	if loader.count() != 2 {
		t.Fatalf("expected reload after invalidate, loader calls %d", loader.count())
	}
}

func TestQuestionCacheExpires(t *testing.T) {
	store := NewStore()
	f := storetest.Seed(t, store, "A")
	loader := &countingLoader{QuestionSource: store}
	cache := NewQuestionCache(loader, time.Minute)

	now := time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	if _, err := cache.Questions(context.Background(), f.Session.ID); err != nil {
		t.Fatalf("questions: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cache.Questions(context.Background(), f.Session.ID); err != nil {
		t.Fatalf("questions after expiry: %v", err)
	}
	if loader.count() != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.count())
	}
}

func TestQuestionCacheCollapsesConcurrentMisses(t *testing.T) {
	store := NewStore()
	f := storetest.Seed(t, store, "A")
	release := make(chan struct{})
	loader := &countingLoader{QuestionSource: store, gate: release}
	cache := NewQuestionCache(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Questions(context.Background(), f.Session.ID); err != nil {
				t.Errorf("questions: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if loader.count() != 1 {
		t.Fatalf("expected a single load, got %d", loader.count())
	}
}

func TestQuestionCacheDoesNotCacheErrors(t *testing.T) {
	loader := &countingLoader{QuestionSource: NewStore()}
	cache := NewQuestionCache(loader, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := cache.Questions(context.Background(), "missing")
		if !errors.Is(err, domain.ErrSessionNotFound) {
			t.Fatalf("expected session not found, got %v", err)
		}
	}
	if loader.count() != 2 {
		t.Fatalf("expected every miss to reach the loader, got %d", loader.count())
	}
}

type countingLoader struct {
	app.QuestionSource
	gate  chan struct{}
	calls atomic.Int32
}

func (l *countingLoader) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	return l.QuestionSource.Questions(ctx, sessionID)
}

func (l *countingLoader) count() int {
	return int(l.calls.Load())
}
