package app

import (
	"sync"

	"github.com/rs/zerolog"

	"trivia-buzzer-service/internal/domain"
)

// Broadcaster fans session events out to every subscribed connection.
// Delivery never blocks the caller: a subscriber whose queue is full is evicted
// and recovers by reconnecting and requesting a snapshot.
type Broadcaster struct {
	buffer int
	log    zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
}

// Subscription is one connection's queue of outbound events. Broadcast and
// direct messages share the queue, so their relative order is preserved.
type Subscription struct {
	broadcaster *Broadcaster
	topic       *topic
	sessionID   string
	role        domain.Role
	ch          chan domain.Event
	versions    map[string]int64
	closed      bool
}

func NewBroadcaster(buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		buffer: buffer,
		log:    logger,
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a queue for the session. The caller must Close it.
func (b *Broadcaster) Subscribe(sessionID string, role domain.Role) *Subscription {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subscribers: make(map[*Subscription]struct{})}
		b.topics[sessionID] = t
	}
	sub := &Subscription{
		broadcaster: b,
		topic:       t,
		sessionID:   sessionID,
		role:        role,
		ch:          make(chan domain.Event, b.buffer),
		versions:    make(map[string]int64),
	}
	t.mu.Lock()
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()
	b.mu.Unlock()
	return sub
}

// Publish delivers events, in order, to every subscriber of their session.
func (b *Broadcaster) Publish(events ...domain.Event) {
	for _, ev := range events {
		b.mu.Lock()
		t, ok := b.topics[ev.SessionID]
		b.mu.Unlock()
		if !ok {
			continue
		}

		t.mu.Lock()
		for sub := range t.subscribers {
			sub.deliverLocked(ev)
		}
		t.mu.Unlock()
	}
}

// SubscriberCount returns the number of live subscriptions of a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Events is closed when the subscription is closed or evicted.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

func (s *Subscription) Role() domain.Role {
	return s.role
}

// Send queues a message for this subscriber only. It reports false if the
// subscription is closed or was evicted.
func (s *Subscription) Send(ev domain.Event) bool {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.deliverLocked(ev)
}

// SendFresh queues the event built by load for this subscriber only. Publishes
// to the session wait while load runs, so nothing published after load read
// its state can be queued ahead of the result. load must not use the
// broadcaster. Nothing is queued when load fails.
func (s *Subscription) SendFresh(load func() (domain.Event, error)) (bool, error) {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	ev, err := load()
	if err != nil {
		return false, err
	}
	return s.deliverLocked(ev), nil
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	s.closeLocked()
	empty := len(s.topic.subscribers) == 0
	s.topic.mu.Unlock()

	if empty {
		b := s.broadcaster
		b.mu.Lock()
		if t, ok := b.topics[s.sessionID]; ok && t == s.topic {
			t.mu.Lock()
			if len(t.subscribers) == 0 {
				delete(b.topics, s.sessionID)
			}
			t.mu.Unlock()
		}
		b.mu.Unlock()
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.topic.subscribers, s)
	close(s.ch)
}

func (s *Subscription) deliverLocked(ev domain.Event) bool {
	if s.closed {
		return false
	}
	if ev.QuestionID != "" && ev.Version > 0 {
		if ev.Version < s.versions[ev.QuestionID] {
			// A newer transition of this question was already delivered.
			return true
		}
		s.versions[ev.QuestionID] = ev.Version
	}

	select {
	case s.ch <- ev.For(s.role):
		return true
	default:
		s.broadcaster.log.Warn().
			Str("session_id", s.sessionID).
			Str("role", string(s.role)).
			Str("event", string(ev.Type)).
			Msg("subscriber queue full, evicting")
		s.closeLocked()
		return false
	}
}
