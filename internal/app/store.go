package app

import (
	"context"
	"time"

	"trivia-buzzer-service/internal/domain"
)

// Store abstracts durable session state (in-memory, Redis, Postgres).
// Conditional writes report how many records they affected; a zero count means
// the stated precondition no longer held at commit time.
type Store interface {
	// CreateSession persists a session, its questions and one IDLE QuestionState per question.
	CreateSession(ctx context.Context, session domain.Session, questions []domain.Question) error
	Session(ctx context.Context, sessionID string) (domain.Session, error)
	SessionByCode(ctx context.Context, code string) (domain.Session, error)
	// Questions returns the session's questions ordered by index.
	Questions(ctx context.Context, sessionID string) ([]domain.Question, error)
	QuestionState(ctx context.Context, key domain.QuestionKey) (domain.QuestionState, error)

	Players(ctx context.Context, sessionID string) ([]domain.Player, error)
	Player(ctx context.Context, sessionID, playerID string) (domain.Player, error)
	PlayerByCredential(ctx context.Context, credentialHash string) (domain.Player, error)
	// AddPlayer commits only while the session is in LOBBY and the name is free.
	AddPlayer(ctx context.Context, player domain.Player) error
	SetPlayerConnected(ctx context.Context, sessionID, playerID string, connected bool) error

	// ReplaceQuestions swaps the question set and resets currentQuestionIndex,
	// committing only while the session is in LOBBY. The old QuestionStates go
	// away and every new question gets an IDLE one.
	ReplaceQuestions(ctx context.Context, sessionID string, questions []domain.Question) error

	// UpdateSessionStatus moves the session to `to` if its status is one of `from`.
	// Moving into PAUSED records the previous status as PausedFrom unless the
	// session was already paused; any other move clears it.
	UpdateSessionStatus(ctx context.Context, sessionID string, from []domain.SessionStatus, to domain.SessionStatus, at time.Time) (int64, error)
	// AdvanceQuestion moves currentQuestionIndex from `from` to `to`.
	AdvanceQuestion(ctx context.Context, sessionID string, from, to int) (int64, error)
	// CompareAndSwapQuestionState applies t atomically if its expectations hold.
	CompareAndSwapQuestionState(ctx context.Context, key domain.QuestionKey, t QuestionTransition) (SwapResult, error)
	// UnlockPlayer removes playerID from the lock-set of the question.
	UnlockPlayer(ctx context.Context, key domain.QuestionKey, playerID string) (int64, error)

	AppendBuzzEvent(ctx context.Context, event domain.BuzzEvent) error
	BuzzEvents(ctx context.Context, sessionID string) ([]domain.BuzzEvent, error)
}

// QuestionSource loads a session's questions; a cache may sit in front of the store.
type QuestionSource interface {
	Questions(ctx context.Context, sessionID string) ([]domain.Question, error)
}

// QuestionInvalidator is implemented by question caches that must forget a
// session's set when it changes.
type QuestionInvalidator interface {
	Invalidate(ctx context.Context, sessionID string) error
}

// QuestionTransition is one conditional write of a QuestionState. Every field
// commits together or not at all.
type QuestionTransition struct {
	// Expect is the status the record must hold at commit time.
	Expect domain.QuestionStatus
	// ExpectWinner, if set, must equal the stored winner.
	ExpectWinner string

	Status domain.QuestionStatus
	// Winner is stored when Status is LOCKED and cleared otherwise. A transition
	// into LOCKED does not commit if Winner is in the lock-set.
	Winner string
	// LockPlayer is added to the lock-set when set.
	LockPlayer string
	// ScorePlayer's score changes by ScoreDelta in the same unit.
	ScorePlayer string
	ScoreDelta  int
	// At stamps openedAt, lockedAt or resolvedAt according to Status.
	At time.Time
}

// SwapResult reports the outcome of a conditional write. Version is the
// QuestionState version after the write and is only meaningful when Affected is 1.
type SwapResult struct {
	Affected int64
	Version  int64
}

// Committed reports whether the conditional write took effect.
func (r SwapResult) Committed() bool {
	return r.Affected > 0
}

// Apply computes the state after t. It is shared by stores that evaluate the
// transition in process; ok is false when an expectation does not hold.
func (t QuestionTransition) Apply(state domain.QuestionState) (next domain.QuestionState, ok bool) {
	if state.Status != t.Expect {
		return state, false
	}
	if t.ExpectWinner != "" && state.Winner != t.ExpectWinner {
		return state, false
	}
	if t.Status == domain.QuestionLocked && (t.Winner == "" || state.IsPlayerLocked(t.Winner)) {
		return state, false
	}

	next = state
	next.LockedPlayers = append([]string{}, state.LockedPlayers...)
	next.Status = t.Status
	next.Winner = ""
	if t.Status == domain.QuestionLocked {
		next.Winner = t.Winner
	}
	if t.LockPlayer != "" && !next.IsPlayerLocked(t.LockPlayer) {
		next.LockedPlayers = append(next.LockedPlayers, t.LockPlayer)
	}
	at := t.At
	switch t.Status {
	case domain.QuestionOpen:
		next.OpenedAt = &at
	case domain.QuestionLocked:
		next.LockedAt = &at
	case domain.QuestionResolved:
		next.ResolvedAt = &at
	}
	next.Version++
	return next, true
}
