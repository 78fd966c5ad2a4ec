package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trivia-buzzer-service/internal/domain"
)

// Engine owns the session game state: the question state machine, buzz
// arbitration, judging and scoring. It holds no session-wide lock; every
// contended write is a conditional write against the Store.
type Engine struct {
	store       Store
	questions   QuestionSource
	broadcaster *Broadcaster
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock is used by tests for deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithQuestionSource puts a cache in front of the store for question reads.
func WithQuestionSource(src QuestionSource) Option {
	return func(e *Engine) { e.questions = src }
}

func NewEngine(store Store, broadcaster *Broadcaster, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		questions:   store,
		broadcaster: broadcaster,
		log:         logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broadcaster returns the fan-out used for session events.
func (e *Engine) Broadcaster() *Broadcaster {
	return e.broadcaster
}

// OpenQuestion moves the current question from IDLE to OPEN. A RESOLVED
// question can never be opened again.
func (e *Engine) OpenQuestion(ctx context.Context, sessionID, mcCredential, questionID string) (domain.QuestionState, error) {
	if sessionID == "" || questionID == "" {
		return domain.QuestionState{}, fmt.Errorf("%w: session and question are required", domain.ErrInvalidArgument)
	}
	session, err := e.runningSession(ctx, sessionID, mcCredential)
	if err != nil {
		return domain.QuestionState{}, err
	}
	current, _, err := e.currentQuestion(ctx, session)
	if err != nil {
		return domain.QuestionState{}, err
	}
	if current.ID != questionID {
		return domain.QuestionState{}, domain.ErrNotCurrentQuestion
	}

	key := domain.QuestionKey{SessionID: sessionID, QuestionID: questionID}
	state, err := e.store.QuestionState(ctx, key)
	if err != nil {
		return domain.QuestionState{}, err
	}
	if err := openGuard(state.Status); err != nil {
		return domain.QuestionState{}, err
	}

	now := e.now()
	t := QuestionTransition{Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: now}
	res, err := e.store.CompareAndSwapQuestionState(context.WithoutCancel(ctx), key, t)
	if err != nil {
		return domain.QuestionState{}, fmt.Errorf("open question: %w", err)
	}
	if !res.Committed() {
		latest, err := e.store.QuestionState(ctx, key)
		if err != nil {
			return domain.QuestionState{}, err
		}
		if err := openGuard(latest.Status); err != nil {
			return domain.QuestionState{}, err
		}
		return domain.QuestionState{}, domain.ErrStaleState
	}

	state, _ = t.Apply(state)
	state.Version = res.Version
	e.broadcaster.Publish(domain.NewQuestionOpened(state, now))
	e.log.Info().Str("session_id", sessionID).Str("question_id", questionID).Msg("question opened")
	return state, nil
}

func openGuard(status domain.QuestionStatus) error {
	switch status {
	case domain.QuestionResolved:
		return domain.ErrQuestionResolved
	case domain.QuestionOpen, domain.QuestionLocked:
		return domain.ErrQuestionAlreadyOpen
	}
	return nil
}

// NextQuestion advances currentQuestionIndex. The current question does not
// have to be resolved.
func (e *Engine) NextQuestion(ctx context.Context, sessionID, mcCredential string) (int, domain.Question, error) {
	session, err := e.runningSession(ctx, sessionID, mcCredential)
	if err != nil {
		return 0, domain.Question{}, err
	}
	questions, err := e.questions.Questions(ctx, sessionID)
	if err != nil {
		return 0, domain.Question{}, fmt.Errorf("load questions: %w", err)
	}
	next := session.CurrentQuestionIndex + 1
	if next >= len(questions) {
		return 0, domain.Question{}, domain.ErrNoNextQuestion
	}

	n, err := e.store.AdvanceQuestion(context.WithoutCancel(ctx), sessionID, session.CurrentQuestionIndex, next)
	if err != nil {
		return 0, domain.Question{}, fmt.Errorf("advance question: %w", err)
	}
	if n == 0 {
		return 0, domain.Question{}, domain.ErrStaleState
	}

	question := questions[next]
	e.broadcaster.Publish(domain.NewQuestionChanged(sessionID, next, question))
	e.log.Info().Str("session_id", sessionID).Int("question_index", next).Msg("question changed")
	return next, question, nil
}

// UnlockPlayer is the MC override that removes a player from a question's lock-set.
func (e *Engine) UnlockPlayer(ctx context.Context, sessionID, mcCredential, questionID, playerID string) error {
	if questionID == "" || playerID == "" {
		return fmt.Errorf("%w: question and player are required", domain.ErrInvalidArgument)
	}
	if _, err := e.runningSession(ctx, sessionID, mcCredential); err != nil {
		return err
	}
	key := domain.QuestionKey{SessionID: sessionID, QuestionID: questionID}
	state, err := e.store.QuestionState(ctx, key)
	if err != nil {
		return err
	}
	if !state.IsPlayerLocked(playerID) {
		return domain.ErrPlayerNotLocked
	}
	n, err := e.store.UnlockPlayer(context.WithoutCancel(ctx), key, playerID)
	if err != nil {
		return fmt.Errorf("unlock player: %w", err)
	}
	if n == 0 {
		return domain.ErrPlayerNotLocked
	}

	ev := domain.NewPlayerUnlocked(state, playerID)
	// The lock-set is not versioned; never suppress this event.
	ev.Version = 0
	e.broadcaster.Publish(ev)
	return nil
}

// Snapshot reads the latest committed state of a session. The current
// question carries its answer; Event.For strips it for non-MC recipients.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	var (
		questions []domain.Question
		players   []domain.Player
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		questions, err = e.questions.Questions(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		players, err = e.store.Players(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}

	snap := domain.Snapshot{
		SessionID:            session.ID,
		JoinCode:             session.JoinCode,
		Status:               session.Status,
		AllowNegativePoints:  session.AllowNegativePoints,
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		QuestionCount:        len(questions),
		Players:              domain.Scoreboard(players),
		TakenAt:              e.now(),
	}
	if idx := session.CurrentQuestionIndex; idx >= 0 && idx < len(questions) {
		q := questions[idx]
		snap.CurrentQuestion = &q
		state, err := e.store.QuestionState(ctx, domain.QuestionKey{SessionID: sessionID, QuestionID: q.ID})
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("snapshot: %w", err)
		}
		view := domain.NewQuestionStateView(state, players)
		snap.QuestionState = &view
	}
	return snap, nil
}

// MCSnapshot is Snapshot for the MC, who sees the current answer.
func (e *Engine) MCSnapshot(ctx context.Context, sessionID, mcCredential string) (domain.Snapshot, error) {
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.AuthorizeMC(session, mcCredential); err != nil {
		return domain.Snapshot{}, err
	}
	return e.Snapshot(ctx, sessionID)
}

// Scoreboard returns players ordered by score, highest first.
func (e *Engine) Scoreboard(ctx context.Context, sessionID string) ([]domain.ScoreEntry, error) {
	players, err := e.store.Players(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return domain.Scoreboard(players), nil
}

// BuzzEvents returns the audit trail of buzz attempts. MC only.
func (e *Engine) BuzzEvents(ctx context.Context, sessionID, mcCredential string) ([]domain.BuzzEvent, error) {
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !credentialMatches(session.MCCredentialHash, mcCredential) {
		return nil, domain.ErrNotAuthorized
	}
	return e.store.BuzzEvents(ctx, sessionID)
}

// SessionByCode resolves a join code, case-insensitively.
func (e *Engine) SessionByCode(ctx context.Context, code string) (domain.Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Session{}, fmt.Errorf("%w: join code is required", domain.ErrInvalidArgument)
	}
	return e.store.SessionByCode(ctx, code)
}

// AuthorizeMC checks an MC credential against the session.
func (e *Engine) AuthorizeMC(session domain.Session, mcCredential string) error {
	if !credentialMatches(session.MCCredentialHash, mcCredential) {
		return domain.ErrNotAuthorized
	}
	return nil
}

func (e *Engine) runningSession(ctx context.Context, sessionID, mcCredential string) (domain.Session, error) {
	if sessionID == "" {
		return domain.Session{}, fmt.Errorf("%w: session is required", domain.ErrInvalidArgument)
	}
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := e.AuthorizeMC(session, mcCredential); err != nil {
		return domain.Session{}, err
	}
	switch session.Status {
	case domain.SessionRunning:
		return session, nil
	case domain.SessionFinished:
		return domain.Session{}, domain.ErrSessionFinished
	default:
		return domain.Session{}, domain.ErrSessionNotRunning
	}
}

func (e *Engine) currentQuestion(ctx context.Context, session domain.Session) (domain.Question, []domain.Question, error) {
	questions, err := e.questions.Questions(ctx, session.ID)
	if err != nil {
		return domain.Question{}, nil, fmt.Errorf("load questions: %w", err)
	}
	idx := session.CurrentQuestionIndex
	if idx < 0 || idx >= len(questions) {
		return domain.Question{}, questions, domain.ErrQuestionNotFound
	}
	return questions[idx], questions, nil
}

func (e *Engine) findQuestion(ctx context.Context, sessionID, questionID string) (domain.Question, error) {
	questions, err := e.questions.Questions(ctx, sessionID)
	if err != nil {
		return domain.Question{}, fmt.Errorf("load questions: %w", err)
	}
	for _, q := range questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return domain.Question{}, domain.ErrQuestionNotFound
}
