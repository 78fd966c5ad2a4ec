package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"trivia-buzzer-service/internal/domain"
)

const (
	maxNameLength     = 32
	joinCodeAttempts  = 5
	pausedByMCMessage = "MC disconnected"
)

// QuestionInput describes one question of a new session.
type QuestionInput struct {
	Text      string `json:"text"`
	Answer    string `json:"answer,omitempty"`
	Points    int    `json:"points,omitempty"`
	TimeLimit *int   `json:"timeLimit,omitempty"`
}

// CreateSessionInput is the bootstrap request of a session.
type CreateSessionInput struct {
	Questions           []QuestionInput `json:"questions"`
	AllowNegativePoints bool            `json:"allowNegativePoints"`
}

// SessionCredentials are returned once to the session creator.
type SessionCredentials struct {
	SessionID    string            `json:"sessionId"`
	JoinCode     string            `json:"code"`
	MCCredential string            `json:"mcToken"`
	Questions    []domain.Question `json:"questions"`
}

// PlayerCredentials are returned once to a joining player.
type PlayerCredentials struct {
	PlayerID         string `json:"playerId"`
	PlayerCredential string `json:"playerToken"`
	Name             string `json:"name"`
	JoinCode         string `json:"code"`
}

// CreateSession creates a session in LOBBY with one IDLE QuestionState per question.
func (e *Engine) CreateSession(ctx context.Context, in CreateSessionInput) (SessionCredentials, error) {
	questions, err := e.buildQuestions(in.Questions)
	if err != nil {
		return SessionCredentials{}, err
	}

	credential, err := generateCredential()
	if err != nil {
		return SessionCredentials{}, err
	}
	session := domain.Session{
		ID:                  e.newID(),
		MCCredentialHash:    HashCredential(credential),
		Status:              domain.SessionLobby,
		AllowNegativePoints: in.AllowNegativePoints,
		CreatedAt:           e.now(),
	}
	for i := range questions {
		questions[i].SessionID = session.ID
	}

	for attempt := 0; ; attempt++ {
		session.JoinCode, err = generateJoinCode()
		if err != nil {
			return SessionCredentials{}, err
		}
		err = e.store.CreateSession(ctx, session, questions)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrJoinCodeTaken) || attempt+1 >= joinCodeAttempts {
			return SessionCredentials{}, fmt.Errorf("create session: %w", err)
		}
	}

	e.log.Info().
		Str("session_id", session.ID).
		Str("code", session.JoinCode).
		Int("questions", len(questions)).
		Msg("session created")
	return SessionCredentials{
		SessionID:    session.ID,
		JoinCode:     session.JoinCode,
		MCCredential: credential,
		Questions:    questions,
	}, nil
}

// ReplaceQuestions swaps the whole question set of a LOBBY session. Every new
// question starts IDLE and the session points at the first one again.
func (e *Engine) ReplaceQuestions(ctx context.Context, sessionID, mcCredential string, in []QuestionInput) ([]domain.Question, error) {
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.AuthorizeMC(session, mcCredential); err != nil {
		return nil, err
	}
	if session.Status == domain.SessionFinished {
		return nil, domain.ErrSessionFinished
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one question is required", domain.ErrInvalidArgument)
	}
	questions, err := e.buildQuestions(in)
	if err != nil {
		return nil, err
	}
	for i := range questions {
		questions[i].SessionID = sessionID
	}

	if err := e.store.ReplaceQuestions(context.WithoutCancel(ctx), sessionID, questions); err != nil {
		return nil, err
	}
	if inv, ok := e.questions.(QuestionInvalidator); ok {
		if err := inv.Invalidate(context.WithoutCancel(ctx), sessionID); err != nil {
			e.log.Warn().Err(err).Str("session_id", sessionID).Msg("question cache invalidation failed")
		}
	}

	if snap, err := e.Snapshot(context.WithoutCancel(ctx), sessionID); err == nil {
		e.broadcaster.Publish(domain.NewSnapshotEvent(snap))
	}
	e.log.Info().Str("session_id", sessionID).Int("questions", len(questions)).Msg("questions replaced")
	return questions, nil
}

func (e *Engine) buildQuestions(in []QuestionInput) ([]domain.Question, error) {
	questions := make([]domain.Question, 0, len(in))
	for i, q := range in {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: question %d has no text", domain.ErrInvalidArgument, i)
		}
		if q.Points < 0 {
			return nil, fmt.Errorf("%w: question %d has negative points", domain.ErrInvalidArgument, i)
		}
		if q.TimeLimit != nil && *q.TimeLimit <= 0 {
			return nil, fmt.Errorf("%w: question %d has a non-positive time limit", domain.ErrInvalidArgument, i)
		}
		points := q.Points
		if points == 0 {
			points = domain.DefaultPoints
		}
		questions = append(questions, domain.Question{
			ID:        e.newID(),
			Index:     i,
			Text:      text,
			Answer:    strings.TrimSpace(q.Answer),
			Points:    points,
			TimeLimit: q.TimeLimit,
		})
	}
	return questions, nil
}

// JoinSession adds a player while the session is in LOBBY. Names are unique
// within the session, case-insensitively.
func (e *Engine) JoinSession(ctx context.Context, code, name string) (PlayerCredentials, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return PlayerCredentials{}, fmt.Errorf("%w: name must be 1-%d characters", domain.ErrInvalidArgument, maxNameLength)
	}
	session, err := e.SessionByCode(ctx, code)
	if err != nil {
		return PlayerCredentials{}, err
	}
	if session.Status == domain.SessionFinished {
		return PlayerCredentials{}, domain.ErrSessionFinished
	}
	if session.Status != domain.SessionLobby {
		return PlayerCredentials{}, domain.ErrSessionNotLobby
	}

	credential, err := generateCredential()
	if err != nil {
		return PlayerCredentials{}, err
	}
	player := domain.Player{
		ID:             e.newID(),
		SessionID:      session.ID,
		Name:           name,
		CredentialHash: HashCredential(credential),
		JoinedAt:       e.now(),
	}
	if err := e.store.AddPlayer(ctx, player); err != nil {
		return PlayerCredentials{}, err
	}

	e.log.Info().Str("session_id", session.ID).Str("player_id", player.ID).Msg("player joined")
	return PlayerCredentials{
		PlayerID:         player.ID,
		PlayerCredential: credential,
		Name:             player.Name,
		JoinCode:         session.JoinCode,
	}, nil
}

// StartSession moves a LOBBY session to RUNNING.
func (e *Engine) StartSession(ctx context.Context, sessionID, mcCredential string) (domain.Snapshot, error) {
	if err := e.requireRoster(ctx, sessionID, mcCredential); err != nil {
		return domain.Snapshot{}, err
	}
	return e.transitionSession(ctx, sessionID, []domain.SessionStatus{domain.SessionLobby}, domain.SessionRunning, domain.ErrSessionNotLobby)
}

// ResumeSession is the MC's explicit way out of PAUSED after reattaching. The
// session returns to the status it was paused from: LOBBY, or RUNNING otherwise.
func (e *Engine) ResumeSession(ctx context.Context, sessionID, mcCredential string) (domain.Snapshot, error) {
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.AuthorizeMC(session, mcCredential); err != nil {
		return domain.Snapshot{}, err
	}
	switch session.Status {
	case domain.SessionPaused:
	case domain.SessionFinished:
		return domain.Snapshot{}, domain.ErrSessionFinished
	default:
		return domain.Snapshot{}, domain.ErrSessionNotPaused
	}

	to := domain.SessionRunning
	if session.PausedFrom == domain.SessionLobby {
		to = domain.SessionLobby
	} else if err := e.checkRoster(ctx, sessionID); err != nil {
		return domain.Snapshot{}, err
	}
	return e.transitionSession(ctx, sessionID, []domain.SessionStatus{domain.SessionPaused}, to, domain.ErrSessionNotPaused)
}

// FinishSession ends a session; a finished session is immutable.
func (e *Engine) FinishSession(ctx context.Context, sessionID, mcCredential string) (domain.Snapshot, error) {
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := e.AuthorizeMC(session, mcCredential); err != nil {
		return domain.Snapshot{}, err
	}
	from := []domain.SessionStatus{domain.SessionLobby, domain.SessionRunning, domain.SessionPaused}
	return e.transitionSession(ctx, sessionID, from, domain.SessionFinished, domain.ErrSessionFinished)
}

// PauseSession is the safety fallback applied when the MC detaches. Any
// status other than FINISHED becomes PAUSED; the store remembers which one.
func (e *Engine) PauseSession(ctx context.Context, sessionID, reason string) error {
	from := []domain.SessionStatus{domain.SessionLobby, domain.SessionRunning, domain.SessionPaused}
	n, err := e.store.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, from, domain.SessionPaused, e.now())
	if err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	if n == 0 {
		return nil
	}
	e.broadcaster.Publish(domain.NewGamePaused(sessionID, reason))
	e.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session paused")
	return nil
}

func (e *Engine) requireRoster(ctx context.Context, sessionID, mcCredential string) error {
	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.AuthorizeMC(session, mcCredential); err != nil {
		return err
	}
	return e.checkRoster(ctx, sessionID)
}

func (e *Engine) checkRoster(ctx context.Context, sessionID string) error {
	questions, err := e.store.Questions(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return domain.ErrNoQuestions
	}
	players, err := e.store.Players(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(players) == 0 {
		return domain.ErrNoPlayers
	}
	return nil
}

func (e *Engine) transitionSession(ctx context.Context, sessionID string, from []domain.SessionStatus, to domain.SessionStatus, conflict error) (domain.Snapshot, error) {
	n, err := e.store.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, from, to, e.now())
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("update session status: %w", err)
	}
	if n == 0 {
		session, err := e.store.Session(ctx, sessionID)
		if err == nil && session.Status == domain.SessionFinished {
			return domain.Snapshot{}, domain.ErrSessionFinished
		}
		return domain.Snapshot{}, conflict
	}

	snap, err := e.Snapshot(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	e.broadcaster.Publish(domain.NewSnapshotEvent(snap))
	e.log.Info().Str("session_id", sessionID).Str("status", string(to)).Msg("session status changed")
	return snap, nil
}
