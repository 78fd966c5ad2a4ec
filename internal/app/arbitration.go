package app

import (
	"context"
	"fmt"
	"time"

	"trivia-buzzer-service/internal/domain"
)

// BuzzResult is returned to the buzzing player.
type BuzzResult struct {
	Outcome    domain.BuzzOutcome `json:"result"`
	QuestionID string             `json:"questionId"`
	PlayerID   string             `json:"playerId"`
	PlayerName string             `json:"playerName,omitempty"`
}

// AttemptBuzz resolves one buzz attempt. Among concurrent attempts on the same
// OPEN question exactly one commits the OPEN -> LOCKED write and wins; the
// winner is whoever commits first at the store, the client timestamp is kept
// for audit only. Every attempt that reaches the question is recorded as a
// BuzzEvent, whatever its outcome.
func (e *Engine) AttemptBuzz(ctx context.Context, sessionID, questionID, playerID string, clientTimestamp time.Time) (BuzzResult, error) {
	if sessionID == "" || questionID == "" || playerID == "" {
		return BuzzResult{}, fmt.Errorf("%w: session, question and player are required", domain.ErrInvalidArgument)
	}
	result := BuzzResult{QuestionID: questionID, PlayerID: playerID}

	session, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return result, err
	}
	player, err := e.store.Player(ctx, sessionID, playerID)
	if err != nil {
		return result, err
	}
	result.PlayerName = player.Name

	reject := func(outcome domain.BuzzOutcome, cause error) (BuzzResult, error) {
		e.recordBuzz(ctx, sessionID, questionID, playerID, clientTimestamp, outcome)
		e.log.Debug().
			Str("session_id", sessionID).
			Str("question_id", questionID).
			Str("player_id", playerID).
			Str("outcome", string(outcome)).
			Msg("buzz rejected")
		result.Outcome = outcome
		return result, cause
	}

	key := domain.QuestionKey{SessionID: sessionID, QuestionID: questionID}
	state, err := e.store.QuestionState(ctx, key)
	if err != nil {
		if domain.IsNotFound(err) {
			return reject(domain.BuzzRejectedNotOpen, fmt.Errorf("question %s: %w", questionID, domain.ErrNotOpen))
		}
		return result, err
	}
	if state.IsPlayerLocked(playerID) {
		return reject(domain.BuzzRejectedLocked, domain.ErrPlayerLocked)
	}
	if session.Status != domain.SessionRunning {
		return reject(domain.BuzzRejectedNotOpen, domain.ErrNotOpen)
	}
	current, _, err := e.currentQuestion(ctx, session)
	if err != nil && !domain.IsNotFound(err) {
		return result, err
	}
	if err != nil || current.ID != questionID {
		return reject(domain.BuzzRejectedNotOpen, domain.ErrNotOpen)
	}
	switch state.Status {
	case domain.QuestionOpen:
	case domain.QuestionLocked:
		return reject(domain.BuzzTooLate, domain.ErrTooLate)
	default:
		return reject(domain.BuzzRejectedNotOpen, domain.ErrNotOpen)
	}

	// The conditional write is the unit of atomicity: once issued it runs to
	// completion even if the caller gives up. It is never retried here, a
	// retry could attribute a second win.
	now := e.now()
	t := QuestionTransition{
		Expect: domain.QuestionOpen,
		Status: domain.QuestionLocked,
		Winner: playerID,
		At:     now,
	}
	res, err := e.store.CompareAndSwapQuestionState(context.WithoutCancel(ctx), key, t)
	if err != nil {
		return result, fmt.Errorf("lock question: %w", err)
	}
	if !res.Committed() {
		return reject(domain.BuzzTooLate, domain.ErrTooLate)
	}

	locked, _ := t.Apply(state)
	locked.Version = res.Version
	e.broadcaster.Publish(domain.NewBuzzWinner(locked, player, now))
	e.recordBuzz(ctx, sessionID, questionID, playerID, clientTimestamp, domain.BuzzWinner)
	e.log.Info().
		Str("session_id", sessionID).
		Str("question_id", questionID).
		Str("player_id", playerID).
		Msg("buzz winner")

	result.Outcome = domain.BuzzWinner
	return result, nil
}

// recordBuzz appends the audit record. A failed append is logged and does not
// change the outcome already decided.
func (e *Engine) recordBuzz(ctx context.Context, sessionID, questionID, playerID string, clientTimestamp time.Time, outcome domain.BuzzOutcome) {
	ev := domain.BuzzEvent{
		ID:              e.newID(),
		SessionID:       sessionID,
		QuestionID:      questionID,
		PlayerID:        playerID,
		ClientTimestamp: clientTimestamp,
		ServerTimestamp: e.now(),
		Outcome:         outcome,
	}
	if err := e.store.AppendBuzzEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Error().Err(err).
			Str("session_id", sessionID).
			Str("question_id", questionID).
			Str("outcome", string(outcome)).
			Msg("append buzz event")
	}
}
