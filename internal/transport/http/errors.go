package http

import (
	"errors"
	"net/http"

	"trivia-buzzer-service/internal/domain"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{domain.ErrInvalidArgument, "INVALID_ARGUMENT"},
	{domain.ErrNameTaken, "NAME_TAKEN"},
	{domain.ErrNotAuthorized, "NOT_AUTHORIZED"},
	{domain.ErrInvalidCredential, "INVALID_CREDENTIAL"},
	{domain.ErrSessionNotFound, "SESSION_NOT_FOUND"},
	{domain.ErrQuestionNotFound, "QUESTION_NOT_FOUND"},
	{domain.ErrPlayerNotFound, "PLAYER_NOT_FOUND"},
	{domain.ErrNotOpen, "NOT_OPEN"},
	{domain.ErrTooLate, "TOO_LATE"},
	{domain.ErrPlayerLocked, "PLAYER_LOCKED"},
	{domain.ErrNoPendingJudgment, "NO_PENDING_JUDGMENT"},
	{domain.ErrWinnerMismatch, "WINNER_MISMATCH"},
	{domain.ErrQuestionResolved, "QUESTION_RESOLVED"},
	{domain.ErrQuestionAlreadyOpen, "QUESTION_ALREADY_OPEN"},
	{domain.ErrNotCurrentQuestion, "NOT_CURRENT_QUESTION"},
	{domain.ErrNoNextQuestion, "NO_NEXT_QUESTION"},
	{domain.ErrPlayerNotLocked, "PLAYER_NOT_LOCKED"},
	{domain.ErrSessionNotLobby, "SESSION_NOT_LOBBY"},
	{domain.ErrSessionNotRunning, "SESSION_NOT_RUNNING"},
	{domain.ErrSessionNotPaused, "SESSION_NOT_PAUSED"},
	{domain.ErrSessionFinished, "SESSION_FINISHED"},
	{domain.ErrNoQuestions, "NO_QUESTIONS"},
	{domain.ErrNoPlayers, "NO_PLAYERS"},
	{domain.ErrStaleState, "STALE_STATE"},
}

// errorCode returns the stable client-facing code of err.
func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		if errors.Is(err, domain.ErrNameTaken) {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden
	case domain.IsAuthorization(err):
		return http.StatusUnauthorized
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsStateConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// clientMessage hides internal failures behind a generic message.
func clientMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
