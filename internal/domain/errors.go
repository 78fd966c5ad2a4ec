package domain

import "errors"

// Validation errors: rejected before touching any state.
var (
	// ErrInvalidArgument is returned for malformed or missing request fields.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNameTaken is returned when a display name is already used in the session (case-insensitive).
	ErrNameTaken = errors.New("display name already taken")
)

// Authorization errors.
var (
	// ErrNotAuthorized is returned when the MC credential is missing or wrong.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrInvalidCredential is returned when a player credential does not match a player of the session.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Lookup errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrQuestionNotFound = errors.New("question not found")
	ErrPlayerNotFound   = errors.New("player not found")
	// ErrJoinCodeTaken is returned by stores when a generated join code collides.
	ErrJoinCodeTaken = errors.New("join code already in use")
)

// State-conflict errors: expected under contention, surfaced as typed rejections.
var (
	// ErrNotOpen: the question is not accepting buzzes.
	ErrNotOpen = errors.New("buzzing is not open")
	// ErrTooLate: another player already holds the question.
	ErrTooLate = errors.New("too late, another player buzzed first")
	// ErrPlayerLocked: the player was already judged incorrect on this question.
	ErrPlayerLocked = errors.New("player is locked out of this question")
	// ErrNoPendingJudgment: judging requires a LOCKED question.
	ErrNoPendingJudgment = errors.New("no buzz pending judgment")
	// ErrWinnerMismatch: the judged player is not the current winner.
	ErrWinnerMismatch = errors.New("player is not the current winner")
	// ErrQuestionResolved: RESOLVED questions cannot be opened again.
	ErrQuestionResolved = errors.New("question already resolved")
	// ErrQuestionAlreadyOpen: open was requested on a question that is OPEN or LOCKED.
	ErrQuestionAlreadyOpen = errors.New("question already open")
	// ErrNotCurrentQuestion: the action targets a question other than the current one.
	ErrNotCurrentQuestion = errors.New("question is not the current question")
	// ErrNoNextQuestion: advancing past the last question.
	ErrNoNextQuestion = errors.New("no more questions")
	// ErrPlayerNotLocked: unlock requested for a player outside the lock-set.
	ErrPlayerNotLocked = errors.New("player is not locked")

	ErrSessionNotLobby   = errors.New("session is not in lobby")
	ErrSessionNotRunning = errors.New("session is not running")
	ErrSessionNotPaused  = errors.New("session is not paused")
	ErrSessionFinished   = errors.New("session is finished")
	ErrNoQuestions       = errors.New("session has no questions")
	ErrNoPlayers         = errors.New("session has no players")

	// ErrStaleState: a conditional write lost against a concurrent writer.
	ErrStaleState = errors.New("state changed concurrently")
)

var validationErrors = []error{ErrInvalidArgument, ErrNameTaken}

var authorizationErrors = []error{ErrNotAuthorized, ErrInvalidCredential}

var notFoundErrors = []error{ErrSessionNotFound, ErrQuestionNotFound, ErrPlayerNotFound}

var conflictErrors = []error{
	ErrNotOpen, ErrTooLate, ErrPlayerLocked, ErrNoPendingJudgment, ErrWinnerMismatch,
	ErrQuestionResolved, ErrQuestionAlreadyOpen, ErrNotCurrentQuestion, ErrNoNextQuestion,
	ErrPlayerNotLocked, ErrSessionNotLobby, ErrSessionNotRunning, ErrSessionNotPaused,
	ErrSessionFinished, ErrNoQuestions, ErrNoPlayers, ErrStaleState,
}

// IsValidation reports whether err was caused by malformed input.
func IsValidation(err error) bool { return isAny(err, validationErrors) }

// IsAuthorization reports whether err is a credential failure.
func IsAuthorization(err error) bool { return isAny(err, authorizationErrors) }

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool { return isAny(err, notFoundErrors) }

// IsStateConflict reports whether err is an expected rejection caused by current state.
func IsStateConflict(err error) bool { return isAny(err, conflictErrors) }

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RejectionReason maps a buzz failure to the reason carried by buzz:rejected.
func RejectionReason(err error) (RejectReason, bool) {
	switch {
	case errors.Is(err, ErrPlayerLocked):
		return ReasonPlayerLocked, true
	case errors.Is(err, ErrTooLate):
		return ReasonTooLate, true
	case errors.Is(err, ErrNotOpen), errors.Is(err, ErrQuestionNotFound):
		return ReasonNotOpen, true
	}
	return "", false
}
