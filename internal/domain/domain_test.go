package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreboardOrdering(t *testing.T) {
	t0 := time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)
	players := []Player{
		{ID: "c", Name: "Carol", Score: 3, JoinedAt: t0.Add(2 * time.Second)},
		{ID: "a", Name: "Alice", Score: 3, JoinedAt: t0},
		{ID: "d", Name: "Dave", Score: -1, JoinedAt: t0},
		{ID: "b", Name: "Bob", Score: 7, JoinedAt: t0.Add(time.Second), Connected: true},
		{ID: "e", Name: "Eve", Score: 3, JoinedAt: t0},
	}

	board := Scoreboard(players)
	names := make([]string, 0, len(board))
	for _, e := range board {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Bob", "Alice", "Eve", "Carol", "Dave"}, names)
	assert.True(t, board[0].Connected)
	assert.Equal(t, "c", players[0].ID, "input is not reordered")
}

func TestEventForRole(t *testing.T) {
	q := Question{ID: "q1", Text: "Capital?", Answer: "Paris", Points: 1}
	changed := NewQuestionChanged("s1", 0, q)

	assert.Equal(t, "Paris", changed.For(RoleMC).Payload.(QuestionChanged).Question.Answer)
	assert.Empty(t, changed.For(RolePlayer).Payload.(QuestionChanged).Question.Answer)
	assert.Empty(t, changed.For(RoleScreen).Payload.(QuestionChanged).Question.Answer)
	assert.Equal(t, "Paris", changed.Payload.(QuestionChanged).Question.Answer)

	snap := NewSnapshotEvent(Snapshot{SessionID: "s1", CurrentQuestion: &q})
	assert.Empty(t, snap.For(RolePlayer).Payload.(Snapshot).CurrentQuestion.Answer)
	assert.Equal(t, "Paris", q.Answer)
}

func TestEventJSON(t *testing.T) {
	state := QuestionState{SessionID: "s1", QuestionID: "q1", Status: QuestionLocked, Winner: "p1", Version: 4}
	at := time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)
	ev := NewBuzzWinner(state, Player{ID: "p1", Name: "Alice"}, at)
	assert.Equal(t, "q1", ev.QuestionID)
	assert.Equal(t, int64(4), ev.Version)
	payload, ok := ev.Payload.(BuzzWinnerPayload)
	require.True(t, ok)
	assert.Equal(t, "Alice", payload.PlayerName)
	assert.Equal(t, BuzzOutcome("WINNER"), BuzzWinner)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "buzz:winner",
		"payload": {"questionId": "q1", "playerId": "p1", "playerName": "Alice", "timestamp": "2024-11-22T09:00:00Z"}
	}`, string(raw))

	raw, err = json.Marshal(NewBuzzRejected("s1", "q1", ReasonTooLate))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "buzz:rejected", "payload": {"questionId": "q1", "reason": "TooLate"}}`, string(raw))
}

func TestRejectionReason(t *testing.T) {
	tests := []struct {
		err    error
		reason RejectReason
		ok     bool
	}{
		{err: ErrTooLate, reason: ReasonTooLate, ok: true},
		{err: fmt.Errorf("wrapped: %w", ErrPlayerLocked), reason: ReasonPlayerLocked, ok: true},
		{err: ErrNotOpen, reason: ReasonNotOpen, ok: true},
		{err: ErrQuestionNotFound, reason: ReasonNotOpen, ok: true},
		{err: ErrNotAuthorized},
		{err: errors.New("boom")},
		{err: nil},
	}
	for _, tt := range tests {
		reason, ok := RejectionReason(tt.err)
		assert.Equal(t, tt.ok, ok, "%v", tt.err)
		assert.Equal(t, tt.reason, reason, "%v", tt.err)
	}
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, IsValidation(fmt.Errorf("%w: name", ErrInvalidArgument)))
	assert.True(t, IsValidation(ErrNameTaken))
	assert.True(t, IsAuthorization(ErrInvalidCredential))
	assert.True(t, IsNotFound(ErrPlayerNotFound))
	assert.True(t, IsStateConflict(ErrStaleState))
	assert.True(t, IsStateConflict(fmt.Errorf("open: %w", ErrQuestionResolved)))

	assert.False(t, IsStateConflict(ErrSessionNotFound))
	assert.False(t, IsNotFound(errors.New("boom")))
	assert.False(t, IsValidation(nil))
}

func TestQuestionStateHelpers(t *testing.T) {
	state := QuestionState{SessionID: "s1", QuestionID: "q1", LockedPlayers: []string{"p1", "p2"}}
	assert.True(t, state.IsPlayerLocked("p2"))
	assert.False(t, state.IsPlayerLocked("p3"))
	assert.Equal(t, QuestionKey{SessionID: "s1", QuestionID: "q1"}, state.Key())

	view := NewQuestionStateView(QuestionState{QuestionID: "q1", Status: QuestionLocked, Winner: "p2"}, []Player{
		{ID: "p1", Name: "Alice"},
		{ID: "p2", Name: "Bob"},
	})
	assert.Equal(t, "Bob", view.WinnerName)
	assert.NotNil(t, view.LockedPlayers)

	assert.Equal(t, "alice", NameKey("  Alice "))
	assert.True(t, RoleScreen.Valid())
	assert.False(t, Role("admin").Valid())
}
