// Package storetest holds the behaviour every app.Store implementation must
// share. Store packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) app.Store

var baseTime = time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)

// Fixture is a seeded session with two questions and two players.
type Fixture struct {
	Session   domain.Session
	Questions []domain.Question
	Alice     domain.Player
	Bob       domain.Player
}

func (f Fixture) Key(i int) domain.QuestionKey {
	return domain.QuestionKey{SessionID: f.Session.ID, QuestionID: f.Questions[i].ID}
}

// Seed creates a LOBBY session named by suffix with two questions and two players.
func Seed(t *testing.T, store app.Store, suffix string) Fixture {
	t.Helper()
	ctx := context.Background()

	session := domain.Session{
		ID:               "session-" + suffix,
		JoinCode:         "CODE" + suffix,
		MCCredentialHash: app.HashCredential("mc-" + suffix),
		Status:           domain.SessionLobby,
		CreatedAt:        baseTime,
	}
	// Deliberately out of order; stores return them by index.
	questions := []domain.Question{
		{ID: "q2-" + suffix, SessionID: session.ID, Index: 1, Text: "Largest planet?", Answer: "Jupiter", Points: 2},
		{ID: "q1-" + suffix, SessionID: session.ID, Index: 0, Text: "Capital of France?", Answer: "Paris", Points: 1},
	}
	require.NoError(t, store.CreateSession(ctx, session, questions))

	alice := domain.Player{ID: "alice-" + suffix, SessionID: session.ID, Name: "Alice", CredentialHash: app.HashCredential("alice-" + suffix), JoinedAt: baseTime}
	bob := domain.Player{ID: "bob-" + suffix, SessionID: session.ID, Name: "Bob", CredentialHash: app.HashCredential("bob-" + suffix), JoinedAt: baseTime.Add(time.Second)}
	require.NoError(t, store.AddPlayer(ctx, alice))
	require.NoError(t, store.AddPlayer(ctx, bob))

	return Fixture{
		Session:   session,
		Questions: []domain.Question{questions[1], questions[0]},
		Alice:     alice,
		Bob:       bob,
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("session round trip", func(t *testing.T) { testSessionRoundTrip(t, newStore(t)) })
	t.Run("join code taken", func(t *testing.T) { testJoinCodeTaken(t, newStore(t)) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("players", func(t *testing.T) { testPlayers(t, newStore(t)) })
	t.Run("session status", func(t *testing.T) { testSessionStatus(t, newStore(t)) })
	t.Run("paused from", func(t *testing.T) { testPausedFrom(t, newStore(t)) })
	t.Run("replace questions", func(t *testing.T) { testReplaceQuestions(t, newStore(t)) })
	t.Run("advance question", func(t *testing.T) { testAdvanceQuestion(t, newStore(t)) })
	t.Run("question transitions", func(t *testing.T) { testQuestionTransitions(t, newStore(t)) })
	t.Run("locked player cannot win", func(t *testing.T) { testLockedPlayerCannotWin(t, newStore(t)) })
	t.Run("concurrent buzzes", func(t *testing.T) { testConcurrentBuzzes(t, newStore(t)) })
	t.Run("unlock player", func(t *testing.T) { testUnlockPlayer(t, newStore(t)) })
	t.Run("buzz events", func(t *testing.T) { testBuzzEvents(t, newStore(t)) })
}

func testSessionRoundTrip(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")

	got, err := store.Session(ctx, f.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Session.JoinCode, got.JoinCode)
	assert.Equal(t, domain.SessionLobby, got.Status)
	assert.Equal(t, 0, got.CurrentQuestionIndex)
	assert.True(t, got.CreatedAt.Equal(baseTime))
	assert.Nil(t, got.FinishedAt)

	byCode, err := store.SessionByCode(ctx, f.Session.JoinCode)
	require.NoError(t, err)
	assert.Equal(t, f.Session.ID, byCode.ID)

	questions, err := store.Questions(ctx, f.Session.ID)
	require.NoError(t, err)
	require.Len(t, questions, 2)
	assert.Equal(t, f.Questions[0].ID, questions[0].ID)
	assert.Equal(t, "Paris", questions[0].Answer)
	assert.Equal(t, 2, questions[1].Points)
	assert.Equal(t, f.Session.ID, questions[1].SessionID)

	state, err := store.QuestionState(ctx, f.Key(0))
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionIdle, state.Status)
	assert.Empty(t, state.Winner)
	assert.Empty(t, state.LockedPlayers)
	assert.Equal(t, int64(0), state.Version)
}

func testJoinCodeTaken(t *testing.T, store app.Store) {
	f := Seed(t, store, "A")
	dup := domain.Session{ID: "other", JoinCode: f.Session.JoinCode, Status: domain.SessionLobby, CreatedAt: baseTime}
	err := store.CreateSession(context.Background(), dup, nil)
	assert.ErrorIs(t, err, domain.ErrJoinCodeTaken)
}

func testNotFound(t *testing.T, store app.Store) {
	ctx := context.Background()
	_, err := store.Session(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.SessionByCode(ctx, "NOPE00")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.Players(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.QuestionState(ctx, domain.QuestionKey{SessionID: "missing", QuestionID: "q"})
	assert.ErrorIs(t, err, domain.ErrQuestionNotFound)
	_, err = store.PlayerByCredential(ctx, app.HashCredential("nobody"))
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
	_, err = store.UpdateSessionStatus(ctx, "missing", []domain.SessionStatus{domain.SessionLobby}, domain.SessionRunning, baseTime)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func testPlayers(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")
	other := Seed(t, store, "B")

	players, err := store.Players(ctx, f.Session.ID)
	require.NoError(t, err)
	require.Len(t, players, 2)
	assert.Equal(t, f.Alice.ID, players[0].ID)
	assert.Equal(t, f.Bob.ID, players[1].ID)
	assert.Equal(t, 0, players[0].Score)
	assert.False(t, players[0].Connected)

	dup := domain.Player{ID: "alice-2", SessionID: f.Session.ID, Name: " aLiCe ", CredentialHash: app.HashCredential("x"), JoinedAt: baseTime}
	assert.ErrorIs(t, store.AddPlayer(ctx, dup), domain.ErrNameTaken)

	byCred, err := store.PlayerByCredential(ctx, f.Bob.CredentialHash)
	require.NoError(t, err)
	assert.Equal(t, f.Bob.ID, byCred.ID)

	_, err = store.Player(ctx, other.Session.ID, f.Alice.ID)
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)

	require.NoError(t, store.SetPlayerConnected(ctx, f.Session.ID, f.Alice.ID, true))
	alice, err := store.Player(ctx, f.Session.ID, f.Alice.ID)
	require.NoError(t, err)
	assert.True(t, alice.Connected)
	assert.ErrorIs(t, store.SetPlayerConnected(ctx, other.Session.ID, f.Alice.ID, true), domain.ErrPlayerNotFound)

	n, err := store.UpdateSessionStatus(ctx, f.Session.ID, []domain.SessionStatus{domain.SessionLobby}, domain.SessionRunning, baseTime)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	late := domain.Player{ID: "carol", SessionID: f.Session.ID, Name: "Carol", CredentialHash: app.HashCredential("carol"), JoinedAt: baseTime}
	assert.ErrorIs(t, store.AddPlayer(ctx, late), domain.ErrSessionNotLobby)
}

func testSessionStatus(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")

	n, err := store.UpdateSessionStatus(ctx, f.Session.ID, []domain.SessionStatus{domain.SessionPaused}, domain.SessionRunning, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	live := []domain.SessionStatus{domain.SessionLobby, domain.SessionRunning, domain.SessionPaused}
	finishedAt := baseTime.Add(time.Hour)
	n, err = store.UpdateSessionStatus(ctx, f.Session.ID, live, domain.SessionFinished, finishedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Session(ctx, f.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFinished, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finishedAt))

	n, err = store.UpdateSessionStatus(ctx, f.Session.ID, live, domain.SessionPaused, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testPausedFrom(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")
	live := []domain.SessionStatus{domain.SessionLobby, domain.SessionRunning, domain.SessionPaused}
	paused := []domain.SessionStatus{domain.SessionPaused}

	pause := func(want domain.SessionStatus) {
		t.Helper()
		n, err := store.UpdateSessionStatus(ctx, f.Session.ID, live, domain.SessionPaused, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		got, err := store.Session(ctx, f.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionPaused, got.Status)
		assert.Equal(t, want, got.PausedFrom)
	}

	pause(domain.SessionLobby)
	// Pausing again keeps the status to return to.
	pause(domain.SessionLobby)

	n, err := store.UpdateSessionStatus(ctx, f.Session.ID, paused, domain.SessionLobby, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := store.Session(ctx, f.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionLobby, got.Status)
	assert.Empty(t, got.PausedFrom)

	_, err = store.UpdateSessionStatus(ctx, f.Session.ID, []domain.SessionStatus{domain.SessionLobby}, domain.SessionRunning, baseTime)
	require.NoError(t, err)
	pause(domain.SessionRunning)
}

func testReplaceQuestions(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")

	// Leave some state behind on the old first question.
	_, err := store.CompareAndSwapQuestionState(ctx, f.Key(0), app.QuestionTransition{
		Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: baseTime,
	})
	require.NoError(t, err)
	_, err = store.CompareAndSwapQuestionState(ctx, f.Key(0), app.QuestionTransition{
		Expect: domain.QuestionOpen, Status: domain.QuestionOpen, LockPlayer: f.Alice.ID, At: baseTime,
	})
	require.NoError(t, err)
	_, err = store.AdvanceQuestion(ctx, f.Session.ID, 0, 1)
	require.NoError(t, err)

	replacement := []domain.Question{
		{ID: "r2-A", SessionID: f.Session.ID, Index: 1, Text: "Smallest prime?", Answer: "2", Points: 4},
		{ID: "r1-A", SessionID: f.Session.ID, Index: 0, Text: "Boiling point of water?", Answer: "100", Points: 3},
		{ID: "r3-A", SessionID: f.Session.ID, Index: 2, Text: "Speed of light?", Points: 1},
	}
	require.NoError(t, store.ReplaceQuestions(ctx, f.Session.ID, replacement))

	questions, err := store.Questions(ctx, f.Session.ID)
	require.NoError(t, err)
	require.Len(t, questions, 3)
	assert.Equal(t, []string{"r1-A", "r2-A", "r3-A"}, []string{questions[0].ID, questions[1].ID, questions[2].ID})
	assert.Equal(t, "100", questions[0].Answer)
	session, err := store.Session(ctx, f.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, session.CurrentQuestionIndex)

	for _, q := range questions {
		state, err := store.QuestionState(ctx, domain.QuestionKey{SessionID: f.Session.ID, QuestionID: q.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.QuestionIdle, state.Status)
		assert.Empty(t, state.LockedPlayers)
		assert.Equal(t, int64(0), state.Version)
	}
	_, err = store.QuestionState(ctx, f.Key(0))
	assert.ErrorIs(t, err, domain.ErrQuestionNotFound)

	err = store.ReplaceQuestions(ctx, "missing", replacement)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = store.UpdateSessionStatus(ctx, f.Session.ID, []domain.SessionStatus{domain.SessionLobby}, domain.SessionRunning, baseTime)
	require.NoError(t, err)
	err = store.ReplaceQuestions(ctx, f.Session.ID, replacement[:1])
	assert.ErrorIs(t, err, domain.ErrSessionNotLobby)
	questions, err = store.Questions(ctx, f.Session.ID)
	require.NoError(t, err)
	assert.Len(t, questions, 3)
}

func testAdvanceQuestion(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")

	n, err := store.AdvanceQuestion(ctx, f.Session.ID, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.AdvanceQuestion(ctx, f.Session.ID, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "stale from index must not commit")

	n, err = store.AdvanceQuestion(ctx, f.Session.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "index past the last question must not commit")

	got, err := store.Session(ctx, f.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentQuestionIndex)
}

func testQuestionTransitions(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")
	key := f.Key(0)

	res, err := store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: baseTime,
	})
	require.NoError(t, err)
	require.True(t, res.Committed())
	assert.Equal(t, int64(1), res.Version)

	res, err = store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: baseTime,
	})
	require.NoError(t, err)
	assert.False(t, res.Committed(), "open twice")

	res, err = store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID, At: baseTime.Add(time.Second),
	})
	require.NoError(t, err)
	require.True(t, res.Committed())
	assert.Equal(t, int64(2), res.Version)

	res, err = store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionLocked, ExpectWinner: f.Bob.ID, Status: domain.QuestionResolved, At: baseTime,
	})
	require.NoError(t, err)
	assert.False(t, res.Committed(), "judging a different winner")

	// incorrect: back to OPEN, winner locked out and penalized
	res, err = store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionLocked, ExpectWinner: f.Alice.ID, Status: domain.QuestionOpen,
		LockPlayer: f.Alice.ID, ScorePlayer: f.Alice.ID, ScoreDelta: -domain.IncorrectPenalty, At: baseTime.Add(2 * time.Second),
	})
	require.NoError(t, err)
	require.True(t, res.Committed())

	state, err := store.QuestionState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionOpen, state.Status)
	assert.Empty(t, state.Winner)
	assert.Equal(t, []string{f.Alice.ID}, state.LockedPlayers)
	assert.Equal(t, int64(3), state.Version)
	require.NotNil(t, state.LockedAt)
	assert.True(t, state.LockedAt.Equal(baseTime.Add(time.Second)))
	require.NotNil(t, state.OpenedAt)
	assert.True(t, state.OpenedAt.Equal(baseTime.Add(2*time.Second)))

	alice, err := store.Player(ctx, f.Session.ID, f.Alice.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, alice.Score)

	// correct: Bob wins and scores
	_, err = store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Bob.ID, At: baseTime,
	})
	require.NoError(t, err)
	res, err = store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionLocked, ExpectWinner: f.Bob.ID, Status: domain.QuestionResolved,
		ScorePlayer: f.Bob.ID, ScoreDelta: f.Questions[0].Points, At: baseTime.Add(3 * time.Second),
	})
	require.NoError(t, err)
	require.True(t, res.Committed())
	assert.Equal(t, int64(5), res.Version)

	state, err = store.QuestionState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionResolved, state.Status)
	require.NotNil(t, state.ResolvedAt)

	bob, err := store.Player(ctx, f.Session.ID, f.Bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, bob.Score)

	_, err = store.CompareAndSwapQuestionState(ctx, f.Key(1), app.QuestionTransition{
		Expect: domain.QuestionIdle, Status: domain.QuestionOpen, ScorePlayer: "ghost", ScoreDelta: 1, At: baseTime,
	})
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
	untouched, err := store.QuestionState(ctx, f.Key(1))
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionIdle, untouched.Status)
}

func testLockedPlayerCannotWin(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")
	key := f.Key(0)

	steps := []app.QuestionTransition{
		{Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: baseTime},
		{Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID, At: baseTime},
		{Expect: domain.QuestionLocked, ExpectWinner: f.Alice.ID, Status: domain.QuestionOpen, LockPlayer: f.Alice.ID, At: baseTime},
	}
	for i, step := range steps {
		res, err := store.CompareAndSwapQuestionState(ctx, key, step)
		require.NoError(t, err)
		require.True(t, res.Committed(), "step %d", i)
	}

	res, err := store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID, At: baseTime,
	})
	require.NoError(t, err)
	assert.False(t, res.Committed())

	state, err := store.QuestionState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionOpen, state.Status)
}

func testConcurrentBuzzes(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")
	key := f.Key(0)

	_, err := store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
		Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: baseTime,
	})
	require.NoError(t, err)

	const contenders = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		start   = make(chan struct{})
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			playerID := fmt.Sprintf("player-%d", i)
			res, err := store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
				Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: playerID, At: baseTime,
			})
			assert.NoError(t, err)
			if res.Committed() {
				mu.Lock()
				winners = append(winners, playerID)
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	state, err := store.QuestionState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionLocked, state.Status)
	assert.Equal(t, winners[0], state.Winner)
	assert.Equal(t, int64(2), state.Version)
}

func testUnlockPlayer(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")
	key := f.Key(0)

	for _, step := range []app.QuestionTransition{
		{Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: baseTime},
		{Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Bob.ID, At: baseTime},
		{Expect: domain.QuestionLocked, ExpectWinner: f.Bob.ID, Status: domain.QuestionOpen, LockPlayer: f.Bob.ID, At: baseTime},
	} {
		_, err := store.CompareAndSwapQuestionState(ctx, key, step)
		require.NoError(t, err)
	}

	n, err := store.UnlockPlayer(ctx, key, f.Bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.UnlockPlayer(ctx, key, f.Bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	state, err := store.QuestionState(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, state.LockedPlayers)

	_, err = store.UnlockPlayer(ctx, domain.QuestionKey{SessionID: f.Session.ID, QuestionID: "missing"}, f.Bob.ID)
	assert.ErrorIs(t, err, domain.ErrQuestionNotFound)
}

func testBuzzEvents(t *testing.T, store app.Store) {
	ctx := context.Background()
	f := Seed(t, store, "A")

	outcomes := []domain.BuzzOutcome{domain.BuzzWinner, domain.BuzzTooLate, domain.BuzzRejectedLocked}
	for i, outcome := range outcomes {
		require.NoError(t, store.AppendBuzzEvent(ctx, domain.BuzzEvent{
			ID:              fmt.Sprintf("buzz-%d", i),
			SessionID:       f.Session.ID,
			QuestionID:      f.Questions[0].ID,
			PlayerID:        f.Alice.ID,
			ClientTimestamp: baseTime.Add(time.Duration(i) * time.Millisecond),
			ServerTimestamp: baseTime.Add(time.Duration(i) * time.Millisecond),
			Outcome:         outcome,
		}))
	}

	events, err := store.BuzzEvents(ctx, f.Session.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("buzz-%d", i), ev.ID)
		assert.Equal(t, outcomes[i], ev.Outcome)
	}
	assert.True(t, events[2].ServerTimestamp.Equal(baseTime.Add(2*time.Millisecond)))
}
