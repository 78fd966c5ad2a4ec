package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
	"trivia-buzzer-service/internal/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) app.Store {
		return NewStore()
	})
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewStore()
	f := storetest.Seed(t, store, "A")
	ctx := context.Background()

	for _, step := range []app.QuestionTransition{
		{Expect: domain.QuestionIdle, Status: domain.QuestionOpen},
		{Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID},
		{Expect: domain.QuestionLocked, ExpectWinner: f.Alice.ID, Status: domain.QuestionOpen, LockPlayer: f.Alice.ID},
	} {
		_, err := store.CompareAndSwapQuestionState(ctx, f.Key(0), step)
		require.NoError(t, err)
	}

	state, err := store.QuestionState(ctx, f.Key(0))
	require.NoError(t, err)
	state.LockedPlayers[0] = "tampered"

	again, err := store.QuestionState(ctx, f.Key(0))
	require.NoError(t, err)
	assert.Equal(t, []string{f.Alice.ID}, again.LockedPlayers)

	questions, err := store.Questions(ctx, f.Session.ID)
	require.NoError(t, err)
	questions[0].Text = "tampered"
	questions, err = store.Questions(ctx, f.Session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", questions[0].Text)
}
