package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
	"trivia-buzzer-service/internal/infra/memory"
)

var epoch = time.Date(2024, 11, 22, 18, 0, 0, 0, time.UTC)

// tickingClock advances one millisecond per reading so join order is stable.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type game struct {
	t           *testing.T
	engine      *app.Engine
	store       app.Store
	broadcaster *app.Broadcaster
	session     app.SessionCredentials
	players     map[string]app.PlayerCredentials
}

type gameOptions struct {
	store     app.Store
	negative  bool
	questions []app.QuestionInput
	players   []string
	lobby     bool
}

func defaultQuestions() []app.QuestionInput {
	return []app.QuestionInput{
		{Text: "Capital of France?", Answer: "Paris", Points: 10},
		{Text: "Largest planet?", Answer: "Jupiter", Points: 5},
		{Text: "H2O is?", Answer: "Water"},
	}
}

// newGame creates a session, joins the players and starts it unless opts.lobby is set.
func newGame(t *testing.T, opts gameOptions) *game {
	t.Helper()
	if opts.store == nil {
		opts.store = memory.NewStore()
	}
	if opts.questions == nil {
		opts.questions = defaultQuestions()
	}
	if opts.players == nil {
		opts.players = []string{"Alice", "Bob", "Carol"}
	}

	clock := &tickingClock{now: epoch}
	broadcaster := app.NewBroadcaster(256, zerolog.Nop())
	engine := app.NewEngine(opts.store, broadcaster, zerolog.Nop(), app.WithClock(clock.Now))

	ctx := context.Background()
	created, err := engine.CreateSession(ctx, app.CreateSessionInput{
		Questions:           opts.questions,
		AllowNegativePoints: opts.negative,
	})
	require.NoError(t, err)

	g := &game{
		t:           t,
		engine:      engine,
		store:       opts.store,
		broadcaster: broadcaster,
		session:     created,
		players:     make(map[string]app.PlayerCredentials),
	}
	for _, name := range opts.players {
		joined, err := engine.JoinSession(ctx, created.JoinCode, name)
		require.NoError(t, err)
		g.players[name] = joined
	}
	if !opts.lobby {
		_, err := engine.StartSession(ctx, created.SessionID, created.MCCredential)
		require.NoError(t, err)
	}
	return g
}

func (g *game) id() string { return g.session.SessionID }

func (g *game) mc() string { return g.session.MCCredential }

func (g *game) player(name string) string {
	g.t.Helper()
	p, ok := g.players[name]
	require.True(g.t, ok, "unknown player %s", name)
	return p.PlayerID
}

func (g *game) question(i int) string {
	return g.session.Questions[i].ID
}

func (g *game) open(i int) {
	g.t.Helper()
	_, err := g.engine.OpenQuestion(context.Background(), g.id(), g.mc(), g.question(i))
	require.NoError(g.t, err)
}

func (g *game) buzz(i int, name string) (app.BuzzResult, error) {
	return g.engine.AttemptBuzz(context.Background(), g.id(), g.question(i), g.player(name), epoch)
}

func (g *game) judge(i int, name string, verdict domain.Verdict) (app.Judgment, error) {
	return g.engine.Judge(context.Background(), app.JudgeRequest{
		SessionID:    g.id(),
		QuestionID:   g.question(i),
		PlayerID:     g.player(name),
		Verdict:      verdict,
		MCCredential: g.mc(),
	})
}

func (g *game) state(i int) domain.QuestionState {
	g.t.Helper()
	state, err := g.store.QuestionState(context.Background(), domain.QuestionKey{SessionID: g.id(), QuestionID: g.question(i)})
	require.NoError(g.t, err)
	return state
}

func (g *game) scores() map[string]int {
	g.t.Helper()
	players, err := g.store.Players(context.Background(), g.id())
	require.NoError(g.t, err)
	out := make(map[string]int, len(players))
	for _, p := range players {
		out[p.Name] = p.Score
	}
	return out
}

func (g *game) sessionStatus() domain.SessionStatus {
	g.t.Helper()
	session, err := g.store.Session(context.Background(), g.id())
	require.NoError(g.t, err)
	return session.Status
}

// drain returns the events queued on sub without blocking.
func drain(sub *app.Subscription) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []domain.Event) []domain.EventType {
	types := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}
