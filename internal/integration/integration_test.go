package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
	"trivia-buzzer-service/internal/infra/postgres"
	pgmigrations "trivia-buzzer-service/internal/infra/postgres/migrations"
	infraredis "trivia-buzzer-service/internal/infra/redis"
	"trivia-buzzer-service/internal/storetest"
)

func TestStoresAgainstContainers(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateDB(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	t.Run("postgres conformance", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) app.Store {
			truncate(t, ctx, pool)
			return postgres.NewStore(pool)
		})
	})

	t.Run("postgres lock-set seen after blocked judgment", func(t *testing.T) {
		truncate(t, ctx, pool)
		store := postgres.NewStore(pool)
		f := storetest.Seed(t, store, "A")
		key := f.Key(0)

		for _, tr := range []app.QuestionTransition{
			{Expect: domain.QuestionIdle, Status: domain.QuestionOpen, At: time.Now()},
			{Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID, At: time.Now()},
		} {
			res, err := store.CompareAndSwapQuestionState(ctx, key, tr)
			require.NoError(t, err)
			require.True(t, res.Committed())
		}

		// An incorrect judgment of Alice holds the row while her late buzz arrives.
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		_, err = tx.Exec(ctx, `
			UPDATE question_states SET status = 'OPEN', winner_id = '', version = version + 1
			WHERE session_id = $1 AND question_id = $2`, key.SessionID, key.QuestionID)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, `INSERT INTO locked_players (session_id, question_id, player_id) VALUES ($1, $2, $3)`,
			key.SessionID, key.QuestionID, f.Alice.ID)
		require.NoError(t, err)

		type swap struct {
			res app.SwapResult
			err error
		}
		done := make(chan swap, 1)
		go func() {
			res, err := store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
				Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Alice.ID, At: time.Now(),
			})
			done <- swap{res: res, err: err}
		}()

		select {
		case got := <-done:
			t.Fatalf("buzz was not blocked by the judgment: %+v", got)
		case <-time.After(300 * time.Millisecond):
		}
		require.NoError(t, tx.Commit(ctx))

		got := <-done
		require.NoError(t, got.err)
		assert.False(t, got.res.Committed(), "a locked player must not win")

		res, err := store.CompareAndSwapQuestionState(ctx, key, app.QuestionTransition{
			Expect: domain.QuestionOpen, Status: domain.QuestionLocked, Winner: f.Bob.ID, At: time.Now(),
		})
		require.NoError(t, err)
		assert.True(t, res.Committed())
	})

	t.Run("redis conformance", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) app.Store {
			require.NoError(t, redisClient.FlushDB(ctx).Err())
			return infraredis.NewStore(redisClient, time.Hour)
		})
	})

	t.Run("round on postgres with redis question cache", func(t *testing.T) {
		truncate(t, ctx, pool)
		require.NoError(t, redisClient.FlushDB(ctx).Err())

		store := postgres.NewStore(pool)
		cache := infraredis.NewQuestionCache(redisClient, store, 5*time.Minute)
		engine := app.NewEngine(store, app.NewBroadcaster(64, zerolog.Nop()), zerolog.Nop(), app.WithQuestionSource(cache))
		sessionID := playRound(t, ctx, engine)

		cached, err := redisClient.Exists(ctx, "buzzer:cache:questions:"+sessionID).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), cached)
	})

	t.Run("round on redis", func(t *testing.T) {
		require.NoError(t, redisClient.FlushDB(ctx).Err())
		store := infraredis.NewStore(redisClient, time.Hour)
		engine := app.NewEngine(store, app.NewBroadcaster(64, zerolog.Nop()), zerolog.Nop())
		playRound(t, ctx, engine)
	})
}

// playRound runs one contested question through the engine: eight players buzz
// at once, the winner is judged wrong, and the next buzz is judged right.
func playRound(t *testing.T, ctx context.Context, engine *app.Engine) string {
	t.Helper()
	created, err := engine.CreateSession(ctx, app.CreateSessionInput{
		Questions: []app.QuestionInput{
			{Text: "What is 2 + 2?", Answer: "4", Points: 5},
			{Text: "What is 3 + 3?", Answer: "6", Points: 3},
		},
		AllowNegativePoints: true,
	})
	require.NoError(t, err)

	var playerIDs []string
	for i := 0; i < 8; i++ {
		joined, err := engine.JoinSession(ctx, created.JoinCode, fmt.Sprintf("player-%d", i))
		require.NoError(t, err)
		playerIDs = append(playerIDs, joined.PlayerID)
	}
	_, err = engine.StartSession(ctx, created.SessionID, created.MCCredential)
	require.NoError(t, err)

	q1 := created.Questions[0].ID
	_, err = engine.OpenQuestion(ctx, created.SessionID, created.MCCredential, q1)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		winners []string
		wg      sync.WaitGroup
	)
	start := make(chan struct{})
	for _, id := range playerIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			res, err := engine.AttemptBuzz(ctx, created.SessionID, q1, id, time.Now())
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrTooLate)
				return
			}
			mu.Lock()
			winners = append(winners, res.PlayerID)
			mu.Unlock()
		}(id)
	}
	close(start)
	wg.Wait()
	require.Len(t, winners, 1)
	first := winners[0]

	_, err = engine.Judge(ctx, app.JudgeRequest{
		SessionID: created.SessionID, QuestionID: q1, PlayerID: first,
		Verdict: domain.VerdictIncorrect, MCCredential: created.MCCredential,
	})
	require.NoError(t, err)

	_, err = engine.AttemptBuzz(ctx, created.SessionID, q1, first, time.Now())
	require.ErrorIs(t, err, domain.ErrPlayerLocked)

	var second string
	for _, id := range playerIDs {
		if id != first {
			second = id
			break
		}
	}
	res, err := engine.AttemptBuzz(ctx, created.SessionID, q1, second, time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.BuzzWinner, res.Outcome)

	_, err = engine.Judge(ctx, app.JudgeRequest{
		SessionID: created.SessionID, QuestionID: q1, PlayerID: second,
		Verdict: domain.VerdictCorrect, MCCredential: created.MCCredential,
	})
	require.NoError(t, err)

	board, err := engine.Scoreboard(ctx, created.SessionID)
	require.NoError(t, err)
	require.Len(t, board, 8)
	assert.Equal(t, second, board[0].PlayerID)
	assert.Equal(t, 5, board[0].Score)
	assert.Equal(t, first, board[len(board)-1].PlayerID)
	assert.Equal(t, -1, board[len(board)-1].Score)

	snap, err := engine.Snapshot(ctx, created.SessionID)
	require.NoError(t, err)
	require.NotNil(t, snap.QuestionState)
	assert.Equal(t, domain.QuestionResolved, snap.QuestionState.Status)

	events, err := engine.BuzzEvents(ctx, created.SessionID, created.MCCredential)
	require.NoError(t, err)
	assert.Len(t, events, 10)
	return created.SessionID
}

func truncate(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(ctx, `TRUNCATE buzz_events, locked_players, question_states, players, questions, sessions`)
	require.NoError(t, err)
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "buzzer", "POSTGRES_PASSWORD": "buzzerpass", "POSTGRES_DB": "buzzerdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://buzzer:buzzerpass@%s:%s/buzzerdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
