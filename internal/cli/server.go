package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/config"
	"trivia-buzzer-service/internal/infra/memory"
	"trivia-buzzer-service/internal/infra/postgres"
	redisstore "trivia-buzzer-service/internal/infra/redis"
	transport "trivia-buzzer-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the buzzer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}

	deps, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	broadcaster := app.NewBroadcaster(cfg.Broadcast.Buffer, logger.With().Str("component", "broadcaster").Logger())
	engine := app.NewEngine(deps.store, broadcaster, logger.With().Str("component", "engine").Logger(),
		app.WithQuestionSource(deps.questions))
	registry := app.NewRegistry(engine, logger.With().Str("component", "presence").Logger())
	wsHandler := transport.NewWSHandler(engine, registry, transport.WSConfig{
		RateLimit:    cfg.WebSocket.RateLimit,
		RateBurst:    cfg.WebSocket.RateBurst,
		PingInterval: config.TTLDuration(cfg.WebSocket.PingInterval, 25*time.Second),
	}, logger.With().Str("component", "ws").Logger())
	api := transport.NewServer(engine, wsHandler, logger.With().Str("component", "http").Logger())

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info().Str("port", finalPort).Str("store", cfg.Store.Driver).Msg("starting buzzer service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info().Msg("shutting down server...")
	case <-ctx.Done():
		logger.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type storeDeps struct {
	store     app.Store
	questions app.QuestionSource
}

// buildStore wires the configured store driver and puts a question cache in
// front of it: Redis when a Redis address is configured, memory otherwise.
func buildStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (storeDeps, func(), error) {
	var (
		deps        storeDeps
		closers     []func()
		redisClient *redis.Client
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cleanup()
			return deps, nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			cleanup()
			return deps, nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			cleanup()
			return deps, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		deps.store = postgres.NewStore(pool)
	case config.DriverRedis:
		deps.store = redisstore.NewStore(redisClient, config.TTLDuration(cfg.Redis.TTL, 12*time.Hour))
	default:
		deps.store = memory.NewStore()
	}

	questionTTL := config.TTLDuration(cfg.Cache.QuestionTTL, 10*time.Minute)
	if redisClient != nil && cfg.Store.Driver == config.DriverPostgres {
		deps.questions = redisstore.NewQuestionCache(redisClient, deps.store, questionTTL)
	} else {
		deps.questions = memory.NewQuestionCache(deps.store, questionTTL)
	}
	return deps, cleanup, nil
}
