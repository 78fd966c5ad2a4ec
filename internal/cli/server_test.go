package cli

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-buzzer-service/internal/config"
	"trivia-buzzer-service/internal/infra/memory"
	redisstore "trivia-buzzer-service/internal/infra/redis"
)

func TestBuildStoreMemory(t *testing.T) {
	cfg := config.Config{}
	cfg.Store.Driver = config.DriverMemory

	deps, cleanup, err := buildStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.Store{}, deps.store)
	assert.IsType(t, &memory.QuestionCache{}, deps.questions)
}

func TestBuildStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{}
	cfg.Store.Driver = config.DriverRedis
	cfg.Redis.Addr = mr.Addr()

	deps, cleanup, err := buildStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &redisstore.Store{}, deps.store)
	// The Redis question cache is only used in front of Postgres.
	assert.IsType(t, &memory.QuestionCache{}, deps.questions)
}

func TestBuildStoreRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Config{}
	cfg.Store.Driver = config.DriverRedis
	cfg.Redis.Addr = addr

	_, _, err := buildStore(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "connect redis")
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("loud").GetLevel())
}
