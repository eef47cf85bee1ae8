package consumer

import (
	"context"
	"testing"
	"time"

	"wisefido-medication/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *config.Config) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := &config.Config{}
	cfg.Cache.StateKeyPrefix = "medication:escalation:"
	cfg.Cache.StateTTL = time.Hour
	cfg.Cache.AlertKeyPrefix = "vital-focus:card:"
	cfg.Cache.AlertSuffix = ":medication-alerts"
	cfg.Cache.AlertTTL = 30 * time.Minute
	cfg.Monitor.StreamName = "medication:dose-events"
	cfg.Monitor.ConsumerGroup = "wisefido-medication"
	cfg.Monitor.ConsumerName = "medication-test"
	cfg.Monitor.BatchSize = 10

	return mr, redisClient, cfg
}

func ctxBg() context.Context {
	return context.Background()
}

func requireTTL(t *testing.T, mr *miniredis.Miniredis, key string, want time.Duration) {
	t.Helper()
	require.True(t, mr.Exists(key), "key %s should exist", key)
	require.Equal(t, want, mr.TTL(key))
}
