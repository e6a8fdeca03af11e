package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"chipledger/pkg/rediskey"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisLimiterAllowsFirstRequest(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	key := rediskey.TrialCooldown("203.0.113.7")
	mock.ExpectSetNX(key, 1, 24*time.Hour).SetVal(true)

	wait, err := NewRedisLimiter(rdb, 24*time.Hour).Allow(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	require.Zero(t, wait)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLimiterReportsRemainingCooldown(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	key := rediskey.TrialCooldown("203.0.113.7")
	mock.ExpectSetNX(key, 1, 24*time.Hour).SetVal(false)
	mock.ExpectTTL(key).SetVal(3 * time.Hour)

	wait, err := NewRedisLimiter(rdb, 24*time.Hour).Allow(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	require.Equal(t, 3*time.Hour, wait)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLimiterMissingTTLFallsBackToCooldown(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	key := rediskey.TrialCooldown("c1")
	mock.ExpectSetNX(key, 1, time.Minute).SetVal(false)
	mock.ExpectTTL(key).SetVal(-1)

	wait, err := NewRedisLimiter(rdb, time.Minute).Allow(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, time.Minute, wait)
}

func TestRedisLimiterError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectSetNX(rediskey.TrialCooldown("c1"), 1, time.Minute).SetErr(errors.New("connection refused"))

	_, err := NewRedisLimiter(rdb, time.Minute).Allow(context.Background(), "c1")
	require.Error(t, err)
}
