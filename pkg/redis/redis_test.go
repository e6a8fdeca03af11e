package redis

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPingSucceeds(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetVal("PONG")

	require.NoError(t, ping(context.Background(), db, zap.NewNop()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingStopsOnCancel(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetErr(context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, ping(ctx, db, zap.NewNop()), context.Canceled)
}
