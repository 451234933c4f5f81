package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestConnectRedis(t *testing.T) {
	_, err := ConnectRedis(context.Background(), "  ", "")
	require.ErrorIs(t, err, ErrRedisURLMissing)

	_, err = ConnectRedis(context.Background(), "http://not-redis", "")
	require.Error(t, err)

	mr := miniredis.RunT(t)
	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "exam:1", "ok", 0).Err())
	got, err := mr.Get("exam:1")
	require.NoError(t, err)
	require.Equal(t, "ok", got)
}
