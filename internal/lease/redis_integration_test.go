//go:build integration

package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaseExclusive(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis integration test")
	}
	ctx := context.Background()

	a, client, err := Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedis(client)

	name := "test:" + time.Now().Format(time.RFC3339Nano)

	ok, err := a.Acquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not hold the lease, so its release is a no-op.
	require.NoError(t, b.Release(ctx, name))
	ok, _ = b.Acquire(ctx, name, 5*time.Second)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, name))
	ok, _ = b.Acquire(ctx, name, 5*time.Second)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, name))
}
