package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(msg string) Check {
	return func(context.Context) error { return errors.New(msg) }
}

func TestRunEmpty(t *testing.T) {
	rep := NewRegistry(time.Second).Run(context.Background())
	assert.Equal(t, StatusOK, rep.Status)
	assert.Empty(t, rep.Checks)
}

func TestRunStatuses(t *testing.T) {
	tests := []struct {
		name     string
		database Check
		redis    Check
		want     string
	}{
		{"all healthy", ok, ok, StatusOK},
		{"optional failing", ok, failing("redis: connection refused"), StatusDegraded},
		{"critical failing", failing("database: no route"), ok, StatusDown},
		{"both failing", failing("database: no route"), failing("redis: connection refused"), StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(time.Second)
			r.Critical("database", tt.database)
			r.Optional("redis", tt.redis)

			rep := r.Run(context.Background())
			assert.Equal(t, tt.want, rep.Status)
			require.Len(t, rep.Checks, 2)
			assert.True(t, rep.Checks["database"].Critical)
			assert.False(t, rep.Checks["redis"].Critical)
		})
	}
}

func TestRunRecordsError(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Optional("redis", failing("connection refused"))

	res := r.Run(context.Background()).Checks["redis"]
	assert.False(t, res.Healthy)
	assert.Equal(t, "connection refused", res.Error)
}

func TestRunTimesOutSlowCheck(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Critical("database", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	rep := r.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDown, rep.Status)
	assert.Contains(t, rep.Checks["database"].Error, "deadline exceeded")
}

func TestRunChecksConcurrently(t *testing.T) {
	r := NewRegistry(time.Second)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	r.Critical("a", slow)
	r.Critical("b", slow)

	done := make(chan Report)
	go func() { done <- r.Run(context.Background()) }()

	// Both checks must be in flight before either is released.
	<-started
	<-started
	close(release)
	assert.Equal(t, StatusOK, (<-done).Status)
}
