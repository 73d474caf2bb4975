package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper runs a job on a fixed interval, each run under the named lease so
// replicas sharing a Locker take turns.
type Sweeper struct {
	name     string
	locker   Locker
	interval time.Duration
	job      func(context.Context) error
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a sweeper. A nil locker grants every run; a non-positive
// interval means one minute.
func NewSweeper(name string, locker Locker, interval time.Duration, logger *slog.Logger, job func(context.Context) error) *Sweeper {
	if locker == nil {
		locker = Noop{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		name:     name,
		locker:   locker,
		interval: interval,
		job:      job,
		logger:   logger.With("sweep", name),
		stop:     make(chan struct{}),
	}
}

// Running reports whether Start is looping.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Start loops until ctx is done or Stop is called. Run it in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-tick.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RunOnce runs the job if the lease is free and reports whether it ran. Job
// errors and panics are logged.
func (s *Sweeper) RunOnce(ctx context.Context) (ran bool) {
	ok, err := s.locker.Acquire(ctx, s.name, s.interval)
	if err != nil {
		s.logger.Warn("lease acquire failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	defer func() {
		if err := s.locker.Release(ctx, s.name); err != nil {
			s.logger.Warn("lease release failed", "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", fmt.Sprint(r))
		}
	}()

	if err := s.job(ctx); err != nil {
		s.logger.Warn("sweep failed", "error", err)
	}
	return true
}
