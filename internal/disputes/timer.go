package disputes

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/agentcourt/internal/lease"
)

const deadlineLease = "disputes.deadlines"

// NewTimer returns a sweeper that applies both dispute deadlines: unanswered
// disputes move to arbitration and lapsed decision windows close.
func NewTimer(service *Service, locker lease.Locker, interval time.Duration, logger *slog.Logger) *lease.Sweeper {
	return lease.NewSweeper(deadlineLease, locker, interval, logger, func(ctx context.Context) error {
		_, advErr := service.AdvanceExpiredResponses(ctx)
		_, closeErr := service.CloseLapsedDecisions(ctx)
		return errors.Join(advErr, closeErr)
	})
}
