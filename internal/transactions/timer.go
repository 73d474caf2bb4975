package transactions

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/agentcourt/internal/lease"
)

const expiryLease = "transactions.expiry"

// NewTimer returns a sweeper that expires proposals past their deadline.
func NewTimer(service *Service, locker lease.Locker, interval time.Duration, logger *slog.Logger) *lease.Sweeper {
	return lease.NewSweeper(expiryLease, locker, interval, logger, func(ctx context.Context) error {
		_, err := service.ExpireStaleTransactions(ctx)
		return err
	})
}
