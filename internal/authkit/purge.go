package authkit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultRevocationPurgeInterval is how often expired revocation entries are removed.
const DefaultRevocationPurgeInterval = time.Hour

// RevocationPurger periodically removes revocation entries past their natural expiry.
type RevocationPurger struct {
	store    RevocationStore
	interval time.Duration
	clock    Clock
	logger   *zap.Logger
	running  atomic.Bool
}

// NewRevocationPurger constructs a purger. Non-positive intervals use the default.
func NewRevocationPurger(store RevocationStore, interval time.Duration, clock Clock, logger *zap.Logger) *RevocationPurger {
	if interval <= 0 {
		interval = DefaultRevocationPurgeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RevocationPurger{
		store:    store,
		interval: interval,
		clock:    clockOrSystem(clock),
		logger:   logger,
	}
}

// Run purges on every tick until ctx is cancelled.
func (purger *RevocationPurger) Run(ctx context.Context) {
	purger.logger.Info("revocation purge scheduled", zap.Duration("interval", purger.interval))
	ticker := time.NewTicker(purger.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purger.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce runs a single purge pass. It returns false when another pass is
// still in flight or when the store failed; failures are logged and retried on
// the next tick.
func (purger *RevocationPurger) PurgeOnce(ctx context.Context) bool {
	if !purger.running.CompareAndSwap(false, true) {
		purger.logger.Debug("revocation purge skipped",
			zap.String("code", "revocation.purge.in_flight"))
		return false
	}
	defer purger.running.Store(false)

	removed, err := purger.store.PurgeExpired(ctx, purger.clock.Now())
	if err != nil {
		purger.logger.Error("revocation purge failed",
			zap.String("code", "revocation.purge.failed"),
			zap.Error(err))
		return false
	}
	if removed > 0 {
		purger.logger.Info("revocation purge removed expired entries",
			zap.String("code", "revocation.purge.removed"),
			zap.Int64("removed", removed))
	}
	return true
}
