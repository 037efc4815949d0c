package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/domain"
)

// keepLease renews the lease on ref every RenewInterval until ctx is done.
// If a renewal matches no row the lease is gone, so lost is called to abort
// the dispatch before it creates an execution someone else may also create.
// The returned channel is closed when the keeper has exited.
func (s *Scheduler) keepLease(ctx context.Context, lost context.CancelFunc, ref domain.TriggerRef, log *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.config.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			rctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
			ok, err := s.store.RenewLease(rctx, ref, s.config.OwnerID, s.clock().UTC(), s.config.LeaseDuration)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Transient; the lease still has LeaseDuration-RenewInterval left.
				s.metrics.StoreError("renew")
				s.diag.Warn("lease renewal failed", err, zap.Stringer("trigger", ref))
				continue
			}
			s.metrics.LeaseRenewed(ok)
			if !ok {
				log.Error("lease lost during dispatch, aborting")
				lost()
				return
			}
		}
	}()
	return done
}
