package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/cron"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/metrics"
)

// processTrigger takes one due trigger through claim, evaluation, dispatch
// and commit. Every claimed trigger leaves this function committed or
// skipped with a later nextFireTime, released, flagged, or with a lease that
// will expire on its own.
func (s *Scheduler) processTrigger(ctx context.Context, t domain.Trigger, c *tickCounters) {
	if ctx.Err() != nil {
		return
	}
	ref := t.TriggerRef
	log := s.logger.With(zap.Stringer("trigger", ref))

	// Read the clock at claim time. A trigger may have waited behind slow
	// dispatches for a worker, and a lease computed from the tick start
	// could already be expired when it is taken.
	now, err := s.now(ctx)
	if err != nil {
		s.diag.Warn("read clock failed", err, zap.Stringer("trigger", ref))
		return
	}

	claimCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	won, err := s.store.Claim(claimCtx, ref, s.config.OwnerID, now, s.config.LeaseDuration)
	cancel()
	if err != nil {
		s.metrics.StoreError("claim")
		s.diag.Warn("claim failed", err, zap.Stringer("trigger", ref))
		return
	}
	s.metrics.ClaimAttempt(won)
	if !won {
		return
	}
	c.claimed.Add(1)

	// The snapshot may have been swapped since the tick started; the
	// listener that matters is the one current at claim time.
	listener, flow, ok := s.index.Current().Lookup(ref)
	if !ok {
		log.Info("flow no longer enabled, releasing")
		s.release(ref, metrics.OutcomeOrphaned, c, log)
		return
	}
	if listener.RecurrenceErr != nil {
		log.Warn("malformed recurrence", zap.Error(listener.RecurrenceErr), zap.String("schedule", listener.Schedule))
		s.flag(ref, listener.RecurrenceErr.Error(), c, log)
		return
	}

	cc := domain.ConditionContext{
		Now:                 now,
		ScheduledAt:         t.NextFireTime,
		Trigger:             ref,
		FlowLabels:          flow.Labels,
		LastExecutionID:     t.LastExecutionID,
		LastExecutionStatus: t.LastExecutionStatus,
		Payload:             listener.PayloadJSON,
	}
	pass, err := s.evaluator.Evaluate(listener, cc)
	if err != nil {
		s.diag.Warn("condition evaluation failed", err, zap.Stringer("trigger", ref))
		s.release(ref, metrics.OutcomeEvalError, c, log)
		return
	}

	next, err := cron.Advance(listener.Recurrence, t.NextFireTime, now, listener.CatchUp)
	if err != nil {
		log.Warn("cannot compute next fire time", zap.Error(err))
		s.flag(ref, err.Error(), c, log)
		return
	}

	if !pass {
		// The rejected instant is passed over; conditions are checked again
		// at the next one.
		log.Debug("conditions rejected fire",
			zap.Time("scheduled_at", t.NextFireTime),
			zap.Time("next_fire_at", next),
		)
		s.skip(ref, next, c, log)
		return
	}

	if ctx.Err() != nil {
		s.release(ref, metrics.OutcomeShutdown, c, log)
		return
	}

	req := domain.ExecutionRequest{
		Trigger:        ref,
		ScheduledAt:    t.NextFireTime.UTC(),
		FiredAt:        now,
		Labels:         flow.Labels,
		Payload:        listener.Payload,
		IdempotencyKey: domain.IdempotencyKey(ref, t.NextFireTime),
		SchedulerID:    s.config.OwnerID,
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	keeper := s.keepLease(dispatchCtx, stopDispatch, ref, log)
	handle, err := s.dispatcher.Dispatch(dispatchCtx, req)
	stopDispatch()
	<-keeper

	if err != nil {
		log.Warn("dispatch failed, releasing", zap.Error(err))
		s.release(ref, metrics.OutcomeDispatchFailed, c, log)
		return
	}

	commitCtx, cancel := s.detached()
	committed, err := s.store.CommitFire(commitCtx, ref, s.config.OwnerID, now, next, handle.ID)
	cancel()
	if err != nil {
		s.metrics.StoreError("commit")
		log.Error("commit failed after dispatch, trigger will fire again when its lease expires",
			zap.String("execution_id", handle.ID),
			zap.Error(err),
		)
		return
	}
	if !committed {
		s.lostLease(ref, true, c, log, zap.String("execution_id", handle.ID))
		return
	}

	c.fired.Add(1)
	s.metrics.TriggerOutcome(metrics.OutcomeFired)
	s.metrics.FireLatencyObserve(now.Sub(t.NextFireTime).Seconds())
	log.Info("fired",
		zap.String("execution_id", handle.ID),
		zap.Time("scheduled_at", t.NextFireTime),
		zap.Time("next_fire_at", next),
	)
}

// detached returns a context that survives shutdown, bounded by the store
// timeout, so in-flight triggers can still be committed or released.
func (s *Scheduler) detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.StoreTimeout)
}

func (s *Scheduler) skip(ref domain.TriggerRef, next time.Time, c *tickCounters, log *zap.Logger) {
	ctx, cancel := s.detached()
	defer cancel()

	ok, err := s.store.Skip(ctx, ref, s.config.OwnerID, s.clock().UTC(), next)
	if err != nil {
		s.metrics.StoreError("skip")
		log.Warn("skip failed, lease will expire", zap.Error(err))
		return
	}
	if !ok {
		s.lostLease(ref, false, c, log)
		return
	}
	c.rejected.Add(1)
	s.metrics.TriggerOutcome(metrics.OutcomeRejected)
}

func (s *Scheduler) release(ref domain.TriggerRef, outcome string, c *tickCounters, log *zap.Logger) {
	ctx, cancel := s.detached()
	defer cancel()

	ok, err := s.store.Release(ctx, ref, s.config.OwnerID, s.clock().UTC())
	if err != nil {
		s.metrics.StoreError("release")
		log.Warn("release failed, lease will expire", zap.String("outcome", outcome), zap.Error(err))
		return
	}
	if !ok {
		s.lostLease(ref, false, c, log)
		return
	}
	c.released.Add(1)
	s.metrics.TriggerOutcome(outcome)
}

func (s *Scheduler) flag(ref domain.TriggerRef, reason string, c *tickCounters, log *zap.Logger) {
	ctx, cancel := s.detached()
	defer cancel()

	ok, err := s.store.Flag(ctx, ref, s.config.OwnerID, s.clock().UTC(), reason)
	if err != nil {
		s.metrics.StoreError("flag")
		log.Warn("flag failed, lease will expire", zap.Error(err))
		return
	}
	if !ok {
		s.lostLease(ref, false, c, log)
		return
	}
	c.flagged.Add(1)
	s.metrics.TriggerOutcome(metrics.OutcomeMalformed)
}

// lostLease reports an owner-guarded write that matched no row. After a
// dispatch this means another instance may create the same execution, so it
// is always logged at error level and never throttled.
func (s *Scheduler) lostLease(ref domain.TriggerRef, afterDispatch bool, c *tickCounters, log *zap.Logger, fields ...zap.Field) {
	c.lost.Add(1)
	s.metrics.LeaseLost(afterDispatch)
	s.metrics.TriggerOutcome(metrics.OutcomeLeaseLost)
	if afterDispatch {
		log.Error("lease lost before commit, execution may be duplicated", fields...)
		return
	}
	log.Warn("lease lost before release or skip", fields...)
}
