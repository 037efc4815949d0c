// Package memstore is an in-memory trigger table with the same predicates as
// sqlstore. It backs tests and single-process embedding without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/flowsched/internal/domain"
)

type Store struct {
	mu   sync.Mutex
	rows map[domain.TriggerRef]*domain.Trigger

	// Fail, when set, is returned by every operation. Tests use it to
	// simulate a store outage.
	fail error
}

func New() *Store {
	return &Store{rows: make(map[domain.TriggerRef]*domain.Trigger)}
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Put inserts or replaces a row.
func (s *Store) Put(t domain.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[t.TriggerRef] = &t
}

// Get returns a copy of a row.
func (s *Store) Get(ref domain.TriggerRef) (domain.Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[ref]
	if !ok {
		return domain.Trigger{}, false
	}
	return *t, true
}

func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	return s.findDue(now, nil, limit)
}

// FindDueAfter continues a FindDue scan past the row after.
func (s *Store) FindDueAfter(_ context.Context, now time.Time, after domain.Trigger, limit int) ([]domain.Trigger, error) {
	return s.findDue(now, &after, limit)
}

func (s *Store) findDue(now time.Time, after *domain.Trigger, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}

	var out []domain.Trigger
	for _, t := range s.rows {
		if !t.Due(now) {
			continue
		}
		if after != nil && !t.After(*after) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].After(out[i]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Claim(_ context.Context, ref domain.TriggerRef, owner string, now time.Time, lease time.Duration) (bool, error) {
	return s.update(ref, func(t *domain.Trigger) bool {
		if !t.Due(now) {
			return false
		}
		t.LockOwner = owner
		t.LockExpiry = now.Add(lease)
		t.LastEvaluatedAt = now
		t.UpdatedAt = now
		return true
	})
}

func (s *Store) RenewLease(_ context.Context, ref domain.TriggerRef, owner string, now time.Time, lease time.Duration) (bool, error) {
	return s.update(ref, func(t *domain.Trigger) bool {
		if t.LockOwner != owner {
			return false
		}
		t.LockExpiry = now.Add(lease)
		t.UpdatedAt = now
		return true
	})
}

func (s *Store) CommitFire(_ context.Context, ref domain.TriggerRef, owner string, now, next time.Time, executionID string) (bool, error) {
	return s.update(ref, func(t *domain.Trigger) bool {
		if t.LockOwner != owner {
			return false
		}
		t.NextFireTime = next
		t.LockOwner = ""
		t.LockExpiry = time.Time{}
		t.LastFiredAt = now
		t.LastExecutionID = executionID
		t.LastExecutionStatus = domain.ExecutionStatusCreated
		t.LastError = ""
		t.UpdatedAt = now
		return true
	})
}

// Skip advances a trigger whose conditions rejected the current instant
// and clears the lease. Nothing is recorded as fired.
func (s *Store) Skip(_ context.Context, ref domain.TriggerRef, owner string, now, next time.Time) (bool, error) {
	return s.update(ref, func(t *domain.Trigger) bool {
		if t.LockOwner != owner {
			return false
		}
		t.NextFireTime = next
		t.LockOwner = ""
		t.LockExpiry = time.Time{}
		t.UpdatedAt = now
		return true
	})
}

func (s *Store) Release(_ context.Context, ref domain.TriggerRef, owner string, now time.Time) (bool, error) {
	return s.update(ref, func(t *domain.Trigger) bool {
		if t.LockOwner != owner {
			return false
		}
		t.LockOwner = ""
		t.LockExpiry = time.Time{}
		t.UpdatedAt = now
		return true
	})
}

func (s *Store) Flag(_ context.Context, ref domain.TriggerRef, owner string, now time.Time, reason string) (bool, error) {
	return s.update(ref, func(t *domain.Trigger) bool {
		if t.LockOwner != owner {
			return false
		}
		t.LockOwner = ""
		t.LockExpiry = time.Time{}
		t.LastError = reason
		t.UpdatedAt = now
		return true
	})
}

func (s *Store) EnsureTrigger(_ context.Context, t domain.Trigger) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	if _, ok := s.rows[t.TriggerRef]; ok {
		return false, nil
	}
	t.UpdatedAt = t.CreatedAt
	s.rows[t.TriggerRef] = &t
	return true, nil
}

func (s *Store) ResetSchedule(_ context.Context, ref domain.TriggerRef, schedule string, revision int, next, now time.Time) (bool, error) {
	return s.update(ref, func(t *domain.Trigger) bool {
		if !t.Claimable(now) || t.FlowRevision > revision {
			return false
		}
		t.Schedule = schedule
		t.FlowRevision = revision
		t.NextFireTime = next
		t.LastError = ""
		t.UpdatedAt = now
		return true
	})
}

func (s *Store) ListTriggers(_ context.Context) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([]domain.Trigger, 0, len(s.rows))
	for _, t := range s.rows {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) UpdateExecutionStatus(_ context.Context, executionID string, status domain.ExecutionStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	updated := false
	for _, t := range s.rows {
		if t.LastExecutionID != executionID || t.LastExecutionStatus.Terminal() {
			continue
		}
		t.LastExecutionStatus = status
		t.UpdatedAt = now
		updated = true
	}
	return updated, nil
}

func (s *Store) update(ref domain.TriggerRef, fn func(*domain.Trigger) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	t, ok := s.rows[ref]
	if !ok {
		return false, nil
	}
	return fn(t), nil
}
