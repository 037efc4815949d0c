package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/djlord-it/flowsched/internal/domain"
)

// Store is the shared trigger table. Every mutation is a single conditional
// statement whose affected-row count tells the caller whether it won.
type Store struct {
	db      *sql.DB
	dialect Dialect
	q       queries
}

type queries struct {
	findDue, findDueAfter, claim, renew, commit, skip string
	release, flag, reset, list, get, updateStatus     string
	ensure, nowMs                                     string
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		q: queries{
			findDue:      dialect.Rebind(queryFindDue),
			findDueAfter: dialect.Rebind(queryFindDueAfter),
			skip:         dialect.Rebind(querySkip),
			claim:        dialect.Rebind(queryClaim),
			renew:        dialect.Rebind(queryRenewLease),
			commit:       dialect.Rebind(queryCommitFire),
			release:      dialect.Rebind(queryRelease),
			flag:         dialect.Rebind(queryFlag),
			reset:        dialect.Rebind(queryResetSchedule),
			list:         dialect.Rebind(queryListTriggers),
			get:          dialect.Rebind(queryGetTrigger),
			updateStatus: dialect.Rebind(queryUpdateExecutionStatus),
			ensure:       dialect.Rebind(dialect.insertIfAbsent("flow_triggers", insertColumns, 8)),
			nowMs:        dialect.nowMillis,
		},
	}
}

func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindDue returns up to limit triggers with nextFireTime <= now and no valid
// lease, oldest first. Ties are broken by key.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, s.q.findDue, ms, ms, limit)
	if err != nil {
		return nil, errors.Wrap(err, "find due triggers")
	}
	return scanTriggers(rows)
}

// FindDueAfter returns the due triggers that sort after the row after, in
// the same order as FindDue.
func (s *Store) FindDueAfter(ctx context.Context, now time.Time, after domain.Trigger, limit int) ([]domain.Trigger, error) {
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, s.q.findDueAfter, ms, ms,
		after.NextFireTime.UnixMilli(), after.Namespace, after.FlowID, after.TriggerID,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "find due triggers")
	}
	return scanTriggers(rows)
}

// Claim takes the lease on ref if it is still due and unleased at now.
func (s *Store) Claim(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time, lease time.Duration) (bool, error) {
	ms := now.UnixMilli()
	return s.execOne(ctx, "claim", s.q.claim,
		owner, now.Add(lease).UnixMilli(), ms, ms,
		ref.Namespace, ref.FlowID, ref.TriggerID,
		ms, ms,
	)
}

func (s *Store) RenewLease(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time, lease time.Duration) (bool, error) {
	return s.execOne(ctx, "renew lease", s.q.renew,
		now.Add(lease).UnixMilli(), now.UnixMilli(),
		ref.Namespace, ref.FlowID, ref.TriggerID,
		owner,
	)
}

// CommitFire clears the lease and advances the schedule to next. A false
// result means another instance owns the row now.
func (s *Store) CommitFire(ctx context.Context, ref domain.TriggerRef, owner string, now, next time.Time, executionID string) (bool, error) {
	ms := now.UnixMilli()
	return s.execOne(ctx, "commit fire", s.q.commit,
		next.UnixMilli(), ms, nullString(executionID), ms,
		ref.Namespace, ref.FlowID, ref.TriggerID,
		owner,
	)
}

// Skip clears the lease and moves nextFireTime to next without recording a
// fire.
func (s *Store) Skip(ctx context.Context, ref domain.TriggerRef, owner string, now, next time.Time) (bool, error) {
	return s.execOne(ctx, "skip", s.q.skip,
		next.UnixMilli(), now.UnixMilli(),
		ref.Namespace, ref.FlowID, ref.TriggerID,
		owner,
	)
}

func (s *Store) Release(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time) (bool, error) {
	return s.execOne(ctx, "release", s.q.release,
		now.UnixMilli(),
		ref.Namespace, ref.FlowID, ref.TriggerID,
		owner,
	)
}

// Flag records reason and releases the lease without advancing, leaving the
// trigger due until its definition is corrected.
func (s *Store) Flag(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time, reason string) (bool, error) {
	return s.execOne(ctx, "flag", s.q.flag,
		reason, now.UnixMilli(),
		ref.Namespace, ref.FlowID, ref.TriggerID,
		owner,
	)
}

// EnsureTrigger inserts t unless a row with the same key exists.
func (s *Store) EnsureTrigger(ctx context.Context, t domain.Trigger) (bool, error) {
	created := t.CreatedAt.UnixMilli()
	return s.execOne(ctx, "ensure trigger", s.q.ensure,
		t.Namespace, t.FlowID, t.TriggerID, t.Schedule, t.FlowRevision,
		t.NextFireTime.UnixMilli(), created, created,
	)
}

// ResetSchedule replaces the schedule of an unleased trigger. A row already
// written by a newer flow revision is left alone.
func (s *Store) ResetSchedule(ctx context.Context, ref domain.TriggerRef, schedule string, revision int, next, now time.Time) (bool, error) {
	return s.execOne(ctx, "reset schedule", s.q.reset,
		schedule, revision, next.UnixMilli(), now.UnixMilli(),
		ref.Namespace, ref.FlowID, ref.TriggerID,
		now.UnixMilli(), revision,
	)
}

func (s *Store) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, s.q.list)
	if err != nil {
		return nil, errors.Wrap(err, "list triggers")
	}
	return scanTriggers(rows)
}

// GetTrigger returns sql.ErrNoRows (wrapped) when the row does not exist.
func (s *Store) GetTrigger(ctx context.Context, ref domain.TriggerRef) (domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, s.q.get, ref.Namespace, ref.FlowID, ref.TriggerID)
	if err != nil {
		return domain.Trigger{}, errors.Wrap(err, "get trigger")
	}
	ts, err := scanTriggers(rows)
	if err != nil {
		return domain.Trigger{}, err
	}
	if len(ts) == 0 {
		return domain.Trigger{}, errors.Wrapf(sql.ErrNoRows, "trigger %s", ref)
	}
	return ts[0], nil
}

// UpdateExecutionStatus records the state reported by the execution engine.
// A terminal status is never overwritten; false means no row accepted it.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q.updateStatus, string(status), now.UnixMilli(), executionID)
	if err != nil {
		return false, errors.Wrap(err, "update execution status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "update execution status")
	}
	return n > 0, nil
}

// Now reads the database clock.
func (s *Store) Now(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := s.db.QueryRowContext(ctx, s.q.nowMs).Scan(&ms); err != nil {
		return time.Time{}, errors.Wrap(err, "read database clock")
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	return n == 1, nil
}

func scanTriggers(rows *sql.Rows) ([]domain.Trigger, error) {
	defer rows.Close()

	var out []domain.Trigger
	for rows.Next() {
		var (
			t                                  domain.Trigger
			nextFire, created, updated         int64
			lockOwner, execID, execStatus, msg sql.NullString
			lockExpiry, evaluated, fired       sql.NullInt64
		)
		err := rows.Scan(
			&t.Namespace, &t.FlowID, &t.TriggerID, &t.Schedule, &t.FlowRevision, &nextFire,
			&lockOwner, &lockExpiry, &evaluated, &fired,
			&execID, &execStatus, &msg,
			&created, &updated,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan trigger")
		}
		t.NextFireTime = fromMillis(nextFire)
		t.LockOwner = lockOwner.String
		t.LockExpiry = fromNullMillis(lockExpiry)
		t.LastEvaluatedAt = fromNullMillis(evaluated)
		t.LastFiredAt = fromNullMillis(fired)
		t.LastExecutionID = execID.String
		t.LastExecutionStatus = domain.ExecutionStatus(execStatus.String)
		t.LastError = msg.String
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate triggers")
	}
	return out, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
