package sqlstore

// Timestamps are BIGINT epoch milliseconds on every engine. Queries are
// written with '?' placeholders and rebound per dialect.

const triggerColumns = `
    namespace, flow_id, trigger_id, schedule_spec, flow_revision, next_fire_at,
    lock_owner, lock_expiry, last_evaluated_at, last_fired_at,
    last_execution_id, last_execution_status, last_error,
    created_at, updated_at`

// A row is claimable when no lease is held or the lease expired strictly
// before now. findDue and claim share this predicate.
const claimablePredicate = `next_fire_at <= ? AND (lock_owner IS NULL OR lock_expiry < ?)`

const keyPredicate = `namespace = ? AND flow_id = ? AND trigger_id = ?`

// Due rows are returned in key order so a scan can resume after the last
// row it saw.
const dueOrder = `ORDER BY next_fire_at, namespace, flow_id, trigger_id`

const queryFindDue = `
SELECT` + triggerColumns + `
FROM flow_triggers
WHERE ` + claimablePredicate + `
` + dueOrder + `
LIMIT ?
`

const queryFindDueAfter = `
SELECT` + triggerColumns + `
FROM flow_triggers
WHERE ` + claimablePredicate + `
  AND (next_fire_at, namespace, flow_id, trigger_id) > (?, ?, ?, ?)
` + dueOrder + `
LIMIT ?
`

const queryClaim = `
UPDATE flow_triggers
SET lock_owner = ?, lock_expiry = ?, last_evaluated_at = ?, updated_at = ?
WHERE ` + keyPredicate + `
  AND ` + claimablePredicate

const queryRenewLease = `
UPDATE flow_triggers
SET lock_expiry = ?, updated_at = ?
WHERE ` + keyPredicate + `
  AND lock_owner = ?
`

const queryCommitFire = `
UPDATE flow_triggers
SET next_fire_at = ?, lock_owner = NULL, lock_expiry = NULL,
    last_fired_at = ?, last_execution_id = ?, last_execution_status = 'created',
    last_error = NULL, updated_at = ?
WHERE ` + keyPredicate + `
  AND lock_owner = ?
`

const querySkip = `
UPDATE flow_triggers
SET next_fire_at = ?, lock_owner = NULL, lock_expiry = NULL, updated_at = ?
WHERE ` + keyPredicate + `
  AND lock_owner = ?
`

const queryRelease = `
UPDATE flow_triggers
SET lock_owner = NULL, lock_expiry = NULL, updated_at = ?
WHERE ` + keyPredicate + `
  AND lock_owner = ?
`

const queryFlag = `
UPDATE flow_triggers
SET lock_owner = NULL, lock_expiry = NULL, last_error = ?, updated_at = ?
WHERE ` + keyPredicate + `
  AND lock_owner = ?
`

const queryResetSchedule = `
UPDATE flow_triggers
SET schedule_spec = ?, flow_revision = ?, next_fire_at = ?, last_error = NULL, updated_at = ?
WHERE ` + keyPredicate + `
  AND (lock_owner IS NULL OR lock_expiry < ?)
  AND flow_revision <= ?
`

const queryListTriggers = `
SELECT` + triggerColumns + `
FROM flow_triggers
ORDER BY namespace, flow_id, trigger_id
`

const queryGetTrigger = `
SELECT` + triggerColumns + `
FROM flow_triggers
WHERE ` + keyPredicate

const queryUpdateExecutionStatus = `
UPDATE flow_triggers
SET last_execution_status = ?, updated_at = ?
WHERE last_execution_id = ?
  AND (last_execution_status IS NULL OR last_execution_status NOT IN ('success', 'failed', 'killed'))
`

const insertColumns = `namespace, flow_id, trigger_id, schedule_spec, flow_revision, next_fire_at, created_at, updated_at`

const queryMigrationApplied = `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`

const queryRecordMigration = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
