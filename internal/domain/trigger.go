package domain

import (
	"time"
)

// TriggerRef identifies one trigger of one flow.
type TriggerRef struct {
	Namespace string `json:"namespace"`
	FlowID    string `json:"flow_id"`
	TriggerID string `json:"trigger_id"`
}

func (r TriggerRef) FlowKey() string {
	return FlowKey(r.Namespace, r.FlowID)
}

func (r TriggerRef) String() string {
	return r.Namespace + "/" + r.FlowID + "/" + r.TriggerID
}

// FlowKey is the index key of a flow: "namespace/flow".
func FlowKey(namespace, flowID string) string {
	return namespace + "/" + flowID
}

// Trigger is the durable schedule and lease state of a trigger. It is the
// row shared by every scheduler instance.
type Trigger struct {
	TriggerRef

	Schedule     string
	NextFireTime time.Time

	// FlowRevision is the revision of the flow that last set Schedule.
	FlowRevision int

	// LockOwner is empty when no instance holds a lease. The lease is valid
	// only while now < LockExpiry.
	LockOwner  string
	LockExpiry time.Time

	LastEvaluatedAt time.Time
	LastFiredAt     time.Time

	LastExecutionID     string
	LastExecutionStatus ExecutionStatus
	LastError           string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Claimable reports whether no valid lease blocks a claim at now.
func (t Trigger) Claimable(now time.Time) bool {
	return t.LockOwner == "" || t.LockExpiry.Before(now)
}

// After reports whether t sorts after other in due order: nextFireTime,
// then namespace, flow and trigger id.
func (t Trigger) After(other Trigger) bool {
	if !t.NextFireTime.Equal(other.NextFireTime) {
		return t.NextFireTime.After(other.NextFireTime)
	}
	if t.Namespace != other.Namespace {
		return t.Namespace > other.Namespace
	}
	if t.FlowID != other.FlowID {
		return t.FlowID > other.FlowID
	}
	return t.TriggerID > other.TriggerID
}

// Due reports whether the trigger should be evaluated at now.
func (t Trigger) Due(now time.Time) bool {
	return !t.NextFireTime.After(now) && t.Claimable(now)
}

// CatchUpPolicy decides how a trigger that slipped several periods behind
// is advanced after it fires.
type CatchUpPolicy string

const (
	// CatchUpCollapse fires once and jumps to the first instant after now.
	CatchUpCollapse CatchUpPolicy = "collapse"
	// CatchUpAll fires once per missed instant, one per tick.
	CatchUpAll CatchUpPolicy = "all"
)

func (p CatchUpPolicy) Valid() bool {
	switch p {
	case CatchUpCollapse, CatchUpAll:
		return true
	}
	return false
}
