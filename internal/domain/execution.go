package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusCreated ExecutionStatus = "created"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusKilled  ExecutionStatus = "killed"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusKilled:
		return true
	}
	return false
}

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusCreated, ExecutionStatusRunning,
		ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusKilled:
		return true
	}
	return false
}

// ExecutionRequest is what the scheduler hands to the execution-creation
// collaborator when a trigger fires.
type ExecutionRequest struct {
	Trigger        TriggerRef        `json:"trigger"`
	ScheduledAt    time.Time         `json:"scheduled_at"` // the nextFireTime that fired (UTC)
	FiredAt        time.Time         `json:"fired_at"`
	Labels         map[string]string `json:"labels,omitempty"`
	Payload        map[string]any    `json:"payload,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	SchedulerID    string            `json:"scheduler_id"`
}

// ExecutionHandle is the opaque reference returned once an execution exists.
type ExecutionHandle struct {
	ID string `json:"id"`
}

// IdempotencyKey is stable for a trigger and scheduled instant, so a
// receiver can drop a duplicate created after a lost lease.
func IdempotencyKey(ref TriggerRef, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%d", ref.String(), scheduledAt.UTC().UnixMilli())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
