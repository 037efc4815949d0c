package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ConditionKind tags a Condition. The set is closed: the evaluator handles
// every kind listed here and rejects anything else.
type ConditionKind string

const (
	ConditionExecutionStatus ConditionKind = "execution_status"
	ConditionTimeWindow      ConditionKind = "time_window"
	ConditionExpression      ConditionKind = "expression"
	ConditionPayloadMatch    ConditionKind = "payload_match"
)

// Condition is one entry of a listener's condition list. Only the fields of
// its Kind are meaningful.
type Condition struct {
	Kind ConditionKind `yaml:"kind" json:"kind"`

	// execution_status
	In    []ExecutionStatus `yaml:"in,omitempty" json:"in,omitempty"`
	NotIn []ExecutionStatus `yaml:"not_in,omitempty" json:"not_in,omitempty"`

	// time_window
	After    string   `yaml:"after,omitempty" json:"after,omitempty"`   // HH:MM, inclusive
	Before   string   `yaml:"before,omitempty" json:"before,omitempty"` // HH:MM, exclusive
	Days     []string `yaml:"days,omitempty" json:"days,omitempty"`
	Timezone string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// expression
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	// payload_match
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Equals string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Exists *bool  `yaml:"exists,omitempty" json:"exists,omitempty"`
}

func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionExecutionStatus:
		if len(c.In) == 0 && len(c.NotIn) == 0 {
			return errors.New("execution_status needs in or not_in")
		}
	case ConditionTimeWindow:
		if c.After == "" && c.Before == "" && len(c.Days) == 0 {
			return errors.New("time_window needs after, before or days")
		}
	case ConditionExpression:
		if c.Expression == "" {
			return errors.New("expression is required")
		}
	case ConditionPayloadMatch:
		if c.Path == "" {
			return errors.New("payload_match needs path")
		}
	default:
		return errors.Newf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// ConditionContext is everything a condition may look at. It is built by the
// scheduler from the claimed trigger row and the listener.
type ConditionContext struct {
	Now         time.Time
	ScheduledAt time.Time
	Trigger     TriggerRef
	FlowLabels  map[string]string

	LastExecutionID     string
	LastExecutionStatus ExecutionStatus

	// Payload is the listener payload encoded as JSON.
	Payload []byte
}
