// Package condition evaluates listener condition lists.
package condition

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/cel-go/cel"
	"github.com/jellydator/ttlcache/v3"

	"github.com/djlord-it/flowsched/internal/domain"
)

var ErrUnknownKind = errors.New("unknown condition kind")

const (
	defaultProgramTTL      = time.Hour
	defaultProgramCapacity = 1024
	defaultCostLimit       = 100_000
)

// Evaluator is safe for concurrent use. It performs no I/O: compiled CEL
// programs are memoized in memory.
type Evaluator struct {
	env       *cel.Env
	programs  *ttlcache.Cache[string, cel.Program]
	costLimit uint64
}

type Option func(*Evaluator)

// WithCostLimit bounds the runtime cost of a single expression.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) { e.costLimit = limit }
}

func NewEvaluator(opts ...Option) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("trigger", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("flow", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("execution", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}

	e := &Evaluator{
		env: env,
		programs: ttlcache.New(
			ttlcache.WithTTL[string, cel.Program](defaultProgramTTL),
			ttlcache.WithCapacity[string, cel.Program](defaultProgramCapacity),
		),
		costLimit: defaultCostLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate ANDs the listener's conditions in declaration order and stops at
// the first one that does not pass. An error means the listener did not pass;
// conditions after the failing one are never evaluated.
func (e *Evaluator) Evaluate(l *domain.Listener, c domain.ConditionContext) (bool, error) {
	for i, cond := range l.Conditions {
		ok, err := e.check(cond, l, c)
		if err != nil {
			return false, errors.Wrapf(err, "condition %d (%s)", i, cond.Kind)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) check(cond domain.Condition, l *domain.Listener, c domain.ConditionContext) (bool, error) {
	switch cond.Kind {
	case domain.ConditionExecutionStatus:
		return executionStatus(cond, c), nil
	case domain.ConditionTimeWindow:
		return timeWindow(cond, c.ScheduledAt)
	case domain.ConditionExpression:
		return e.expression(cond.Expression, l, c)
	case domain.ConditionPayloadMatch:
		return payloadMatch(cond, c.Payload), nil
	default:
		return false, errors.Wrapf(ErrUnknownKind, "%q", cond.Kind)
	}
}

// Validate checks conds statically and compiles their expressions, so a
// broken definition is rejected before it is due.
func (e *Evaluator) Validate(conds []domain.Condition) error {
	for i, cond := range conds {
		if err := cond.Validate(); err != nil {
			return errors.Wrapf(err, "condition %d", i)
		}
		switch cond.Kind {
		case domain.ConditionExpression:
			if _, err := e.program(cond.Expression); err != nil {
				return errors.Wrapf(err, "condition %d", i)
			}
		case domain.ConditionTimeWindow:
			if _, err := parseWindow(cond); err != nil {
				return errors.Wrapf(err, "condition %d", i)
			}
		}
	}
	return nil
}

// execution_status passes when the trigger has never produced an execution.
func executionStatus(cond domain.Condition, c domain.ConditionContext) bool {
	if c.LastExecutionID == "" {
		return true
	}
	status := c.LastExecutionStatus
	if len(cond.In) > 0 && !containsStatus(cond.In, status) {
		return false
	}
	return !containsStatus(cond.NotIn, status)
}

func containsStatus(list []domain.ExecutionStatus, s domain.ExecutionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
