package condition

import (
	"github.com/cockroachdb/errors"
	"github.com/google/cel-go/cel"
	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"

	"github.com/djlord-it/flowsched/internal/domain"
)

func (e *Evaluator) program(expr string) (cel.Program, error) {
	if item := e.programs.Get(expr); item != nil {
		return item.Value(), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrap(issues.Err(), "compile expression")
	}
	prg, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, errors.Wrap(err, "create program")
	}

	e.programs.Set(expr, prg, ttlcache.DefaultTTL)
	return prg, nil
}

func (e *Evaluator) expression(expr string, l *domain.Listener, c domain.ConditionContext) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation(l, c))
	if err != nil {
		return false, errors.Wrap(err, "evaluate expression")
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.Newf("expression returned %T, want bool", out.Value())
	}
	return b, nil
}

func activation(l *domain.Listener, c domain.ConditionContext) map[string]any {
	labels := c.FlowLabels
	if labels == nil {
		labels = map[string]string{}
	}
	payload := l.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"trigger": map[string]any{
			"namespace":    c.Trigger.Namespace,
			"flow":         c.Trigger.FlowID,
			"id":           c.Trigger.TriggerID,
			"scheduled_at": c.ScheduledAt,
			"now":          c.Now,
		},
		"flow": map[string]any{
			"namespace": c.Trigger.Namespace,
			"id":        c.Trigger.FlowID,
			"labels":    labels,
		},
		"execution": map[string]any{
			"id":     c.LastExecutionID,
			"status": string(c.LastExecutionStatus),
		},
		"payload": payload,
	}
}

// payloadMatch reads a gjson path from the JSON payload. With Exists set it
// checks presence only; otherwise the value must be present and equal.
func payloadMatch(cond domain.Condition, payload []byte) bool {
	res := gjson.GetBytes(payload, cond.Path)
	if cond.Exists != nil {
		return res.Exists() == *cond.Exists
	}
	return res.Exists() && res.String() == cond.Equals
}
