package condition

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/flowsched/internal/domain"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func listener(payload map[string]any, conds ...domain.Condition) *domain.Listener {
	raw, _ := json.Marshal(payload)
	return &domain.Listener{
		Ref:         domain.TriggerRef{Namespace: "team", FlowID: "etl", TriggerID: "nightly"},
		Conditions:  conds,
		Payload:     payload,
		PayloadJSON: raw,
	}
}

func condCtx(l *domain.Listener, scheduled time.Time) domain.ConditionContext {
	return domain.ConditionContext{
		Now:         scheduled.Add(2 * time.Second),
		ScheduledAt: scheduled,
		Trigger:     l.Ref,
		FlowLabels:  map[string]string{"env": "prod"},
		Payload:     l.PayloadJSON,
	}
}

func TestEvaluate_EmptyListPasses(t *testing.T) {
	e := newEvaluator(t)
	l := listener(nil)
	ok, err := e.Evaluate(l, condCtx(l, time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	e := newEvaluator(t)
	// The second condition would fail to compile; reaching it would surface
	// as an error instead of a clean rejection.
	l := listener(nil,
		domain.Condition{Kind: domain.ConditionTimeWindow, Before: "00:01"},
		domain.Condition{Kind: domain.ConditionExpression, Expression: "this is not cel"},
	)
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := e.Evaluate(l, condCtx(l, at))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, e.programs.Len())
}

func TestEvaluate_ErrorIsRejection(t *testing.T) {
	e := newEvaluator(t)
	l := listener(nil, domain.Condition{Kind: "weather"})
	ok, err := e.Evaluate(l, condCtx(l, time.Now()))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.False(t, ok)
}

func TestExecutionStatus(t *testing.T) {
	e := newEvaluator(t)
	cond := domain.Condition{
		Kind: domain.ConditionExecutionStatus,
		In:   []domain.ExecutionStatus{domain.ExecutionStatusSuccess, domain.ExecutionStatusFailed},
	}
	l := listener(nil, cond)

	tests := []struct {
		name   string
		id     string
		status domain.ExecutionStatus
		want   bool
	}{
		{"never executed", "", "", true},
		{"still running", "e1", domain.ExecutionStatusRunning, false},
		{"finished", "e1", domain.ExecutionStatusSuccess, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := condCtx(l, time.Now())
			c.LastExecutionID = tt.id
			c.LastExecutionStatus = tt.status
			ok, err := e.Evaluate(l, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	notIn := listener(nil, domain.Condition{Kind: domain.ConditionExecutionStatus, NotIn: []domain.ExecutionStatus{domain.ExecutionStatusKilled}})
	c := condCtx(notIn, time.Now())
	c.LastExecutionID, c.LastExecutionStatus = "e2", domain.ExecutionStatusKilled
	ok, err := e.Evaluate(notIn, c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimeWindow(t *testing.T) {
	e := newEvaluator(t)
	monday := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name string
		cond domain.Condition
		at   time.Time
		want bool
	}{
		{"inside", domain.Condition{After: "09:00", Before: "17:00"}, monday(9, 0), true},
		{"before is exclusive", domain.Condition{After: "09:00", Before: "17:00"}, monday(17, 0), false},
		{"overnight late", domain.Condition{After: "22:00", Before: "06:00"}, monday(23, 30), true},
		{"overnight early", domain.Condition{After: "22:00", Before: "06:00"}, monday(5, 59), true},
		{"overnight midday", domain.Condition{After: "22:00", Before: "06:00"}, monday(12, 0), false},
		{"weekday match", domain.Condition{Days: []string{"Mon", "tue"}}, monday(12, 0), true},
		{"weekday miss", domain.Condition{Days: []string{"saturday"}}, monday(12, 0), false},
		{"timezone", domain.Condition{After: "09:00", Timezone: "Asia/Tokyo"}, monday(1, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cond.Kind = domain.ConditionTimeWindow
			l := listener(nil, tt.cond)
			ok, err := e.Evaluate(l, condCtx(l, tt.at))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	l := listener(nil, domain.Condition{Kind: domain.ConditionTimeWindow, After: "25:00"})
	_, err := e.Evaluate(l, condCtx(l, monday(1, 0)))
	assert.Error(t, err)
}

func TestExpression(t *testing.T) {
	e := newEvaluator(t)
	payload := map[string]any{"region": "eu", "batch": map[string]any{"size": 10}}
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want bool
	}{
		{`flow.labels["env"] == "prod"`, true},
		{`payload.region == "us"`, false},
		{`payload.batch.size > 5`, true},
		{`trigger.id == "nightly" && trigger.namespace == "team"`, true},
		{`trigger.scheduled_at.getHours() == 10`, true},
		{`execution.status == ""`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			l := listener(payload, domain.Condition{Kind: domain.ConditionExpression, Expression: tt.expr})
			ok, err := e.Evaluate(l, condCtx(l, at))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestExpression_Errors(t *testing.T) {
	e := newEvaluator(t)
	for _, expr := range []string{`payload.region +`, `"not a bool"`, `payload.missing.field == 1`} {
		l := listener(map[string]any{"region": "eu"}, domain.Condition{Kind: domain.ConditionExpression, Expression: expr})
		ok, err := e.Evaluate(l, condCtx(l, time.Now()))
		assert.Error(t, err, expr)
		assert.False(t, ok, expr)
	}
}

func TestExpression_ProgramCached(t *testing.T) {
	e := newEvaluator(t)
	l := listener(nil, domain.Condition{Kind: domain.ConditionExpression, Expression: `true`})
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(l, condCtx(l, time.Now()))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.programs.Len())
}

func TestPayloadMatch(t *testing.T) {
	e := newEvaluator(t)
	yes, no := true, false
	payload := map[string]any{"target": map[string]any{"env": "staging"}, "tags": []any{"a", "b"}}

	tests := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"equals", domain.Condition{Path: "target.env", Equals: "staging"}, true},
		{"not equal", domain.Condition{Path: "target.env", Equals: "prod"}, false},
		{"array index", domain.Condition{Path: "tags.1", Equals: "b"}, true},
		{"exists", domain.Condition{Path: "target", Exists: &yes}, true},
		{"absent", domain.Condition{Path: "owner", Exists: &no}, true},
		{"missing path", domain.Condition{Path: "owner", Equals: ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cond.Kind = domain.ConditionPayloadMatch
			l := listener(payload, tt.cond)
			ok, err := e.Evaluate(l, condCtx(l, time.Now()))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestValidate(t *testing.T) {
	e := newEvaluator(t)
	assert.NoError(t, e.Validate([]domain.Condition{
		{Kind: domain.ConditionExpression, Expression: `payload.x == 1`},
		{Kind: domain.ConditionTimeWindow, After: "08:00"},
	}))
	assert.Error(t, e.Validate([]domain.Condition{{Kind: domain.ConditionExpression, Expression: `(`}}))
	assert.Error(t, e.Validate([]domain.Condition{{Kind: domain.ConditionTimeWindow, Days: []string{"someday"}}}))
}
