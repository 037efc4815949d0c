package domain

import (
	"sort"
	"time"
)

// Recurrence yields the fire instants of a trigger.
type Recurrence interface {
	Next(after time.Time) time.Time
}

// Listener is the immutable, ready-to-evaluate form of one trigger of an
// enabled flow.
type Listener struct {
	Ref      TriggerRef
	Revision int
	Schedule string
	Timezone string

	// Exactly one of Recurrence and RecurrenceErr is set.
	Recurrence    Recurrence
	RecurrenceErr error

	CatchUp    CatchUpPolicy
	Conditions []Condition

	Payload     map[string]any
	PayloadJSON []byte
}

// FlowListenerSnapshot is the view of one enabled flow at the time an index
// snapshot was built. Never mutated after construction.
type FlowListenerSnapshot struct {
	Namespace string
	FlowID    string
	Revision  int
	Labels    map[string]string

	listeners map[string]*Listener
}

func NewFlowListenerSnapshot(f Flow, listeners []*Listener) *FlowListenerSnapshot {
	m := make(map[string]*Listener, len(listeners))
	for _, l := range listeners {
		m[l.Ref.TriggerID] = l
	}
	return &FlowListenerSnapshot{
		Namespace: f.Namespace,
		FlowID:    f.ID,
		Revision:  f.Revision,
		Labels:    f.Labels,
		listeners: m,
	}
}

func (s *FlowListenerSnapshot) Key() string {
	return FlowKey(s.Namespace, s.FlowID)
}

func (s *FlowListenerSnapshot) Listener(triggerID string) (*Listener, bool) {
	l, ok := s.listeners[triggerID]
	return l, ok
}

// Listeners returns the listeners ordered by trigger id.
func (s *FlowListenerSnapshot) Listeners() []*Listener {
	out := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.TriggerID < out[j].Ref.TriggerID })
	return out
}
