package flowindex

import (
	"sort"
	"time"

	"github.com/djlord-it/flowsched/internal/domain"
)

// Snapshot is an immutable view of every enabled flow and its listeners.
// A refresh builds a new Snapshot; existing ones are never modified.
type Snapshot struct {
	Generation uint64
	BuiltAt    time.Time

	flows     map[string]*domain.FlowListenerSnapshot
	listeners int
}

func newSnapshot(gen uint64, builtAt time.Time, flows map[string]*domain.FlowListenerSnapshot) *Snapshot {
	n := 0
	for _, f := range flows {
		n += len(f.Listeners())
	}
	return &Snapshot{Generation: gen, BuiltAt: builtAt, flows: flows, listeners: n}
}

func (s *Snapshot) Flow(key string) (*domain.FlowListenerSnapshot, bool) {
	f, ok := s.flows[key]
	return f, ok
}

// Lookup returns the listener for ref. ok is false when the flow is not
// enabled or the trigger is absent or disabled.
func (s *Snapshot) Lookup(ref domain.TriggerRef) (*domain.Listener, *domain.FlowListenerSnapshot, bool) {
	f, ok := s.flows[ref.FlowKey()]
	if !ok {
		return nil, nil, false
	}
	l, ok := f.Listener(ref.TriggerID)
	if !ok {
		return nil, nil, false
	}
	return l, f, true
}

// Flows returns the flows ordered by key.
func (s *Snapshot) Flows() []*domain.FlowListenerSnapshot {
	out := make([]*domain.FlowListenerSnapshot, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (s *Snapshot) Len() int       { return len(s.flows) }
func (s *Snapshot) Listeners() int { return s.listeners }

func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.BuiltAt)
}
