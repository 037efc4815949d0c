package domain

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Flow is the subset of a flow definition the scheduler consumes.
type Flow struct {
	Namespace string            `yaml:"namespace" json:"namespace"`
	ID        string            `yaml:"id" json:"id"`
	Revision  int               `yaml:"revision" json:"revision"`
	Disabled  bool              `yaml:"disabled" json:"disabled"`
	Labels    map[string]string `yaml:"labels" json:"labels,omitempty"`
	Triggers  []TriggerDef      `yaml:"triggers" json:"triggers"`
}

func (f Flow) Key() string {
	return FlowKey(f.Namespace, f.ID)
}

// TriggerDef is a trigger as declared on a flow.
type TriggerDef struct {
	ID         string         `yaml:"id" json:"id"`
	Schedule   string         `yaml:"schedule" json:"schedule"`
	Timezone   string         `yaml:"timezone" json:"timezone,omitempty"`
	Disabled   bool           `yaml:"disabled" json:"disabled"`
	CatchUp    CatchUpPolicy  `yaml:"catch_up" json:"catch_up,omitempty"`
	Conditions []Condition    `yaml:"conditions" json:"conditions,omitempty"`
	Payload    map[string]any `yaml:"payload" json:"payload,omitempty"`
}

// Validate checks the structural fields of a flow. Recurrence rules are
// checked by the parser, not here.
func (f Flow) Validate() error {
	var problems []string
	if f.Namespace == "" {
		problems = append(problems, "namespace is required")
	}
	if f.ID == "" {
		problems = append(problems, "id is required")
	}
	seen := make(map[string]bool, len(f.Triggers))
	for i, t := range f.Triggers {
		if t.ID == "" {
			problems = append(problems, "triggers["+strconv.Itoa(i)+"].id is required")
			continue
		}
		if seen[t.ID] {
			problems = append(problems, "duplicate trigger id "+t.ID)
		}
		seen[t.ID] = true
		if t.Schedule == "" {
			problems = append(problems, "trigger "+t.ID+": schedule is required")
		}
		if t.CatchUp != "" && !t.CatchUp.Valid() {
			problems = append(problems, "trigger "+t.ID+": unknown catch_up "+string(t.CatchUp))
		}
		for j, c := range t.Conditions {
			if err := c.Validate(); err != nil {
				problems = append(problems, "trigger "+t.ID+": conditions["+strconv.Itoa(j)+"]: "+err.Error())
			}
		}
	}
	if len(problems) > 0 {
		return errors.Newf("flow %s: %s", f.Key(), strings.Join(problems, "; "))
	}
	return nil
}
