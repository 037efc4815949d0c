package api

import "time"

type TriggerResponse struct {
	Namespace           string `json:"namespace"`
	FlowID              string `json:"flow_id"`
	TriggerID           string `json:"trigger_id"`
	Schedule            string `json:"schedule"`
	FlowRevision        int    `json:"flow_revision"`
	NextFireTime        string `json:"next_fire_time"`
	LockOwner           string `json:"lock_owner,omitempty"`
	LockExpiry          string `json:"lock_expiry,omitempty"`
	LastFiredAt         string `json:"last_fired_at,omitempty"`
	LastExecutionID     string `json:"last_execution_id,omitempty"`
	LastExecutionStatus string `json:"last_execution_status,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
	Total    int               `json:"total"`
}

type ListenerResponse struct {
	TriggerID  string `json:"trigger_id"`
	Schedule   string `json:"schedule"`
	Timezone   string `json:"timezone,omitempty"`
	CatchUp    string `json:"catch_up"`
	Conditions int    `json:"conditions"`
	Error      string `json:"error,omitempty"`
}

type FlowResponse struct {
	Namespace string             `json:"namespace"`
	FlowID    string             `json:"flow_id"`
	Revision  int                `json:"revision"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Listeners []ListenerResponse `json:"listeners"`
}

type ListFlowsResponse struct {
	Generation uint64         `json:"generation"`
	BuiltAt    string         `json:"built_at"`
	Flows      []FlowResponse `json:"flows"`
}

// UpdateStatusRequest is the body the execution engine posts when an
// execution changes state.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// formatTime renders t as RFC3339 UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
