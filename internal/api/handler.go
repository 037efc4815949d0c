package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/circuitbreaker"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/flowindex"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	ListTriggers(ctx context.Context) ([]domain.Trigger, error)
	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, now time.Time) (bool, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Index interface {
	Current() *flowindex.Snapshot
}

// RunState reports whether the scheduler loop is running.
type RunState interface {
	IsRunning() bool
}

// Breakers lists the circuits that are not closed.
type Breakers interface {
	Open() map[string]circuitbreaker.State
}

type Handler struct {
	store  Store
	index  Index
	logger *zap.Logger
	now    func() time.Time

	db        HealthChecker
	scheduler RunState
	breakers  Breakers

	// maxSnapshotAge marks the index degraded when its snapshot is older.
	maxSnapshotAge time.Duration
}

func NewHandler(store Store, index Index, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:  store,
		index:  index,
		logger: logger,
		now:    time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithScheduler(s RunState) *Handler {
	h.scheduler = s
	return h
}

func (h *Handler) WithBreakers(b Breakers) *Handler {
	h.breakers = b
	return h
}

// WithMaxSnapshotAge reports the index as stale in verbose /health once its
// snapshot is older than d. Zero disables the check.
func (h *Handler) WithMaxSnapshotAge(d time.Duration) *Handler {
	h.maxSnapshotAge = d
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.now = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/triggers" && r.Method == http.MethodGet:
		h.listTriggers(w, r)

	case path == "/flows" && r.Method == http.MethodGet:
		h.listFlows(w, r)

	case strings.HasPrefix(path, "/executions/") && strings.HasSuffix(path, "/status") && r.Method == http.MethodPost:
		h.updateExecutionStatus(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}
	degrade := func(component, msg string) {
		resp.Status = "degraded"
		resp.Components[component] = msg
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.db.Ping(ctx); err != nil {
			degrade("database", "unhealthy: "+err.Error())
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	if h.scheduler != nil {
		if h.scheduler.IsRunning() {
			resp.Components["scheduler"] = "running"
		} else {
			degrade("scheduler", "stopped")
		}
	}

	snap := h.index.Current()
	switch {
	case snap == nil:
		degrade("flow_index", "not loaded")
	case h.maxSnapshotAge > 0 && snap.Age(h.now()) > h.maxSnapshotAge:
		degrade("flow_index", "stale: built "+snap.Age(h.now()).Truncate(time.Second).String()+" ago")
	default:
		resp.Components["flow_index"] = "healthy: " + strconv.Itoa(snap.Len()) + " flows, " +
			strconv.Itoa(snap.Listeners()) + " listeners"
	}

	// Open circuits are listed without degrading the instance.
	if h.breakers != nil {
		open := h.breakers.Open()
		keys := make([]string, 0, len(open))
		for k := range open {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			resp.Components["circuit:"+k] = open[k].String()
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	triggers, err := h.store.ListTriggers(r.Context())
	if err != nil {
		h.logger.Error("list triggers failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list triggers")
		return
	}

	namespace := r.URL.Query().Get("namespace")
	flowID := r.URL.Query().Get("flow")
	filtered := make([]domain.Trigger, 0, len(triggers))
	for _, t := range triggers {
		if namespace != "" && t.Namespace != namespace {
			continue
		}
		if flowID != "" && t.FlowID != flowID {
			continue
		}
		filtered = append(filtered, t)
	}

	resp := ListTriggersResponse{Triggers: []TriggerResponse{}, Total: len(filtered)}
	if offset < len(filtered) {
		end := min(offset+limit, len(filtered))
		for _, t := range filtered[offset:end] {
			resp.Triggers = append(resp.Triggers, toTriggerResponse(t))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func toTriggerResponse(t domain.Trigger) TriggerResponse {
	return TriggerResponse{
		Namespace:           t.Namespace,
		FlowID:              t.FlowID,
		TriggerID:           t.TriggerID,
		Schedule:            t.Schedule,
		FlowRevision:        t.FlowRevision,
		NextFireTime:        formatTime(t.NextFireTime),
		LockOwner:           t.LockOwner,
		LockExpiry:          formatTime(t.LockExpiry),
		LastFiredAt:         formatTime(t.LastFiredAt),
		LastExecutionID:     t.LastExecutionID,
		LastExecutionStatus: string(t.LastExecutionStatus),
		LastError:           t.LastError,
	}
}

func (h *Handler) listFlows(w http.ResponseWriter, _ *http.Request) {
	snap := h.index.Current()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "flow index not loaded")
		return
	}

	resp := ListFlowsResponse{
		Generation: snap.Generation,
		BuiltAt:    formatTime(snap.BuiltAt),
		Flows:      make([]FlowResponse, 0, snap.Len()),
	}
	for _, f := range snap.Flows() {
		fr := FlowResponse{
			Namespace: f.Namespace,
			FlowID:    f.FlowID,
			Revision:  f.Revision,
			Labels:    f.Labels,
		}
		for _, l := range f.Listeners() {
			lr := ListenerResponse{
				TriggerID:  l.Ref.TriggerID,
				Schedule:   l.Schedule,
				Timezone:   l.Timezone,
				CatchUp:    string(l.CatchUp),
				Conditions: len(l.Conditions),
			}
			if l.RecurrenceErr != nil {
				lr.Error = l.RecurrenceErr.Error()
			}
			fr.Listeners = append(fr.Listeners, lr)
		}
		resp.Flows = append(resp.Flows, fr)
	}

	writeJSON(w, http.StatusOK, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) updateExecutionStatus(w http.ResponseWriter, r *http.Request) {
	// Extract execution ID from path: /executions/{id}/status
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "executions" || parts[2] != "status" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	executionID := parts[1]
	if err := validateExecutionID(executionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	status, err := validateStatusUpdate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := h.store.UpdateExecutionStatus(r.Context(), executionID, status, h.now().UTC())
	if err != nil {
		h.logger.Error("update execution status failed",
			zap.String("execution_id", executionID),
			zap.String("status", string(status)),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update execution status")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found or already terminal")
		return
	}

	h.logger.Debug("execution status updated",
		zap.String("execution_id", executionID),
		zap.String("status", string(status)))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
