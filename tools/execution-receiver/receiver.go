package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/dispatcher"
	"github.com/djlord-it/flowsched/internal/domain"
)

const (
	maxStored   = 50
	maxBodySize = 1 << 20
)

type receivedRequest struct {
	Timestamp   string `json:"timestamp"`
	ExecutionID string `json:"execution_id"`
	Trigger     string `json:"trigger"`
	ScheduledAt string `json:"scheduled_at"`
	Duplicate   bool   `json:"duplicate"`
}

type stats struct {
	Received     int64             `json:"received"`
	Duplicates   int64             `json:"duplicates"`
	Rejected     int64             `json:"rejected"`
	LastRequests []receivedRequest `json:"last_requests"`
	Since        string            `json:"since"`
}

// Receiver is a stand-in execution engine for local runs and load tests.
// It verifies signatures, deduplicates by idempotency key and, when a
// callback URL is set, reports each execution as running then success.
type Receiver struct {
	secret        string
	callbackURL   string
	callbackDelay time.Duration
	client        *http.Client
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.Mutex
	byKey    map[string]string
	st       stats
	since    time.Time
	inflight sync.WaitGroup
}

func NewReceiver(secret, callbackURL string, callbackDelay time.Duration, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver{
		secret:        secret,
		callbackURL:   strings.TrimRight(callbackURL, "/"),
		callbackDelay: callbackDelay,
		client:        &http.Client{Timeout: 5 * time.Second},
		logger:        logger,
		now:           time.Now,
	}
	r.reset()
	return r
}

func (r *Receiver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[string]string)
	r.st = stats{}
	r.since = r.now().UTC()
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/executions" && req.Method == http.MethodPost:
		r.create(w, req)
	case req.URL.Path == "/stats" && req.Method == http.MethodGet:
		r.stats(w)
	case req.URL.Path == "/reset" && req.Method == http.MethodPost:
		r.reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	case req.URL.Path == "/health" && req.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (r *Receiver) create(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	if r.secret != "" && !dispatcher.VerifySignature(r.secret, body, req.Header.Get(dispatcher.HeaderSignature)) {
		r.mu.Lock()
		r.st.Rejected++
		r.mu.Unlock()
		r.logger.Warn("rejected unsigned or badly signed request", zap.String("trigger", req.Header.Get(dispatcher.HeaderTrigger)))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var er domain.ExecutionRequest
	if err := json.Unmarshal(body, &er); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	key := req.Header.Get(dispatcher.HeaderIdempotencyKey)
	if key == "" {
		key = er.IdempotencyKey
	}

	r.mu.Lock()
	id, duplicate := r.byKey[key]
	if !duplicate {
		id = uuid.NewString()
		if key != "" {
			r.byKey[key] = id
		}
		r.st.Received++
	} else {
		r.st.Duplicates++
	}
	r.st.LastRequests = append(r.st.LastRequests, receivedRequest{
		Timestamp:   r.now().UTC().Format(time.RFC3339Nano),
		ExecutionID: id,
		Trigger:     er.Trigger.String(),
		ScheduledAt: er.ScheduledAt.UTC().Format(time.RFC3339),
		Duplicate:   duplicate,
	})
	if len(r.st.LastRequests) > maxStored {
		r.st.LastRequests = r.st.LastRequests[len(r.st.LastRequests)-maxStored:]
	}
	r.mu.Unlock()

	r.logger.Info("execution requested",
		zap.String("execution_id", id),
		zap.Stringer("trigger", er.Trigger),
		zap.Time("scheduled_at", er.ScheduledAt),
		zap.Bool("duplicate", duplicate))

	if duplicate {
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}
	if r.callbackURL != "" {
		r.inflight.Add(1)
		time.AfterFunc(r.callbackDelay, func() {
			defer r.inflight.Done()
			r.report(id)
		})
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// report posts running then success for id to the scheduler's status
// endpoint.
func (r *Receiver) report(id string) {
	for _, status := range []domain.ExecutionStatus{domain.ExecutionStatusRunning, domain.ExecutionStatusSuccess} {
		body, _ := json.Marshal(map[string]string{"status": string(status)})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			r.callbackURL+"/executions/"+id+"/status", bytes.NewReader(body))
		if err != nil {
			cancel()
			r.logger.Error("build status callback", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(req)
		cancel()
		if err != nil {
			r.logger.Warn("status callback failed", zap.String("execution_id", id), zap.Error(err))
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			r.logger.Warn("status callback rejected",
				zap.String("execution_id", id),
				zap.String("status", string(status)),
				zap.Int("code", resp.StatusCode))
			return
		}
	}
}

// Wait blocks until every scheduled status callback has run.
func (r *Receiver) Wait() {
	r.inflight.Wait()
}

func (r *Receiver) stats(w http.ResponseWriter) {
	r.mu.Lock()
	s := r.st
	s.LastRequests = append([]receivedRequest(nil), r.st.LastRequests...)
	s.Since = r.since.Format(time.RFC3339)
	r.mu.Unlock()

	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
