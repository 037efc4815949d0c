package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/djlord-it/flowsched/internal/domain"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTrigger        = "X-Flowsched-Trigger"
	HeaderSignature      = "X-Flowsched-Signature"

	maxResponseBody = 64 << 10
)

var ErrNoExecutionID = errors.New("response carries no execution id")

// StatusError is a non-2xx reply from the execution endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "execution endpoint returned " + strconv.Itoa(e.Code)
	}
	return "execution endpoint returned " + strconv.Itoa(e.Code) + ": " + e.Body
}

// Retryable reports whether another attempt could succeed: transport
// errors, 429 and 5xx replies. Cancellation and other 4xx replies are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, ErrNoExecutionID)
}

// WebhookCreator creates executions by POSTing the request as JSON to an
// HTTP endpoint. The reply must be 2xx with a JSON body carrying the new
// execution id as "id" or "execution.id".
type WebhookCreator struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookCreator(url, secret string, client *http.Client) *WebhookCreator {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookCreator{url: url, secret: secret, client: client}
}

func (w *WebhookCreator) Create(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionHandle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.ExecutionHandle{}, errors.Wrap(err, "marshal")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return domain.ExecutionHandle{}, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	httpReq.Header.Set(HeaderTrigger, req.Trigger.String())
	if w.secret != "" {
		httpReq.Header.Set(HeaderSignature, computeSignature(w.secret, body))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return domain.ExecutionHandle{}, errors.Wrap(err, "send")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return domain.ExecutionHandle{}, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ExecutionHandle{}, &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 256)}
	}

	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		id = gjson.GetBytes(raw, "execution.id").String()
	}
	if id == "" {
		return domain.ExecutionHandle{}, ErrNoExecutionID
	}
	return domain.ExecutionHandle{ID: id}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to check the X-Flowsched-Signature header.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
