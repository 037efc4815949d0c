package api

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/djlord-it/flowsched/internal/domain"
)

// maxExecutionIDLength bounds the path segment accepted as an execution id.
const maxExecutionIDLength = 128

func validateExecutionID(id string) error {
	if id == "" {
		return errors.New("execution id is required")
	}
	if len(id) > maxExecutionIDLength {
		return errors.Newf("execution id exceeds %d characters", maxExecutionIDLength)
	}
	if strings.ContainsAny(id, "/ \t\r\n") {
		return errors.New("execution id contains invalid characters")
	}
	return nil
}

func validateStatusUpdate(req UpdateStatusRequest) (domain.ExecutionStatus, error) {
	if req.Status == "" {
		return "", errors.New("status is required")
	}
	status := domain.ExecutionStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		return "", errors.Newf("unknown status %q", req.Status)
	}
	return status, nil
}
