package versions

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the update workflow and the task event channel.
var (
	ErrNotFound              = errors.New("not found")
	ErrUpstreamUnavailable   = errors.New("upstream version source unavailable")
	ErrComponentNotInstalled = errors.New("component not installed")
	ErrBackupNotFound        = errors.New("backup not found")
	ErrUpdateExecution       = errors.New("update execution failed")
	ErrChannelConnection     = errors.New("task event channel connection failed")
	ErrInstanceRunning       = errors.New("instance is running")
	ErrInvalidTaskID         = errors.New("invalid task id")
)

// Error codes carried in the gateway's error envelope.
const (
	CodeNotFound              = "not_found"
	CodeBackupNotFound        = "backup_not_found"
	CodeComponentNotInstalled = "component_not_installed"
	CodeInstanceRunning       = "instance_running"
	CodeUpstreamUnavailable   = "upstream_unavailable"
	CodeUpdateFailed          = "update_failed"
	CodeBadRequest            = "bad_request"
	CodeInternal              = "internal_error"
)

// APIError represents a non-2xx answer from the backend gateway.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Op         string
	// BackupID is set when a failed update still produced a backup.
	BackupID string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: backend returned %d (%s): %s", e.Op, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("backend returned %d (%s): %s", e.StatusCode, e.Code, msg)
}

// Is maps the status code and error code onto the sentinel taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBackupNotFound:
		return e.Code == CodeBackupNotFound
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrComponentNotInstalled:
		return e.Code == CodeComponentNotInstalled
	case ErrInstanceRunning:
		return e.Code == CodeInstanceRunning
	case ErrUpstreamUnavailable:
		return e.Code == CodeUpstreamUnavailable ||
			e.StatusCode == http.StatusBadGateway ||
			e.StatusCode == http.StatusServiceUnavailable ||
			e.StatusCode == http.StatusGatewayTimeout
	case ErrUpdateExecution:
		return e.Code == CodeUpdateFailed
	}
	return false
}

// CodeFor returns the envelope code and HTTP status for err, used by the gateway.
func CodeFor(err error) (string, int) {
	switch {
	case errors.Is(err, ErrBackupNotFound):
		return CodeBackupNotFound, http.StatusNotFound
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, ErrComponentNotInstalled):
		return CodeComponentNotInstalled, http.StatusConflict
	case errors.Is(err, ErrInstanceRunning):
		return CodeInstanceRunning, http.StatusConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable, http.StatusBadGateway
	case errors.Is(err, ErrUpdateExecution):
		return CodeUpdateFailed, http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnknownComponent):
		return CodeBadRequest, http.StatusBadRequest
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// Retryable reports whether re-invoking the failed operation may succeed
// without any other change.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrChannelConnection)
}
