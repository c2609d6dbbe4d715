package remote

import (
	"errors"
	"fmt"
)

// ErrRateLimited marks a 429 or 503 from the task status endpoint.
var ErrRateLimited = errors.New("remote rate limited")

// AuthError means no usable credential exists for a system.
type AuthError struct {
	SystemID int64
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("system %d needs re-authentication: %s", e.SystemID, e.Reason)
}

// RequestError is a non-2xx answer from the remote API.
type RequestError struct {
	Op     string
	Status int
	Body   []byte
}

func (e *RequestError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.Status, body)
}

// IsClientError reports a 4xx, i.e. the request itself was rejected.
func (e *RequestError) IsClientError() bool { return e.Status >= 400 && e.Status < 500 }

// IsTransient reports a 5xx the caller may retry.
func (e *RequestError) IsTransient() bool { return e.Status >= 500 }

// JobFailedError is a job the remote service reported as FAILURE.
type JobFailedError struct {
	JobID   string
	Payload []byte
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("remote job %s failed", e.JobID)
}

// TimeoutError is returned when polling gave up before the job finished.
// The job may still complete remotely.
type TimeoutError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote job %s still running after %d polls: %v", e.JobID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("remote job %s still running after %d polls", e.JobID, e.Attempts)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
