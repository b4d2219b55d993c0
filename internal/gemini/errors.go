package gemini

import (
	"fmt"
	"strings"
	"time"
)

// apiErrorBody is one error entry in an API error response.
type apiErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

// AuthError marks a failed token grant or a request the API rejected as
// unauthorized even after a forced refresh. Fatal for the whole run.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("authentication failed: %s", e.Message)
	}
	return fmt.Sprintf("authentication failed (HTTP %d %s): %s", e.Status, e.Code, e.Message)
}

// TransientError covers server-side failures and connection problems worth
// retrying: 5xx, request timeouts and transport errors. Request-level
// retries absorb these; when retries exhaust, the chunk is abandoned for
// this run.
type TransientError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *TransientError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transient API failure: %s", e.Message)
	}
	return fmt.Sprintf("transient API failure (HTTP %d %s): %s", e.Status, e.Code, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// RateLimitError marks a quota-exceeded response. The governor responds
// with a per-advertiser cooldown rather than surfacing the failure.
type RateLimitError struct {
	Status  int
	Code    string
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d %s): %s", e.Status, e.Code, e.Message)
}

// APIError is a non-retryable client-side rejection: invalid input, unknown
// resource, unsupported feature. Indicates a configuration or contract
// problem, so it is fatal for the stream that triggered it.
type APIError struct {
	Status      int
	Code        string
	Message     string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API rejected request (HTTP %d %s): %s", e.Status, e.Code, e.Message)
}

// SchemaViolation marks a downloaded payload that cannot be coerced into
// the stream's declared schema. Fatal for the stream this run.
type SchemaViolation struct {
	Stream  string
	Field   string
	Message string
}

func (e *SchemaViolation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("stream %s: schema violation: %s", e.Stream, e.Message)
	}
	return fmt.Sprintf("stream %s: field %q: %s", e.Stream, e.Field, e.Message)
}

// JobFailedError marks a report job the server reported as failed. The
// parameters were accepted at submission but the job itself broke, so
// retrying the identical request is pointless.
type JobFailedError struct {
	Stream string
	JobID  string
	Status string
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("report job %s for stream %s failed (status %q): %s", e.JobID, e.Stream, e.Status, e.Detail)
}

// JobTimeoutError marks a job still pending when the polling budget ran
// out. Transient: the bookmark stays put and the next scheduled run
// re-plans the same range.
type JobTimeoutError struct {
	Stream   string
	JobID    string
	Attempts int
	Elapsed  time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("report job %s for stream %s still pending after %d polls (%s)", e.JobID, e.Stream, e.Attempts, e.Elapsed.Round(time.Second))
}

// throttleCodePrefix marks the quota-exceeded error family (for example
// E40003_TOO_MANY_REQUESTS).
const throttleCodePrefix = "E40003"

// errorFromStatus maps an HTTP status plus API error body onto the error
// taxonomy. The API distinguishes throttling from other 403s by error code;
// a 403 without any code is treated as throttling, since retrying it is
// harmless and permission failures always carry one.
func errorFromStatus(status int, body apiErrorBody) error {
	switch status {
	case 401:
		return &AuthError{Status: status, Code: body.Code, Message: body.Message}
	case 403:
		if body.Code == "" || strings.HasPrefix(body.Code, throttleCodePrefix) {
			return &RateLimitError{Status: status, Code: body.Code, Message: body.Message}
		}
		return &APIError{Status: status, Code: body.Code, Message: body.Message, Description: body.Description}
	case 429:
		return &RateLimitError{Status: status, Code: body.Code, Message: body.Message}
	case 408, 500, 502, 503, 504:
		return &TransientError{Status: status, Code: body.Code, Message: body.Message}
	default:
		return &APIError{Status: status, Code: body.Code, Message: body.Message, Description: body.Description}
	}
}
