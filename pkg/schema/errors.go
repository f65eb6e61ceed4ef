package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeExtraction        = "EXTRACTION_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeConcurrentRun     = "CONCURRENT_RUN"
	ErrCodeDepthLimit        = "DEPTH_LIMIT"
	ErrCodeUserDeclined      = "USER_DECLINED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeTaskInput         = "TASK_REQUIRES_INPUT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeVault             = "VAULT_ERROR"
)

// CascadeError is the structured error type for all cascade operations.
type CascadeError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	RetryAfterS float64        `json:"retry_after_s,omitempty"`
	TaskURL     string         `json:"task_url,omitempty"`
	Cause       error          `json:"-"`
}

func (e *CascadeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CascadeError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an attempt carrying this error may succeed on retry.
// Rate-limited errors are classified separately by the retry controller and do
// not consume retry slots at all.
func (e *CascadeError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeQuotaExceeded, ErrCodeUserDeclined,
		ErrCodeCancelled, ErrCodeConcurrentRun, ErrCodeDepthLimit,
		ErrCodeNotFound, ErrCodeInvalidTransition, ErrCodeTaskInput:
		return false
	}
	return true
}

// NewError creates a new CascadeError.
func NewError(code, message string) *CascadeError {
	return &CascadeError{Code: code, Message: message}
}

// NewErrorf creates a new CascadeError with a formatted message.
func NewErrorf(code, format string, args ...any) *CascadeError {
	return &CascadeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *CascadeError) WithNode(nodeID string) *CascadeError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *CascadeError) WithCause(err error) *CascadeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CascadeError) WithDetails(details map[string]any) *CascadeError {
	e.Details = details
	return e
}

// WithRetryAfter attaches a provider-supplied retry-after hint in seconds.
func (e *CascadeError) WithRetryAfter(seconds float64) *CascadeError {
	e.RetryAfterS = seconds
	return e
}

// WithTaskURL attaches the URL of a failed external task.
func (e *CascadeError) WithTaskURL(url string) *CascadeError {
	e.TaskURL = url
	return e
}
