package clip

import (
	"net/http"
)

// Class is how the orchestrator reacts to one create-clip response.
type Class int

const (
	// Success means the clip was created.
	Success Class = iota
	// Retryable covers network failures and the configured transient statuses.
	Retryable
	// AuthExpired means the access token was rejected (401).
	AuthExpired
	// Terminal means the request will not succeed by repeating it.
	Terminal
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case AuthExpired:
		return "auth_expired"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// FailureReason labels a terminal workflow failure on clips_created_failed.
type FailureReason string

const (
	ReasonMaxRetries    FailureReason = "max_retries"
	ReasonAuth          FailureReason = "auth_error"
	ReasonAPI           FailureReason = "api_error"
	ReasonMetadataFetch FailureReason = "metadata_fetch"
	ReasonSink          FailureReason = "sink_error"
)

// Classifier maps (status, err) pairs from the clip API onto a Class.
type Classifier struct {
	retryable map[int]bool
}

// NewClassifier treats statuses as transient in addition to network errors.
func NewClassifier(statuses []int) Classifier {
	c := Classifier{retryable: make(map[int]bool, len(statuses))}
	for _, s := range statuses {
		c.retryable[s] = true
	}
	return c
}

// Classify decides what to do with a create-clip result. A zero status with an
// error is a transport failure and is retried; a 2xx that still produced an
// error (e.g. an empty data array) is not.
func (c Classifier) Classify(status int, err error) Class {
	switch {
	case status == http.StatusUnauthorized:
		return AuthExpired
	case status == 0 && err != nil:
		return Retryable
	case c.retryable[status]:
		return Retryable
	case status >= 200 && status < 300 && err == nil:
		return Success
	default:
		return Terminal
	}
}
