package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/whadgest/whadgest-backend/internal/models"
)

// Request is one window to summarize
type Request struct {
	ConversationID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Messages       []models.Message
	// Language is an ISO 639-1 hint for the summary language, may be empty.
	Language string
}

// Result is a generated summary
type Result struct {
	Text           string
	Model          string
	TokensUsed     int
	TruncatedCount int
}

// Summarizer turns a window of messages into a summary
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Result, error)
	Model() string
	Ping(ctx context.Context) error
}

// ErrorKind tells the worker whether retrying can help
type ErrorKind int

const (
	Retryable ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "retryable"
}

var (
	// ErrEmptyOutput is returned when the backend produced no text.
	ErrEmptyOutput = errors.New("backend returned an empty summary")
	// ErrCircuitOpen is returned while the backend circuit breaker is open.
	ErrCircuitOpen = errors.New("summarization backend circuit is open")
)

// BackendError is a classified summarization failure
type BackendError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s backend error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend error: %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a backend error that must not be retried
func IsPermanent(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == Permanent
}

// ClassifyError maps a client error to a BackendError. Rate limits, quota,
// server errors, timeouts and transport failures are retryable; a request
// the backend rejects for its content is permanent.
func ClassifyError(err error) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{Kind: kindForStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &BackendError{Kind: kindForStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Err: err}
	}

	// Timeouts, transport failures and anything unrecognised.
	return &BackendError{Kind: Retryable, Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return Permanent
	default:
		return Retryable
	}
}
