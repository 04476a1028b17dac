package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/logging"
	"github.com/whadgest/whadgest-backend/internal/models"
)

func testRequest(n int) Request {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	msgs := make([]models.Message, n)
	for i := range msgs {
		msgs[i] = models.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "chatA",
			Sender:         "alice",
			Body:           fmt.Sprintf("message number %d about the trip", i),
			TsOriginal:     start.Add(time.Duration(i) * time.Minute),
		}
	}
	return Request{
		ConversationID: "chatA",
		PeriodStart:    start,
		PeriodEnd:      start.Add(time.Hour),
		Messages:       msgs,
	}
}

func newTestSummarizer(t *testing.T, handler http.HandlerFunc) *OpenAISummarizer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.OpenAIConfig{
		APIKey:      "test-key",
		BaseURL:     server.URL,
		Model:       "gpt-4o-mini",
		MaxTokens:   1000,
		Temperature: 0.3,
		Timeout:     2 * time.Second,
	}
	return NewOpenAISummarizer(cfg, NewApproxTokenCounter(), nil, logging.Discard())
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o-mini-2024-07-18",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120}
	}`, content)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error": {"message": %q, "type": "error", "code": %q}}`, message, code)
}

func TestOpenAISummarizer_Summarize(t *testing.T) {
	s := newTestSummarizer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		writeCompletion(w, "  ## Topics\n- trip planning  ")
	})

	result, err := s.Summarize(context.Background(), testRequest(5))
	require.NoError(t, err)
	assert.Equal(t, "## Topics\n- trip planning", result.Text)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", result.Model)
	assert.Equal(t, 120, result.TokensUsed)
	assert.Equal(t, 0, result.TruncatedCount)
}

func TestOpenAISummarizer_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    ErrorKind
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "slow down")
			},
			kind: Retryable,
		},
		{
			name: "quota exhausted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "insufficient_quota", "quota")
			},
			kind: Retryable,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusBadGateway, "server_error", "upstream")
			},
			kind: Retryable,
		},
		{
			name: "content rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusBadRequest, "content_filter", "rejected by policy")
			},
			kind: Permanent,
		},
		{
			name: "empty output",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeCompletion(w, "   ")
			},
			kind: Retryable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSummarizer(t, tt.handler)
			_, err := s.Summarize(context.Background(), testRequest(5))
			require.Error(t, err)

			var be *BackendError
			require.True(t, errors.As(err, &be), "expected BackendError, got %T", err)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.kind == Permanent, IsPermanent(err))
		})
	}
}

func TestOpenAISummarizer_Timeout(t *testing.T) {
	s := newTestSummarizer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
		writeCompletion(w, "late")
	})
	s.timeout = 50 * time.Millisecond

	_, err := s.Summarize(context.Background(), testRequest(5))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, 1, time.Minute, logging.Discard())
	b.now = func() time.Time { return now }

	failing := func() error { return &BackendError{Kind: Retryable, Err: errors.New("503")} }
	rejected := func() error { return &BackendError{Kind: Permanent, Err: errors.New("400")} }

	_ = b.Execute(rejected)
	_ = b.Execute(rejected)
	assert.Equal(t, StateClosed, b.State(), "permanent errors do not trip the breaker")

	_ = b.Execute(failing)
	_ = b.Execute(failing)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, IsPermanent(err))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBuildPrompt(t *testing.T) {
	req := testRequest(3)
	req.Language = "pt"

	p := BuildPrompt(req, NewApproxTokenCounter(), 0)
	assert.Equal(t, 0, p.Truncated)
	assert.Contains(t, p.User, "2024-01-01 10:00 UTC - 2024-01-01 11:00 UTC")
	assert.Contains(t, p.User, "Chat ID: chatA")
	assert.Contains(t, p.User, "Number of messages: 3")
	assert.Contains(t, p.User, "[10:02:00] alice: message number 2 about the trip")
	assert.Contains(t, p.User, "Action items")
	assert.Contains(t, p.User, "Write the summary in Portuguese.")
	assert.Contains(t, p.System, "WhatsApp")

	// Keep the oldest message ahead of the newest.
	assert.Less(t, strings.Index(p.User, "number 0"), strings.Index(p.User, "number 2"))
}

func TestBuildPrompt_DropsOldestOverBudget(t *testing.T) {
	req := testRequest(10)
	counter := NewApproxTokenCounter()
	perLine := counter.Count(formatMessage(req.Messages[0])) + 1

	p := BuildPrompt(req, counter, perLine*4)
	assert.Equal(t, 6, p.Truncated)
	assert.Contains(t, p.User, "Number of messages: 4")
	assert.Contains(t, p.User, "6 earlier messages omitted")
	assert.NotContains(t, p.User, "message number 5 ")
	assert.Contains(t, p.User, "message number 9 ")

	// A single oversized message is still sent.
	p = BuildPrompt(testRequest(1), counter, 1)
	assert.Equal(t, 0, p.Truncated)
}

func TestTokenCounter_Approximation(t *testing.T) {
	c := NewApproxTokenCounter()
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
}
