package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/config"
)

// OpenAISummarizer summarizes windows with an OpenAI-compatible chat model
type OpenAISummarizer struct {
	client         *openai.Client
	model          string
	maxTokens      int
	temperature    float32
	timeout        time.Duration
	maxInputTokens int
	tokens         *TokenCounter
	breaker        *Breaker
	logger         *logrus.Logger
}

// NewOpenAISummarizer creates the summarization backend
func NewOpenAISummarizer(cfg config.OpenAIConfig, tokens *TokenCounter, breaker *Breaker, logger *logrus.Logger) *OpenAISummarizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAISummarizer{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		timeout:        timeout,
		maxInputTokens: cfg.MaxInputTokens,
		tokens:         tokens,
		breaker:        breaker,
		logger:         logger,
	}
}

// Model implements Summarizer
func (s *OpenAISummarizer) Model() string {
	return s.model
}

// Summarize implements Summarizer. Errors are *BackendError.
func (s *OpenAISummarizer) Summarize(ctx context.Context, req Request) (*Result, error) {
	prompt := BuildPrompt(req, s.tokens, s.maxInputTokens)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var resp openai.ChatCompletionResponse
	call := func() error {
		var err error
		resp, err = s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: s.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
				{Role: openai.ChatMessageRoleUser, Content: prompt.User},
			},
			MaxTokens:        s.maxTokens,
			Temperature:      s.temperature,
			PresencePenalty:  0.1,
			FrequencyPenalty: 0.1,
		})
		if err != nil {
			return ClassifyError(err)
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return &BackendError{Kind: Retryable, Err: ErrEmptyOutput}
		}
		return nil
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, ClassifyError(err)
	}

	model := resp.Model
	if model == "" {
		model = s.model
	}
	s.logger.WithFields(logrus.Fields{
		"conversation_id": req.ConversationID,
		"tokens":          resp.Usage.TotalTokens,
		"truncated":       prompt.Truncated,
	}).Debug("Summary generated")

	return &Result{
		Text:           strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:          model,
		TokensUsed:     resp.Usage.TotalTokens,
		TruncatedCount: prompt.Truncated,
	}, nil
}

// Ping checks the backend is reachable
func (s *OpenAISummarizer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.client.ListModels(ctx); err != nil {
		return fmt.Errorf("summarization backend unreachable: %w", err)
	}
	return nil
}
