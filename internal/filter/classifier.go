package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/whadgest/whadgest-backend/internal/config"
)

// CandidateLabels are scored for every message that passes the keyword stage
var CandidateLabels = []string{
	"personal conversation",
	"family discussion",
	"work communication",
	"social planning",
	"news sharing",
	"spam content",
	"promotional material",
	"advertisement",
	"suspicious content",
	"financial scam",
}

// BlockedLabels is the subset of CandidateLabels that blocks a message
var BlockedLabels = map[string]bool{
	"spam content":         true,
	"promotional material": true,
	"advertisement":        true,
	"suspicious content":   true,
	"financial scam":       true,
}

// LabelScore is one entry of a classifier ranking
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier ranks candidate labels for a text, best first
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string) ([]LabelScore, error)
}

// OpenAIClassifier does zero-shot classification with a chat model
type OpenAIClassifier struct {
	client *openai.Client
	model  string
}

// NewOpenAIClassifier creates a classifier on the configured OpenAI-compatible endpoint
func NewOpenAIClassifier(cfg config.OpenAIConfig, model string) *OpenAIClassifier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if model == "" {
		model = cfg.Model
	}
	return &OpenAIClassifier{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

const classifierPrompt = `You are a zero-shot text classifier. Score how well the message matches each candidate label.
Scores are between 0 and 1 and sum to 1.
Respond only with JSON of the form {"labels":[{"label":"<candidate>","score":<number>}]}.

Candidate labels: %s`

// Classify implements Classifier
func (c *OpenAIClassifier) Classify(ctx context.Context, text string, labels []string) ([]LabelScore, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(classifierPrompt, strings.Join(labels, ", "))},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
		MaxTokens:   300,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classifier returned no choices")
	}
	return parseRanking(resp.Choices[0].Message.Content, labels)
}

// parseRanking decodes the model output, drops unknown labels and sorts by score
func parseRanking(content string, labels []string) ([]LabelScore, error) {
	var out struct {
		Labels []LabelScore `json:"labels"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("malformed classifier output: %w", err)
	}

	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		known[l] = true
	}
	ranking := make([]LabelScore, 0, len(out.Labels))
	for _, ls := range out.Labels {
		ls.Label = strings.ToLower(strings.TrimSpace(ls.Label))
		if known[ls.Label] {
			ranking = append(ranking, ls)
		}
	}
	if len(ranking) == 0 {
		return nil, fmt.Errorf("classifier output has no candidate labels")
	}
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].Score > ranking[j].Score })
	return ranking, nil
}
