package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/whadgest/whadgest-backend/internal/models"
)

const systemPrompt = "You are a helpful assistant that creates concise, informative summaries of WhatsApp conversations. " +
	"Focus on key topics, decisions, and important information while maintaining context."

const promptTimeLayout = "2006-01-02 15:04 UTC"

var languageNames = map[string]string{
	"en": "English", "es": "Spanish", "pt": "Portuguese", "fr": "French",
	"de": "German", "it": "Italian", "nl": "Dutch", "ru": "Russian",
	"uk": "Ukrainian", "tr": "Turkish", "ar": "Arabic", "fa": "Persian",
	"hi": "Hindi", "id": "Indonesian",
}

// Prompt is the rendered chat input for one window
type Prompt struct {
	System string
	User   string
	// Truncated counts the oldest messages dropped to fit the budget.
	Truncated int
}

// BuildPrompt renders req. When the conversation exceeds maxInputTokens the
// oldest messages are dropped; the newest message is always kept.
func BuildPrompt(req Request, counter *TokenCounter, maxInputTokens int) Prompt {
	lines := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		lines[i] = formatMessage(m)
	}

	truncated := 0
	if maxInputTokens > 0 {
		total := 0
		keepFrom := len(lines)
		for i := len(lines) - 1; i >= 0; i-- {
			cost := counter.Count(lines[i]) + 1
			if total+cost > maxInputTokens && keepFrom < len(lines) {
				break
			}
			total += cost
			keepFrom = i
		}
		truncated = keepFrom
		lines = lines[keepFrom:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Please create a concise summary of this WhatsApp conversation from %s - %s.\n\n",
		req.PeriodStart.UTC().Format(promptTimeLayout), req.PeriodEnd.UTC().Format(promptTimeLayout))
	fmt.Fprintf(&b, "Chat ID: %s\n", req.ConversationID)
	fmt.Fprintf(&b, "Number of messages: %d\n", len(lines))
	if truncated > 0 {
		fmt.Fprintf(&b, "(%d earlier messages omitted)\n", truncated)
	}
	b.WriteString("\nConversation:\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\nPlease provide a summary that includes:\n")
	b.WriteString("1. Main topics discussed\n")
	b.WriteString("2. Key decisions or conclusions reached\n")
	b.WriteString("3. Important announcements or updates\n")
	b.WriteString("4. Action items or follow-ups mentioned\n\n")
	b.WriteString("Format the summary in markdown with clear sections. Keep it informative but concise (max 500 words).")
	if name, ok := languageNames[req.Language]; ok {
		fmt.Fprintf(&b, "\nWrite the summary in %s.", name)
	}

	return Prompt{System: systemPrompt, User: b.String(), Truncated: truncated}
}

func formatMessage(m models.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.TsOriginal.UTC().Format(time.TimeOnly), m.Sender, m.Body)
}
