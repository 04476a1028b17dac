package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	digestLimit     = 1000
	defaultStatsAge = 30 * 24 * time.Hour
)

// ErrConversationNotFound is returned for conversations the device never reported
var ErrConversationNotFound = errors.New("conversation not found")

// SummaryPage is one page of a conversation's summaries
type SummaryPage struct {
	ConversationID string           `json:"chat_id"`
	Summaries      []models.Summary `json:"summaries"`
	Total          int              `json:"total"`
	Limit          int              `json:"limit"`
	Offset         int              `json:"offset"`
	HasMore        bool             `json:"has_more"`
}

// Digest is a markdown rendering of a conversation's summaries
type Digest struct {
	ConversationID string    `json:"chat_id"`
	Markdown       string    `json:"markdown"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	SummaryCount   int       `json:"summary_count"`
	TotalMessages  int       `json:"total_messages"`
	TimeSpan       string    `json:"time_span"`
}

// DeviceStats combines message and summary totals for a device
type DeviceStats struct {
	TotalMessages int                 `json:"total_messages"`
	From          time.Time           `json:"from"`
	To            time.Time           `json:"to"`
	Summaries     models.SummaryStats `json:"summaries"`
}

// QueryService answers device reads over messages and summaries
type QueryService struct {
	messages  repository.MessageRepository
	summaries repository.SummaryRepository
	logger    *logrus.Logger
	now       func() time.Time
}

// NewQueryService creates the summary query service
func NewQueryService(messages repository.MessageRepository, summaries repository.SummaryRepository, logger *logrus.Logger) *QueryService {
	return &QueryService{
		messages:  messages,
		summaries: summaries,
		logger:    logger,
		now:       time.Now,
	}
}

// ListChats returns the conversations deviceID has reported, most recent first
func (s *QueryService) ListChats(ctx context.Context, deviceID string) ([]models.ConversationActivity, error) {
	chats, err := s.messages.ListConversations(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if chats == nil {
		chats = []models.ConversationActivity{}
	}
	return chats, nil
}

// ListSummaries pages through the summaries of a conversation the device reported
func (s *QueryService) ListSummaries(ctx context.Context, deviceID, conversationID string, filter repository.SummaryFilter) (*SummaryPage, error) {
	if err := s.checkOwner(ctx, deviceID, conversationID); err != nil {
		return nil, err
	}

	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultPageSize
	case filter.Limit > MaxPageSize:
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	summaries, total, err := s.summaries.ListByConversation(ctx, conversationID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	if summaries == nil {
		summaries = []models.Summary{}
	}
	return &SummaryPage{
		ConversationID: conversationID,
		Summaries:      summaries,
		Total:          total,
		Limit:          filter.Limit,
		Offset:         filter.Offset,
		HasMore:        filter.Offset+len(summaries) < total,
	}, nil
}

// Digest renders the summaries of a conversation as one markdown document
func (s *QueryService) Digest(ctx context.Context, deviceID, conversationID string, from, to *time.Time) (*Digest, error) {
	if err := s.checkOwner(ctx, deviceID, conversationID); err != nil {
		return nil, err
	}

	summaries, _, err := s.summaries.ListByConversation(ctx, conversationID, repository.SummaryFilter{
		From:  from,
		To:    to,
		Limit: digestLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}

	digest := &Digest{
		ConversationID: conversationID,
		SummaryCount:   len(summaries),
	}
	for _, sm := range summaries {
		digest.TotalMessages += sm.MessageCount
	}
	if len(summaries) > 0 {
		// Listed newest first.
		digest.From = summaries[len(summaries)-1].PeriodStart
		digest.To = summaries[0].PeriodEnd
	}
	if from != nil {
		digest.From = *from
	}
	if to != nil {
		digest.To = *to
	}
	digest.TimeSpan = timeSpan(digest.From, digest.To)
	digest.Markdown = RenderDigest(conversationID, summaries, s.now())
	return digest, nil
}

// Stats aggregates a device's activity. A zero from defaults to 30 days
// before to; a zero to defaults to now.
func (s *QueryService) Stats(ctx context.Context, deviceID string, from, to time.Time) (*DeviceStats, error) {
	if to.IsZero() {
		to = s.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultStatsAge)
	}

	total, err := s.messages.CountByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	stats, err := s.summaries.Stats(ctx, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate summaries: %w", err)
	}
	return &DeviceStats{
		TotalMessages: total,
		From:          from,
		To:            to,
		Summaries:     *stats,
	}, nil
}

func (s *QueryService) checkOwner(ctx context.Context, deviceID, conversationID string) error {
	ok, err := s.messages.DeviceHasConversation(ctx, deviceID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if !ok {
		return ErrConversationNotFound
	}
	return nil
}

// RenderDigest formats summaries, newest first as listed, into markdown
// grouped by day in chronological order.
func RenderDigest(conversationID string, summaries []models.Summary, generatedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# WhatsApp Digest for %s\n\n", chatName(conversationID))
	fmt.Fprintf(&b, "*Generated on %s*\n\n", generatedAt.UTC().Format("2006-01-02 15:04 MST"))

	if len(summaries) == 0 {
		b.WriteString("## No summaries available\n\n")
		return b.String()
	}

	day := ""
	for i := len(summaries) - 1; i >= 0; i-- {
		sm := summaries[i]
		start, end := sm.PeriodStart.UTC(), sm.PeriodEnd.UTC()
		if d := start.Format("Monday, January 2, 2006"); d != day {
			day = d
			fmt.Fprintf(&b, "## %s\n\n", day)
		}
		fmt.Fprintf(&b, "### %s - %s (%d messages)\n\n", start.Format("15:04"), end.Format("15:04"), sm.MessageCount)
		b.WriteString(strings.TrimSpace(sm.SummaryText))
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "*Generated with %s*\n\n---\n\n", sm.Model)
	}
	return b.String()
}

// chatName turns "group_family_chat" into "Family Chat"
func chatName(conversationID string) string {
	name := strings.TrimPrefix(strings.TrimPrefix(conversationID, "group_"), "private_")
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func timeSpan(start, end time.Time) string {
	d := end.Sub(start)
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	switch {
	case days > 0:
		return plural(days, "day")
	case hours > 0:
		return plural(hours, "hour")
	default:
		return "Less than 1 hour"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
