package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/events"
	"github.com/whadgest/whadgest-backend/internal/llm"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/queue"
	"github.com/whadgest/whadgest-backend/internal/repository"
)

// DefaultMinMessages is the smallest window worth summarizing
const DefaultMinMessages = 5

// Outcome is the scheduler-facing result of a job attempt
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomePermanent:
		return "permanent"
	default:
		return "success"
	}
}

// Skip reasons for successful attempts that wrote nothing
const (
	ReasonEmpty        = "no_unprocessed_messages"
	ReasonSummarized   = "already_summarized"
	ReasonBelowMinimum = "below_minimum"
	ReasonAllFiltered  = "all_filtered"
	ReasonCommitted    = "committed"
	ReasonLostRace     = "summary_written_concurrently"
)

// Result is what one attempt produced
type Result struct {
	Outcome Outcome
	Err     error
	Reason  string
	// Summary is set when this attempt inserted the window's summary.
	Summary *models.Summary
}

func success(reason string) Result {
	return Result{Outcome: OutcomeSuccess, Reason: reason}
}

func retry(err error) Result {
	return Result{Outcome: OutcomeRetry, Err: err}
}

// MessageFilter removes blocked messages from a window
type MessageFilter interface {
	FilterMessages(ctx context.Context, msgs []models.Message) ([]models.Message, int)
}

// LanguageDetector guesses the language of a text
type LanguageDetector interface {
	Detect(text string) string
}

// Worker summarizes one window per job. Every attempt re-reads the window,
// so retries and late arrivals need no state in the job.
type Worker struct {
	messages    repository.MessageRepository
	summaries   repository.SummaryRepository
	filter      MessageFilter
	backend     llm.Summarizer
	language    LanguageDetector
	publisher   events.Publisher
	metrics     *Metrics
	minMessages int
	logger      *logrus.Logger
	now         func() time.Time
}

// WorkerDeps groups the collaborators of a Worker
type WorkerDeps struct {
	Messages  repository.MessageRepository
	Summaries repository.SummaryRepository
	Filter    MessageFilter
	Backend   llm.Summarizer
	// Language may be nil to skip detection.
	Language  LanguageDetector
	Publisher events.Publisher
	Metrics   *Metrics
}

// NewWorker creates a summarization worker
func NewWorker(deps WorkerDeps, minMessages int, logger *logrus.Logger) *Worker {
	if minMessages <= 0 {
		minMessages = DefaultMinMessages
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Worker{
		messages:    deps.Messages,
		summaries:   deps.Summaries,
		filter:      deps.Filter,
		backend:     deps.Backend,
		language:    deps.Language,
		publisher:   publisher,
		metrics:     deps.Metrics,
		minMessages: minMessages,
		logger:      logger,
		now:         time.Now,
	}
}

// Process runs one attempt of job
func (w *Worker) Process(ctx context.Context, job *queue.Job) Result {
	started := w.now()
	p := job.Payload
	log := w.logger.WithFields(logrus.Fields{
		"job_key":         job.Key,
		"conversation_id": p.ConversationID,
		"attempt":         job.Attempts,
	})

	msgs, err := w.messages.ListUnprocessedInWindow(ctx, p.ConversationID, p.PeriodStart, p.PeriodEnd)
	if err != nil {
		return retry(fmt.Errorf("failed to load window messages: %w", err))
	}
	if len(msgs) == 0 {
		log.Debug("No unprocessed messages in window")
		return success(ReasonEmpty)
	}

	exists, err := w.summaries.Exists(ctx, p.ConversationID, p.PeriodStart, p.PeriodEnd)
	if err != nil {
		return retry(fmt.Errorf("failed to check existing summary: %w", err))
	}
	if exists {
		// Late arrivals into an already summarized window are absorbed.
		if _, err := w.messages.MarkProcessed(ctx, models.MessageIDs(msgs), w.now().UTC()); err != nil {
			return retry(fmt.Errorf("failed to mark messages processed: %w", err))
		}
		log.WithField("messages", len(msgs)).Info("Window already summarized, marked late messages processed")
		return success(ReasonSummarized)
	}

	if len(msgs) < w.minMessages && !p.Flush {
		log.WithFields(logrus.Fields{
			"messages": len(msgs),
			"minimum":  w.minMessages,
		}).Info("Skipping summarization, not enough messages")
		return success(ReasonBelowMinimum)
	}

	kept, blocked := w.filter.FilterMessages(ctx, msgs)
	if err := ctx.Err(); err != nil {
		return retry(err)
	}
	if len(kept) == 0 {
		log.WithField("blocked", blocked).Info("All messages filtered out")
		return success(ReasonAllFiltered)
	}

	var language string
	if w.language != nil {
		language = w.language.Detect(joinBodies(kept))
	}

	callStarted := w.now()
	out, err := w.backend.Summarize(ctx, llm.Request{
		ConversationID: p.ConversationID,
		PeriodStart:    p.PeriodStart,
		PeriodEnd:      p.PeriodEnd,
		Messages:       kept,
		Language:       language,
	})
	w.metrics.RecordBackendCall(w.now().Sub(callStarted), err == nil)
	if err != nil {
		if llm.IsPermanent(err) {
			log.WithError(err).Error("Summarization backend rejected the window")
			return Result{Outcome: OutcomePermanent, Err: err}
		}
		return retry(err)
	}

	now := w.now().UTC()
	summary := &models.Summary{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		SummaryText:    out.Text,
		PeriodStart:    p.PeriodStart,
		PeriodEnd:      p.PeriodEnd,
		MessageCount:   len(kept),
		Model:          out.Model,
		CreatedAt:      now,
		Metadata: models.SummaryMetadata{
			OriginalCount:  len(msgs),
			FilteredCount:  len(kept),
			BlockedCount:   blocked,
			TruncatedCount: out.TruncatedCount,
			JobKey:         job.Key,
			Attempt:        job.Attempts,
			Language:       language,
			ProcessingMs:   now.Sub(started).Milliseconds(),
		},
	}
	if out.TokensUsed > 0 {
		summary.TokensUsed.Int64 = int64(out.TokensUsed)
		summary.TokensUsed.Valid = true
	}

	created, err := w.summaries.CommitWindow(ctx, summary, models.MessageIDs(msgs), now)
	if err != nil {
		return retry(fmt.Errorf("failed to commit window: %w", err))
	}
	if !created {
		log.Warn("Summary for window was written concurrently, marked messages processed")
		return success(ReasonLostRace)
	}

	w.metrics.RecordSummary(blocked)
	log.WithFields(logrus.Fields{
		"summary_id": summary.ID,
		"messages":   len(kept),
		"original":   len(msgs),
		"tokens":     out.TokensUsed,
	}).Info("Summary created")

	w.publish(ctx, summary, log)
	return Result{Outcome: OutcomeSuccess, Reason: ReasonCommitted, Summary: summary}
}

// publish announces the summary; failures never fail the job
func (w *Worker) publish(ctx context.Context, summary *models.Summary, log *logrus.Entry) {
	devices, err := w.messages.DevicesInWindow(ctx, summary.ConversationID, summary.PeriodStart, summary.PeriodEnd)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve devices for summary event")
	}
	evt := events.SummaryCreated{
		SummaryID:      summary.ID,
		ConversationID: summary.ConversationID,
		PeriodStart:    summary.PeriodStart,
		PeriodEnd:      summary.PeriodEnd,
		MessageCount:   summary.MessageCount,
		Model:          summary.Model,
		CreatedAt:      summary.CreatedAt,
		DeviceIDs:      devices,
	}
	if err := w.publisher.PublishSummaryCreated(ctx, evt); err != nil {
		log.WithError(err).Warn("Failed to publish summary event")
	}
}

func joinBodies(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if b.Len() > 4000 {
			break
		}
		b.WriteString(m.Body)
		b.WriteByte('\n')
	}
	return b.String()
}
