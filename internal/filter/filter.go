package filter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/models"
)

const DefaultThreshold = 0.7

// Filter decides whether a message is noise that must not reach a summary.
// Classifier failures never block a message.
type Filter struct {
	keywords    *KeywordMatcher
	classifier  Classifier
	cache       VerdictCache
	threshold   float64
	timeout     time.Duration
	concurrency int
	logger      *logrus.Logger
}

// New creates a filter. classifier and cache may be nil.
func New(cfg config.FilterConfig, classifier Classifier, cache VerdictCache, logger *logrus.Logger) *Filter {
	threshold := cfg.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	timeout := cfg.ClassifierTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Filter{
		keywords:    NewKeywordMatcher(cfg.ExtraKeywords),
		classifier:  classifier,
		cache:       cache,
		threshold:   threshold,
		timeout:     timeout,
		concurrency: concurrency,
		logger:      logger,
	}
}

// IsBlocked runs the keyword stage, then the classifier stage
func (f *Filter) IsBlocked(ctx context.Context, text string) bool {
	if kw, ok := f.keywords.Match(text); ok {
		f.logger.WithField("keyword", kw).Debug("Message blocked by keyword")
		return true
	}
	if f.classifier == nil {
		return false
	}

	key := CacheKey(text)
	if f.cache != nil {
		if blocked, ok := f.cache.Get(ctx, key); ok {
			return blocked
		}
	}

	classifyCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ranking, err := f.classifier.Classify(classifyCtx, text, CandidateLabels)
	if err != nil {
		f.logger.WithError(err).Warn("Content classifier failed, allowing message")
		return false
	}
	if len(ranking) == 0 {
		return false
	}

	top := ranking[0]
	blocked := BlockedLabels[top.Label] && top.Score > f.threshold
	if blocked {
		f.logger.WithFields(logrus.Fields{
			"label": top.Label,
			"score": top.Score,
		}).Debug("Message blocked by classifier")
	}
	if f.cache != nil {
		f.cache.Set(ctx, key, blocked)
	}
	return blocked
}

// FilterMessages drops blocked messages, keeping the order of the rest.
// It returns the kept messages and the number blocked.
func (f *Filter) FilterMessages(ctx context.Context, msgs []models.Message) ([]models.Message, int) {
	blocked := make([]bool, len(msgs))
	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup

	for i := range msgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled; the rest pass unchecked and the caller sees ctx.Err().
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			blocked[i] = f.IsBlocked(ctx, msgs[i].Body)
		}(i)
	}
	wg.Wait()

	kept := make([]models.Message, 0, len(msgs))
	count := 0
	for i, m := range msgs {
		if blocked[i] {
			count++
			continue
		}
		kept = append(kept, m)
	}
	return kept, count
}
