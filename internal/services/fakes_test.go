package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whadgest/whadgest-backend/internal/events"
	"github.com/whadgest/whadgest-backend/internal/llm"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
	"github.com/whadgest/whadgest-backend/internal/window"
)

// memStore is an in-memory message, summary and device store
type memStore struct {
	mu        sync.Mutex
	messages  []models.Message
	summaries []models.Summary
	devices   map[string]*models.Device
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*models.Device)}
}

func (s *memStore) Insert(ctx context.Context, msg *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	for _, m := range s.messages {
		if m.DeviceID == msg.DeviceID && m.ConversationID == msg.ConversationID &&
			m.TsOriginal.Equal(msg.TsOriginal) && m.Body == msg.Body {
			return false, nil
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	s.messages = append(s.messages, *msg)
	return true, nil
}

func (s *memStore) ListUnprocessedInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && !m.IsProcessed &&
			!m.TsOriginal.Before(start) && m.TsOriginal.Before(end) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TsOriginal.Before(out[j].TsOriginal) })
	return out, nil
}

func (s *memStore) markLocked(ids []string, at time.Time) int64 {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	var n int64
	for i := range s.messages {
		if set[s.messages[i].ID] && !s.messages[i].IsProcessed {
			s.messages[i].IsProcessed = true
			s.messages[i].ProcessedAt.Time = at
			s.messages[i].ProcessedAt.Valid = true
			n++
		}
	}
	return n
}

func (s *memStore) MarkProcessed(ctx context.Context, ids []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(ids, at), nil
}

func (s *memStore) ListOrphanWindows(ctx context.Context, bucketSize time.Duration, from, to time.Time) ([]models.OrphanWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := make(map[string]*models.OrphanWindow)
	var keys []string
	for _, m := range s.messages {
		if m.IsProcessed || m.CreatedAt.Before(from) || !m.CreatedAt.Before(to) {
			continue
		}
		start := window.BucketStart(m.TsOriginal, bucketSize)
		key := window.JobKey(m.ConversationID, start)
		w, ok := byKey[key]
		if !ok {
			w = &models.OrphanWindow{ConversationID: m.ConversationID, BucketStart: start}
			byKey[key] = w
			keys = append(keys, key)
		}
		w.Count++
		if m.CreatedAt.After(w.LastReceivedAt) {
			w.LastReceivedAt = m.CreatedAt
		}
	}
	out := make([]models.OrphanWindow, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out, nil
}

func (s *memStore) CountByDevice(ctx context.Context, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.DeviceID == deviceID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListConversations(ctx context.Context, deviceID string) ([]models.ConversationActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byConv := make(map[string]*models.ConversationActivity)
	var order []string
	for _, m := range s.messages {
		if m.DeviceID != deviceID {
			continue
		}
		c, ok := byConv[m.ConversationID]
		if !ok {
			c = &models.ConversationActivity{ConversationID: m.ConversationID}
			byConv[m.ConversationID] = c
			order = append(order, m.ConversationID)
		}
		c.MessageCount++
		if m.TsOriginal.After(c.LastMessageAt) {
			c.LastMessageAt = m.TsOriginal
		}
	}
	out := make([]models.ConversationActivity, 0, len(order))
	for _, id := range order {
		c := byConv[id]
		for _, sm := range s.summaries {
			if sm.ConversationID == id {
				c.SummaryCount++
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *memStore) DeviceHasConversation(ctx context.Context, deviceID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.DeviceID == deviceID && m.ConversationID == conversationID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) DevicesInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range s.messages {
		if m.ConversationID == conversationID && !m.TsOriginal.Before(start) && m.TsOriginal.Before(end) && !seen[m.DeviceID] {
			seen[m.DeviceID] = true
			out = append(out, m.DeviceID)
		}
	}
	return out, nil
}

func (s *memStore) Exists(ctx context.Context, conversationID string, start, end time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(conversationID, start, end), nil
}

func (s *memStore) existsLocked(conversationID string, start, end time.Time) bool {
	for _, sm := range s.summaries {
		if sm.ConversationID == conversationID && sm.PeriodStart.Equal(start) && sm.PeriodEnd.Equal(end) {
			return true
		}
	}
	return false
}

func (s *memStore) CommitWindow(ctx context.Context, summary *models.Summary, messageIDs []string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := false
	if !s.existsLocked(summary.ConversationID, summary.PeriodStart, summary.PeriodEnd) {
		s.summaries = append(s.summaries, *summary)
		created = true
	}
	s.markLocked(messageIDs, at)
	return created, nil
}

func (s *memStore) ListByConversation(ctx context.Context, conversationID string, filter repository.SummaryFilter) ([]models.Summary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Summary
	for _, sm := range s.summaries {
		if sm.ConversationID != conversationID {
			continue
		}
		if filter.From != nil && sm.PeriodStart.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sm.PeriodEnd.After(*filter.To) {
			continue
		}
		all = append(all, sm)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PeriodStart.After(all[j].PeriodStart) })
	total := len(all)
	if filter.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, total, nil
}

func (s *memStore) Stats(ctx context.Context, deviceID string, from, to time.Time) (*models.SummaryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := make(map[string]bool)
	for _, m := range s.messages {
		if m.DeviceID == deviceID {
			owned[m.ConversationID] = true
		}
	}
	stats := &models.SummaryStats{}
	convs := make(map[string]bool)
	for _, sm := range s.summaries {
		if !owned[sm.ConversationID] || sm.PeriodStart.Before(from) || !sm.PeriodStart.Before(to) {
			continue
		}
		stats.TotalSummaries++
		stats.TotalMessages += sm.MessageCount
		stats.TotalTokensUsed += sm.TokensUsed.Int64
		convs[sm.ConversationID] = true
	}
	stats.TotalConversations = len(convs)
	if stats.TotalSummaries > 0 {
		stats.AvgMessagesPerChunk = float64(stats.TotalMessages) / float64(stats.TotalSummaries)
	}
	return stats, nil
}

func (s *memStore) Create(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := *device
	s.devices[device.ID] = &d
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	out := *d
	return &out, nil
}

func (s *memStore) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.TokenHash == tokenHash {
			out := *d
			return &out, nil
		}
	}
	return nil, nil
}

func (s *memStore) List(ctx context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Device
	for _, d := range s.devices {
		out = append(out, *d)
	}
	return out, nil
}

func (s *memStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		d.LastSeen = at
	}
	return nil
}

func (s *memStore) UpdateInfo(ctx context.Context, id string, info models.DeviceInfo, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return errors.New("device not found")
	}
	d.LastSeen = at
	if info.AppVersion != "" {
		d.AppVersion.String, d.AppVersion.Valid = info.AppVersion, true
	}
	if info.Platform != "" {
		d.Platform.String, d.Platform.Valid = info.Platform, true
	}
	return nil
}

func (s *memStore) RotateToken(ctx context.Context, id, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		d.TokenHash = tokenHash
	}
	return nil
}

func (s *memStore) unprocessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if !m.IsProcessed {
			n++
		}
	}
	return n
}

func (s *memStore) summaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.summaries)
}

var (
	_ repository.MessageRepository = (*memStore)(nil)
	_ repository.SummaryRepository = (*memStore)(nil)
	_ repository.DeviceRepository  = (*memStore)(nil)
)

// scriptedBackend returns errs in order, then succeeds
type scriptedBackend struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	lastReq  llm.Request
	panicMsg string
}

func (b *scriptedBackend) Summarize(ctx context.Context, req llm.Request) (*llm.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lastReq = req
	if b.panicMsg != "" {
		msg := b.panicMsg
		b.panicMsg = ""
		panic(msg)
	}
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return nil, err
	}
	return &llm.Result{Text: "## Topics\n- lunch plans", Model: "test-model", TokensUsed: 42}, nil
}

func (b *scriptedBackend) Model() string                  { return "test-model" }
func (b *scriptedBackend) Ping(ctx context.Context) error { return nil }

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// recordingPublisher keeps published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SummaryCreated
	err    error
}

func (p *recordingPublisher) PublishSummaryCreated(ctx context.Context, evt events.SummaryCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Events() []events.SummaryCreated {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.SummaryCreated(nil), p.events...)
}
