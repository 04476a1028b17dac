package events

import (
	"context"
	"sync"
)

// Hub delivers summary events to connected devices
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
}

// Subscription receives the events of one device
type Subscription struct {
	DeviceID string
	C        chan SummaryCreated
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a listener for deviceID
func (h *Hub) Subscribe(deviceID string) *Subscription {
	sub := &Subscription{DeviceID: deviceID, C: make(chan SummaryCreated, 16)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[deviceID] == nil {
		h.subscribers[deviceID] = make(map[*Subscription]struct{})
	}
	h.subscribers[deviceID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[sub.DeviceID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, sub.DeviceID)
		}
	}
}

// Connected returns the number of live subscriptions
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}

// PublishSummaryCreated implements Publisher. Slow subscribers miss events.
func (h *Hub) PublishSummaryCreated(ctx context.Context, evt SummaryCreated) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, deviceID := range evt.DeviceIDs {
		for sub := range h.subscribers[deviceID] {
			select {
			case sub.C <- evt:
			default:
			}
		}
	}
	return nil
}
