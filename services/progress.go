package services

import (
	"sync"

	"crmpulse/crm"
)

// ProgressEvent is published after each imported page and once per entity
// when it finishes.
type ProgressEvent struct {
	IntegrationID uint           `json:"integration_id,omitempty"`
	Provider      crm.Provider   `json:"provider,omitempty"`
	Entity        crm.EntityType `json:"entity"`
	Offset        int            `json:"offset"`
	Imported      int            `json:"imported"`
	Skipped       int            `json:"skipped"`
	Failed        int            `json:"failed"`
	Done          bool           `json:"done"`
	Success       bool           `json:"success,omitempty"`
}

const subscriberBuffer = 64

// ProgressHub fans progress events out to per-user subscribers. Slow
// subscribers lose events rather than stalling an import.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[uint]map[chan ProgressEvent]struct{}
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: map[uint]map[chan ProgressEvent]struct{}{}}
}

// Subscribe returns the event stream for userID and a cancel func that
// closes it.
func (h *ProgressHub) Subscribe(userID uint) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[chan ProgressEvent]struct{}{}
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *ProgressHub) Publish(userID uint, ev ProgressEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Reporter binds events to one user and integration for ImportOptions.Progress.
func (h *ProgressHub) Reporter(userID, integrationID uint, provider crm.Provider) func(ProgressEvent) {
	if h == nil {
		return nil
	}
	return func(ev ProgressEvent) {
		ev.IntegrationID = integrationID
		ev.Provider = provider
		h.Publish(userID, ev)
	}
}
