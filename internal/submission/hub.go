package submission

import (
	"sync"
	"time"

	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/storage"
)

// Event is one status transition of a submission.
type Event struct {
	SubmissionID string                   `json:"submissionId"`
	Status       storage.SubmissionStatus `json:"status"`
	Result       *model.ExecutionResult   `json:"result,omitempty"`
	Error        string                   `json:"error,omitempty"`
	At           time.Time                `json:"at"`
}

// subscriberBuffer holds every event one submission can produce.
const subscriberBuffer = 4

// Hub fans status events out to live subscribers, keyed by submission id.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of events for id and a function that cancels
// the subscription. The channel is closed after a terminal event.
func (h *Hub) Subscribe(id string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[id] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() { h.remove(id, ch) }
}

func (h *Hub) remove(id string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[id]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, id)
	}
}

// Publish delivers e without blocking. A subscriber whose buffer is full
// misses the event.
func (h *Hub) Publish(e Event) {
	if e.Status.Terminal() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for ch := range h.subs[e.SubmissionID] {
			deliver(ch, e)
			close(ch)
		}
		delete(h.subs, e.SubmissionID)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[e.SubmissionID] {
		deliver(ch, e)
	}
}

func deliver(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
	}
}

// Subscribers returns the number of live subscriptions for id.
func (h *Hub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

// CloseAll ends every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
}
