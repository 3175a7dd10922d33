package research

import (
	"log/slog"
	"sync"
)

// subscriberBufferSize bounds each subscriber's pending-event channel. A
// subscriber that stops draining loses events rather than blocking the
// publisher; the persisted log remains the authoritative record and clients
// recover via replay.
const subscriberBufferSize = 64

// Hub is an in-process fan-out channel keyed by research id. It carries no
// history: events published before Subscribe are never delivered through the
// hub. It is not shared across processes — a horizontally scaled deployment
// would need a real pub/sub transport instead.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

// Publish delivers event to every current subscriber of researchID. Each
// subscriber sees events in publish-call order. Full subscriber buffers are
// skipped with a warning.
func (h *Hub) Publish(researchID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs[researchID] {
		select {
		case ch <- event:
		default:
			slog.Warn("dropping event for slow subscriber",
				"research_id", researchID, "subscriber", id, "revision", event.Revision)
		}
	}
}

// Subscribe registers a listener for researchID. The returned function
// removes the subscription and closes the channel; it is safe to call more
// than once.
func (h *Hub) Subscribe(researchID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan Event, subscriberBufferSize)
	if h.subs[researchID] == nil {
		h.subs[researchID] = make(map[int]chan Event)
	}
	h.subs[researchID][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[researchID], id)
			if len(h.subs[researchID]) == 0 {
				delete(h.subs, researchID)
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// SubscriberCount reports the number of live subscribers for researchID.
func (h *Hub) SubscriberCount(researchID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[researchID])
}
