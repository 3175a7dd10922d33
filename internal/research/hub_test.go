package research

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHub_PublishReachesSubscriber(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("r-1")
	defer unsubscribe()

	want := Event{ID: "r-1:rev:2", Revision: 2, Type: EventStatus, Payload: EventPayload{Status: StatusCompleted}}
	h.Publish("r-1", want)

	select {
	case got := <-ch:
		if got.ID != want.ID || got.Type != want.Type {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHub_IsolatedByResearchID(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("r-a")
	defer unsubscribe()

	h.Publish("r-b", Event{ID: "r-b:rev:1", Revision: 1, Type: EventStatus})

	select {
	case got := <-ch:
		t.Errorf("received event for other research: %+v", got)
	default:
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("r-1")

	unsubscribe()
	// Safe to call twice.
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	if n := h.SubscriberCount("r-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}

	// Publishing after unsubscribe must not panic.
	h.Publish("r-1", Event{ID: "r-1:rev:2", Revision: 2})
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub()

	const subscribers = 4
	channels := make([]<-chan Event, subscribers)
	for i := 0; i < subscribers; i++ {
		ch, unsubscribe := h.Subscribe("r-fan")
		defer unsubscribe()
		channels[i] = ch
	}

	h.Publish("r-fan", Event{ID: "r-fan:rev:1", Revision: 1, Type: EventStatus})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Revision != 1 {
				t.Errorf("subscriber %d: Revision = %d, want 1", i, got.Revision)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

// TestHub_SlowSubscriberDropsNotBlocks fills a subscriber's buffer and
// verifies Publish keeps returning instead of blocking.
func TestHub_SlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("r-slow")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			h.Publish("r-slow", Event{ID: fmt.Sprintf("r-slow:rev:%d", i), Revision: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds the oldest events; later ones were dropped.
	if len(ch) != subscriberBufferSize {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBufferSize)
	}
}

func TestHub_ConcurrentSubscribePublish(t *testing.T) {
	h := NewHub()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("r-%d", g%2)
			for i := 0; i < 50; i++ {
				ch, unsubscribe := h.Subscribe(id)
				h.Publish(id, Event{Revision: int64(i)})
				select {
				case <-ch:
				default:
				}
				unsubscribe()
			}
		}(g)
	}
	wg.Wait()

	if n := h.SubscriberCount("r-0") + h.SubscriberCount("r-1"); n != 0 {
		t.Errorf("leaked %d subscribers", n)
	}
}
