package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yonaka/researchd/internal/research"
)

type sseFrame struct {
	ID    string
	Event string
	Data  string
}

// readFrames parses SSE frames off the response body and sends them to the
// returned channel until the body closes.
func readFrames(t *testing.T, body *bufio.Scanner) <-chan sseFrame {
	t.Helper()
	frames := make(chan sseFrame, 16)
	go func() {
		defer close(frames)
		var frame sseFrame
		for body.Scan() {
			line := body.Text()
			switch {
			case line == "":
				if frame != (sseFrame{}) {
					frames <- frame
					frame = sseFrame{}
				}
			case strings.HasPrefix(line, "id: "):
				frame.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				frame.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frame.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case frame, ok := <-frames:
		if !ok {
			t.Fatal("stream closed before expected frame")
		}
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
	}
	return sseFrame{}
}

func openStream(t *testing.T, ctx context.Context, baseURL, id, lastEventID string) <-chan sseFrame {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/research/"+id+"/events", nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	return readFrames(t, bufio.NewScanner(resp.Body))
}

func TestStream_ReplayAndLive(t *testing.T) {
	h, svc, hub := setupHandler(t)
	server := httptest.NewServer(h)
	defer server.Close()

	created, err := svc.Create(context.Background(), research.CreateInput{Query: "stream me"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := openStream(t, ctx, server.URL, created.ID, "")

	// Replay: the persisted revision-1 pending event.
	frame := nextFrame(t, frames)
	if frame.ID != "1" || frame.Event != "status" {
		t.Fatalf("replay frame = %+v, want id 1 event status", frame)
	}
	var payload research.EventPayload
	if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Status != research.StatusPending {
		t.Errorf("payload status = %q, want pending", payload.Status)
	}

	// Live: publish through the hub and expect it on the wire.
	hub.Publish(created.ID, research.Event{
		ID:       research.EventID(created.ID, 2),
		Revision: 2,
		Type:     research.EventStatus,
		Payload:  research.EventPayload{Status: research.StatusCompleted},
	})

	frame = nextFrame(t, frames)
	if frame.ID != "2" || frame.Event != "status" {
		t.Fatalf("live frame = %+v, want id 2 event status", frame)
	}
}

// TestStream_ReconnectNoGapsNoDuplicates simulates a client that saw up to
// revision 1, missed the completion while disconnected, and reconnects with
// its last event id.
func TestStream_ReconnectNoGapsNoDuplicates(t *testing.T) {
	h, svc, _ := setupHandler(t)
	server := httptest.NewServer(h)
	defer server.Close()

	created, err := svc.Create(context.Background(), research.CreateInput{Query: "reconnect"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Progress happens while the client is away: pending -> completed, then a
	// re-execute back to pending.
	if _, err := svc.ReExecute(context.Background(), created.ID); err != nil {
		t.Fatalf("ReExecute: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := openStream(t, ctx, server.URL, created.ID, "1")

	frame := nextFrame(t, frames)
	if frame.ID != "2" {
		t.Fatalf("frame id = %q, want 2 (revision 1 already seen)", frame.ID)
	}

	// Nothing else is pending.
	select {
	case extra := <-frames:
		t.Fatalf("unexpected extra frame: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStream_CompositeLastEventID(t *testing.T) {
	h, svc, _ := setupHandler(t)
	server := httptest.NewServer(h)
	defer server.Close()

	created, err := svc.Create(context.Background(), research.CreateInput{Query: "composite"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.ReExecute(context.Background(), created.ID); err != nil {
		t.Fatalf("ReExecute: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := openStream(t, ctx, server.URL, created.ID, created.ID+":rev:1")

	frame := nextFrame(t, frames)
	if frame.ID != "2" {
		t.Fatalf("frame id = %q, want 2", frame.ID)
	}
}

func TestStream_UnknownResearch(t *testing.T) {
	h, _, _ := setupHandler(t)
	server := httptest.NewServer(h)
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/research/ghost/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

// TestStream_UnsubscribesOnDisconnect verifies the hub subscription is
// released after the client goes away.
func TestStream_UnsubscribesOnDisconnect(t *testing.T) {
	h, svc, hub := setupHandler(t)
	server := httptest.NewServer(h)
	defer server.Close()

	created, err := svc.Create(context.Background(), research.CreateInput{Query: "leak check"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	frames := openStream(t, ctx, server.URL, created.ID, "")
	nextFrame(t, frames) // the replayed pending event

	if n := hub.SubscriberCount(created.ID); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1 while connected", n)
	}

	cancel()

	deadline := time.Now().Add(3 * time.Second)
	for hub.SubscriberCount(created.ID) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
