package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yonaka/researchd/internal/research"
	"github.com/yonaka/researchd/internal/storage"
)

type mockHandler struct {
	mu       sync.Mutex
	handled  []string
	handleFn func(ctx context.Context, researchID string) error
}

func (m *mockHandler) Handle(ctx context.Context, researchID string) error {
	m.mu.Lock()
	m.handled = append(m.handled, researchID)
	m.mu.Unlock()
	if m.handleFn != nil {
		return m.handleFn(ctx, researchID)
	}
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	if err := store.Enqueue("r-1", research.TriggerCreate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	handler := &mockHandler{}
	w := NewWorker(store, handler, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.handled) != 1 || handler.handled[0] != "r-1" {
		t.Errorf("handled = %v, want [r-1]", handler.handled)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs`).Scan(&status); err != nil {
		t.Fatalf("query job status: %v", err)
	}
	if status != "completed" {
		t.Errorf("job status = %q, want %q", status, "completed")
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockHandler{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true on an empty queue")
	}
}

// TestWorker_HandlerErrorFailsJob verifies a handler error marks the job
// failed without requeueing it.
func TestWorker_HandlerErrorFailsJob(t *testing.T) {
	store := openTestStore(t)
	if err := store.Enqueue("r-broken", research.TriggerCreate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	handler := &mockHandler{
		handleFn: func(_ context.Context, _ string) error {
			return fmt.Errorf("persistence unavailable")
		},
	}
	w := NewWorker(store, handler, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	var status, lastError string
	if err := store.DB().QueryRow(`SELECT status, last_error FROM jobs`).Scan(&status, &lastError); err != nil {
		t.Fatalf("query job: %v", err)
	}
	if status != "failed" {
		t.Errorf("job status = %q, want %q", status, "failed")
	}
	if lastError != "persistence unavailable" {
		t.Errorf("last_error = %q, want %q", lastError, "persistence unavailable")
	}

	// No retry: the queue must now be empty.
	didWork, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce (empty) error: %v", err)
	}
	if didWork {
		t.Error("failed job was requeued")
	}
}

func TestWorker_MalformedPayloadFailsJob(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := store.DB().Exec(`INSERT INTO jobs (id, type, payload_json, status, created_at, updated_at)
		VALUES ('j-bad', 'research_execute', '{oops', 'pending', ?, ?)`, now, now); err != nil {
		t.Fatalf("inserting malformed job: %v", err)
	}

	handler := &mockHandler{}
	w := NewWorker(store, handler, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.handled) != 0 {
		t.Errorf("handler was called for malformed payload: %v", handler.handled)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'j-bad'`).Scan(&status); err != nil {
		t.Fatalf("query job: %v", err)
	}
	if status != "failed" {
		t.Errorf("job status = %q, want %q", status, "failed")
	}
}

// TestWorker_DrainsInOrder enqueues several jobs and verifies they are
// handled one at a time in enqueue order.
func TestWorker_DrainsInOrder(t *testing.T) {
	store := openTestStore(t)
	want := []string{"r-a", "r-b", "r-c"}
	for _, id := range want {
		if err := store.Enqueue(id, research.TriggerCreate); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	handler := &mockHandler{}
	w := NewWorker(store, handler, 0)

	ctx := context.Background()
	for i := 0; i < len(want); i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.handled) != len(want) {
		t.Fatalf("handled %d jobs, want %d", len(handler.handled), len(want))
	}
	for i, id := range want {
		if handler.handled[i] != id {
			t.Errorf("handled[%d] = %q, want %q", i, handler.handled[i], id)
		}
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockHandler{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
