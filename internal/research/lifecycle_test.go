package research

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type mockPersistence struct {
	saveInitialFn    func(input SaveInitialSnapshotInput) (Snapshot, error)
	updateFn         func(input UpdateSnapshotInput) (Snapshot, error)
	appendFn         func(researchID string, event Event) error
	getFn            func(id string) (*Snapshot, error)
	getEventsSinceFn func(id string, revision int64) ([]Event, error)
}

func (m *mockPersistence) SaveInitialSnapshot(input SaveInitialSnapshotInput) (Snapshot, error) {
	return m.saveInitialFn(input)
}

func (m *mockPersistence) UpdateSnapshot(input UpdateSnapshotInput) (Snapshot, error) {
	return m.updateFn(input)
}

func (m *mockPersistence) AppendEvent(researchID string, event Event) error {
	if m.appendFn != nil {
		return m.appendFn(researchID, event)
	}
	return nil
}

func (m *mockPersistence) GetSnapshot(id string) (*Snapshot, error) {
	return m.getFn(id)
}

func (m *mockPersistence) GetEventsSince(id string, revision int64) ([]Event, error) {
	return m.getEventsSinceFn(id, revision)
}

type mockQueue struct {
	enqueued  []Trigger
	enqueueFn func(researchID string, trigger Trigger) error
}

func (m *mockQueue) Enqueue(researchID string, trigger Trigger) error {
	if m.enqueueFn != nil {
		return m.enqueueFn(researchID, trigger)
	}
	m.enqueued = append(m.enqueued, trigger)
	return nil
}

type mockPublisher struct {
	published []Event
}

func (m *mockPublisher) Publish(researchID string, event Event) {
	m.published = append(m.published, event)
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func TestService_Create(t *testing.T) {
	var savedInput SaveInitialSnapshotInput
	store := &mockPersistence{
		saveInitialFn: func(input SaveInitialSnapshotInput) (Snapshot, error) {
			savedInput = input
			return Snapshot{
				ID:        input.ID,
				Query:     input.Query,
				Status:    StatusPending,
				Revision:  1,
				CreatedAt: input.CreatedAt,
				UpdatedAt: input.CreatedAt,
			}, nil
		},
	}
	queue := &mockQueue{}
	pub := &mockPublisher{}
	svc := NewService(store, queue, pub, func() string { return "r-fixed" }, fixedNow)

	got, err := svc.Create(context.Background(), CreateInput{
		Query:        "how do goroutines work",
		SelectedText: "selection",
		VoiceCommand: "research this",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if savedInput.ID != "r-fixed" {
		t.Errorf("saved ID = %q, want r-fixed", savedInput.ID)
	}
	if savedInput.SelectedText != "selection" || savedInput.VoiceCommand != "research this" {
		t.Errorf("context not preserved: %+v", savedInput)
	}
	if got.Revision != 1 || got.Status != StatusPending {
		t.Errorf("snapshot = rev %d status %q, want rev 1 pending", got.Revision, got.Status)
	}

	if len(queue.enqueued) != 1 || queue.enqueued[0] != TriggerCreate {
		t.Errorf("enqueued = %v, want [create]", queue.enqueued)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.published))
	}
	event := pub.published[0]
	if event.ID != "r-fixed:rev:1" {
		t.Errorf("event ID = %q, want r-fixed:rev:1", event.ID)
	}
	if event.Type != EventStatus || event.Payload.Status != StatusPending {
		t.Errorf("event = %+v, want pending status event", event)
	}
}

func TestService_Create_BlankQuery(t *testing.T) {
	svc := NewService(&mockPersistence{}, &mockQueue{}, &mockPublisher{}, func() string { return "x" }, fixedNow)

	_, err := svc.Create(context.Background(), CreateInput{Query: "   "})
	if err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestService_Create_StoreError(t *testing.T) {
	store := &mockPersistence{
		saveInitialFn: func(input SaveInitialSnapshotInput) (Snapshot, error) {
			return Snapshot{}, fmt.Errorf("disk full")
		},
	}
	queue := &mockQueue{}
	pub := &mockPublisher{}
	svc := NewService(store, queue, pub, func() string { return "x" }, fixedNow)

	_, err := svc.Create(context.Background(), CreateInput{Query: "q"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(queue.enqueued) != 0 {
		t.Error("job enqueued despite failed save")
	}
	if len(pub.published) != 0 {
		t.Error("event published despite failed save")
	}
}

func TestService_ReExecute(t *testing.T) {
	var updateInput UpdateSnapshotInput
	store := &mockPersistence{
		getFn: func(id string) (*Snapshot, error) {
			return &Snapshot{ID: id, Status: StatusFailed, Revision: 4, LastError: &ErrorInfo{Message: "old failure"}}, nil
		},
		updateFn: func(input UpdateSnapshotInput) (Snapshot, error) {
			updateInput = input
			return Snapshot{ID: input.ID, Status: *input.Status, Revision: 5, UpdatedAt: input.UpdatedAt}, nil
		},
	}
	queue := &mockQueue{}
	pub := &mockPublisher{}
	svc := NewService(store, queue, pub, func() string { return "unused" }, fixedNow)

	got, err := svc.ReExecute(context.Background(), "r-re")
	if err != nil {
		t.Fatalf("ReExecute: %v", err)
	}

	if updateInput.Status == nil || *updateInput.Status != StatusPending {
		t.Errorf("update Status = %v, want pending", updateInput.Status)
	}
	if updateInput.Results == nil || len(*updateInput.Results) != 0 {
		t.Errorf("update Results = %v, want empty reset", updateInput.Results)
	}
	if updateInput.SearchResults == nil || len(*updateInput.SearchResults) != 0 {
		t.Errorf("update SearchResults = %v, want empty reset", updateInput.SearchResults)
	}
	if updateInput.Citations == nil || len(*updateInput.Citations) != 0 {
		t.Errorf("update Citations = %v, want empty reset", updateInput.Citations)
	}
	if !updateInput.ClearError {
		t.Error("ClearError = false, want true")
	}

	if got.Revision != 5 {
		t.Errorf("Revision = %d, want 5", got.Revision)
	}

	if len(queue.enqueued) != 1 || queue.enqueued[0] != TriggerReExecute {
		t.Errorf("enqueued = %v, want [re-execute]", queue.enqueued)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.published))
	}
	if pub.published[0].ID != "r-re:rev:5" || pub.published[0].Payload.Status != StatusPending {
		t.Errorf("event = %+v", pub.published[0])
	}
}

func TestService_ReExecute_NotFound(t *testing.T) {
	store := &mockPersistence{
		getFn: func(id string) (*Snapshot, error) { return nil, nil },
	}
	svc := NewService(store, &mockQueue{}, &mockPublisher{}, func() string { return "x" }, fixedNow)

	_, err := svc.ReExecute(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestService_Get(t *testing.T) {
	store := &mockPersistence{
		getFn: func(id string) (*Snapshot, error) {
			if id == "r-here" {
				return &Snapshot{ID: id, Status: StatusCompleted, Revision: 3}, nil
			}
			return nil, nil
		},
	}
	svc := NewService(store, &mockQueue{}, &mockPublisher{}, func() string { return "x" }, fixedNow)

	got, err := svc.Get(context.Background(), "r-here")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Revision != 3 {
		t.Errorf("Revision = %d, want 3", got.Revision)
	}

	_, err = svc.Get(context.Background(), "r-gone")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
