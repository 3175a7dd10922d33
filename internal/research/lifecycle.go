package research

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateInput is the request context captured at creation time. Query is
// required; the rest is optional voice/selection context preserved verbatim
// on the snapshot.
type CreateInput struct {
	Query        string
	SelectedText string
	VoiceCommand string
}

// Service orchestrates the research lifecycle: creation, re-execution, and
// the bookkeeping both share (persistence, job enqueue, event publish).
type Service struct {
	store Persistence
	jobs  JobQueue
	pub   Publisher
	newID func() string
	now   func() time.Time
}

// NewService wires a lifecycle service. now may be nil, defaulting to
// time.Now; tests inject deterministic newID and now.
func NewService(store Persistence, jobs JobQueue, pub Publisher, newID func() string, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, jobs: jobs, pub: pub, newID: newID, now: now}
}

// Create persists an initial pending snapshot at revision 1, enqueues an
// execution job, and publishes the pending status. It returns as soon as the
// job is accepted — completion is signaled only through the event stream and
// snapshot polling.
func (s *Service) Create(ctx context.Context, input CreateInput) (Snapshot, error) {
	if strings.TrimSpace(input.Query) == "" {
		return Snapshot{}, fmt.Errorf("query is required")
	}

	id := s.newID()
	snapshot, err := s.store.SaveInitialSnapshot(SaveInitialSnapshotInput{
		ID:           id,
		Query:        input.Query,
		SelectedText: input.SelectedText,
		VoiceCommand: input.VoiceCommand,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("saving initial snapshot: %w", err)
	}

	if err := s.jobs.Enqueue(id, TriggerCreate); err != nil {
		return Snapshot{}, fmt.Errorf("enqueueing research job: %w", err)
	}

	s.pub.Publish(id, Event{
		ID:        EventID(id, snapshot.Revision),
		Revision:  snapshot.Revision,
		Type:      EventStatus,
		Payload:   EventPayload{Status: snapshot.Status},
		CreatedAt: snapshot.UpdatedAt,
	})

	return snapshot, nil
}

// ReExecute resets a terminal (or still pending) snapshot back to pending,
// clearing accumulated output and the last error, then enqueues a fresh
// execution job. Returns ErrNotFound when the id is unknown.
func (s *Service) ReExecute(ctx context.Context, researchID string) (Snapshot, error) {
	existing, err := s.store.GetSnapshot(researchID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}
	if existing == nil {
		return Snapshot{}, fmt.Errorf("research %s: %w", researchID, ErrNotFound)
	}

	pending := StatusPending
	empty := []Result{}
	emptySearch := []SearchResult{}
	emptyCitations := []string{}
	updated, err := s.store.UpdateSnapshot(UpdateSnapshotInput{
		ID:            researchID,
		Status:        &pending,
		Results:       &empty,
		SearchResults: &emptySearch,
		Citations:     &emptyCitations,
		ClearError:    true,
		UpdatedAt:     s.now().UTC(),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("resetting snapshot: %w", err)
	}

	if err := s.jobs.Enqueue(researchID, TriggerReExecute); err != nil {
		return Snapshot{}, fmt.Errorf("enqueueing research job: %w", err)
	}

	s.pub.Publish(researchID, Event{
		ID:        EventID(researchID, updated.Revision),
		Revision:  updated.Revision,
		Type:      EventStatus,
		Payload:   EventPayload{Status: updated.Status},
		CreatedAt: updated.UpdatedAt,
	})

	return updated, nil
}

// Get returns the current snapshot for researchID, or ErrNotFound.
func (s *Service) Get(ctx context.Context, researchID string) (Snapshot, error) {
	snapshot, err := s.store.GetSnapshot(researchID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}
	if snapshot == nil {
		return Snapshot{}, fmt.Errorf("research %s: %w", researchID, ErrNotFound)
	}
	return *snapshot, nil
}

// EventsSince returns the persisted events for researchID with revision
// greater than rev, ascending.
func (s *Service) EventsSince(ctx context.Context, researchID string, rev int64) ([]Event, error) {
	return s.store.GetEventsSince(researchID, rev)
}
