package research

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExecutionRequest is the input handed to the external research provider.
type ExecutionRequest struct {
	ResearchID   string
	Query        string
	SelectedText string
	VoiceCommand string
}

// ExecutionOutcome is what the provider returns on success. Status may be
// empty, in which case the processor records StatusCompleted.
type ExecutionOutcome struct {
	Status        Status
	Results       []Result
	SearchResults []SearchResult
	Citations     []string
}

// Executor runs the actual research against an external provider.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionOutcome, error)
}

// Processor drives a pending snapshot to a terminal state. It is the only
// writer of post-creation revisions; callers must not run two Handle calls
// for the same research id concurrently.
type Processor struct {
	store  Persistence
	pub    Publisher
	exec   Executor
	now    func() time.Time
	logger *slog.Logger
}

// NewProcessor wires a job processor. now may be nil (defaults to time.Now).
func NewProcessor(store Persistence, pub Publisher, exec Executor, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{store: store, pub: pub, exec: exec, now: now, logger: slog.Default()}
}

// Handle executes one research job. An unknown id is dropped silently (the
// job may refer to a deleted research). Provider failures are converted into
// a failed snapshot plus an error event and never returned to the caller;
// only persistence errors propagate.
func (p *Processor) Handle(ctx context.Context, researchID string) error {
	snapshot, err := p.store.GetSnapshot(researchID)
	if err != nil {
		return fmt.Errorf("loading snapshot %s: %w", researchID, err)
	}
	if snapshot == nil {
		p.logger.Info("skipping job for unknown research", "research_id", researchID)
		return nil
	}

	outcome, execErr := p.exec.Execute(ctx, ExecutionRequest{
		ResearchID:   snapshot.ID,
		Query:        snapshot.Query,
		SelectedText: snapshot.SelectedText,
		VoiceCommand: snapshot.VoiceCommand,
	})
	if execErr != nil {
		return p.recordFailure(snapshot.ID, execErr)
	}

	return p.recordSuccess(snapshot, outcome)
}

func (p *Processor) recordSuccess(previous *Snapshot, outcome ExecutionOutcome) error {
	status := outcome.Status
	if !status.Valid() {
		status = StatusCompleted
	}

	results := outcome.Results
	if results == nil {
		results = []Result{}
	}
	searchResults := outcome.SearchResults
	if searchResults == nil {
		searchResults = []SearchResult{}
	}
	citations := outcome.Citations
	if citations == nil {
		citations = []string{}
	}

	updated, err := p.store.UpdateSnapshot(UpdateSnapshotInput{
		ID:            previous.ID,
		Status:        &status,
		Results:       &results,
		SearchResults: &searchResults,
		Citations:     &citations,
		ClearError:    true,
		UpdatedAt:     p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persisting research outcome: %w", err)
	}

	p.pub.Publish(updated.ID, Event{
		ID:        EventID(updated.ID, updated.Revision),
		Revision:  updated.Revision,
		Type:      EventStatus,
		Payload:   EventPayload{Status: updated.Status},
		CreatedAt: updated.UpdatedAt,
	})

	// Emit one result-appended event per result that wasn't in the previous
	// snapshot, so subscribers can render incrementally instead of waiting
	// for the full payload.
	known := make(map[string]bool, len(previous.Results))
	for _, r := range previous.Results {
		known[r.ID] = true
	}
	for i := range updated.Results {
		r := updated.Results[i]
		if known[r.ID] {
			continue
		}
		event := Event{
			ID:        fmt.Sprintf("%s:result:%s", EventID(updated.ID, updated.Revision), r.ID),
			Revision:  updated.Revision,
			Type:      EventResultAppended,
			Payload:   EventPayload{Result: &r},
			CreatedAt: updated.UpdatedAt,
		}
		if err := p.store.AppendEvent(updated.ID, event); err != nil {
			return fmt.Errorf("appending result event: %w", err)
		}
		p.pub.Publish(updated.ID, event)
	}

	return nil
}

func (p *Processor) recordFailure(researchID string, execErr error) error {
	p.logger.Warn("research execution failed", "research_id", researchID, "error", execErr)

	failed := StatusFailed
	empty := []Result{}
	emptySearch := []SearchResult{}
	emptyCitations := []string{}
	updated, err := p.store.UpdateSnapshot(UpdateSnapshotInput{
		ID:            researchID,
		Status:        &failed,
		Results:       &empty,
		SearchResults: &emptySearch,
		Citations:     &emptyCitations,
		LastError:     &ErrorInfo{Message: execErr.Error()},
		UpdatedAt:     p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persisting research failure: %w", err)
	}

	event := Event{
		ID:        EventID(updated.ID, updated.Revision),
		Revision:  updated.Revision,
		Type:      EventError,
		Payload:   EventPayload{Message: execErr.Error()},
		CreatedAt: updated.UpdatedAt,
	}
	if err := p.store.AppendEvent(updated.ID, event); err != nil {
		return fmt.Errorf("appending error event: %w", err)
	}
	p.pub.Publish(updated.ID, event)

	return nil
}
