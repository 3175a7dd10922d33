package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yonaka/researchd/internal/research"
)

// SaveInitialSnapshot inserts a brand-new snapshot at revision 1 together
// with its synthetic "status: pending" event in a single transaction. A
// duplicate id is rejected.
func (s *Store) SaveInitialSnapshot(input research.SaveInitialSnapshotInput) (research.Snapshot, error) {
	snapshot := research.Snapshot{
		ID:            input.ID,
		Query:         input.Query,
		SelectedText:  input.SelectedText,
		VoiceCommand:  input.VoiceCommand,
		Status:        research.StatusPending,
		Revision:      1,
		Results:       []research.Result{},
		SearchResults: []research.SearchResult{},
		Citations:     []string{},
		CreatedAt:     input.CreatedAt,
		UpdatedAt:     input.CreatedAt,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return research.Snapshot{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSnapshot(tx, snapshot); err != nil {
		if isUniqueViolation(err) {
			return research.Snapshot{}, fmt.Errorf("research %s already exists", input.ID)
		}
		return research.Snapshot{}, fmt.Errorf("inserting snapshot: %w", err)
	}

	event := research.Event{
		ID:        research.EventID(snapshot.ID, snapshot.Revision),
		Revision:  snapshot.Revision,
		Type:      research.EventStatus,
		Payload:   research.EventPayload{Status: snapshot.Status},
		CreatedAt: snapshot.CreatedAt,
	}
	if err := insertEvent(tx, snapshot.ID, event); err != nil {
		return research.Snapshot{}, fmt.Errorf("inserting initial event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return research.Snapshot{}, fmt.Errorf("committing snapshot: %w", err)
	}
	return snapshot, nil
}

// UpdateSnapshot applies a partial mutation to an existing snapshot,
// incrementing its revision by exactly one, and appends the mirroring event
// in the same transaction. The event type is "status" when the mutation
// changed the lifecycle state and "snapshot" otherwise.
func (s *Store) UpdateSnapshot(input research.UpdateSnapshotInput) (research.Snapshot, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return research.Snapshot{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanSnapshot(tx.QueryRow(selectSnapshotSQL, input.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return research.Snapshot{}, fmt.Errorf("research %s: %w", input.ID, research.ErrNotFound)
	}
	if err != nil {
		return research.Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}

	statusChanged := false
	updated := current
	if input.Status != nil && *input.Status != current.Status {
		updated.Status = *input.Status
		statusChanged = true
	}
	if input.Results != nil {
		updated.Results = *input.Results
	}
	if input.SearchResults != nil {
		updated.SearchResults = *input.SearchResults
	}
	if input.Citations != nil {
		updated.Citations = *input.Citations
	}
	if input.LastError != nil {
		updated.LastError = input.LastError
	} else if input.ClearError {
		updated.LastError = nil
	}
	updated.Revision = current.Revision + 1
	updated.UpdatedAt = input.UpdatedAt

	if err := updateSnapshotRow(tx, updated); err != nil {
		return research.Snapshot{}, fmt.Errorf("updating snapshot: %w", err)
	}

	event := research.Event{
		ID:        research.EventID(updated.ID, updated.Revision),
		Revision:  updated.Revision,
		CreatedAt: updated.UpdatedAt,
	}
	if statusChanged {
		event.Type = research.EventStatus
		event.Payload = research.EventPayload{Status: updated.Status}
	} else {
		event.Type = research.EventSnapshot
		event.Payload = research.EventPayload{Revision: updated.Revision}
	}
	if err := insertEvent(tx, updated.ID, event); err != nil {
		return research.Snapshot{}, fmt.Errorf("inserting event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return research.Snapshot{}, fmt.Errorf("committing update: %w", err)
	}
	return updated, nil
}

// AppendEvent appends one event to the log without touching the snapshot.
// Used for error and result-appended events that piggyback on an already
// persisted revision.
func (s *Store) AppendEvent(researchID string, event research.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(tx, researchID, event); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return tx.Commit()
}

// GetSnapshot returns the snapshot for id, or (nil, nil) when it does not
// exist.
func (s *Store) GetSnapshot(id string) (*research.Snapshot, error) {
	snapshot, err := scanSnapshot(s.db.QueryRow(selectSnapshotSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return &snapshot, nil
}

// GetEventsSince returns all persisted events for id with revision strictly
// greater than revision, in append order. Rows whose payload no longer
// parses are skipped with a warning rather than failing the whole read.
func (s *Store) GetEventsSince(id string, revision int64) ([]research.Event, error) {
	rows, err := s.db.Query(`SELECT event_id, revision, type, payload, created_at
		FROM research_events
		WHERE research_id = ? AND revision > ?
		ORDER BY revision ASC, seq ASC`, id, revision)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []research.Event{}
	for rows.Next() {
		var (
			event     research.Event
			eventType string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&event.ID, &event.Revision, &eventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		event.Type = research.EventType(eventType)
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			slog.Warn("skipping event with malformed payload", "research_id", id, "event_id", event.ID, "error", err)
			continue
		}
		event.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

const selectSnapshotSQL = `SELECT id, query, selected_text, voice_command, status, revision,
	results, search_results, citations, last_error, created_at, updated_at
	FROM research_snapshots WHERE id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (research.Snapshot, error) {
	var (
		snapshot      research.Snapshot
		status        string
		results       string
		searchResults string
		citations     string
		lastError     sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&snapshot.ID, &snapshot.Query, &snapshot.SelectedText, &snapshot.VoiceCommand,
		&status, &snapshot.Revision, &results, &searchResults, &citations, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return research.Snapshot{}, err
	}

	snapshot.Status = research.Status(status)
	if err := json.Unmarshal([]byte(results), &snapshot.Results); err != nil {
		return research.Snapshot{}, fmt.Errorf("decoding results: %w", err)
	}
	if err := json.Unmarshal([]byte(searchResults), &snapshot.SearchResults); err != nil {
		return research.Snapshot{}, fmt.Errorf("decoding search results: %w", err)
	}
	if err := json.Unmarshal([]byte(citations), &snapshot.Citations); err != nil {
		return research.Snapshot{}, fmt.Errorf("decoding citations: %w", err)
	}
	if lastError.Valid && lastError.String != "" {
		var info research.ErrorInfo
		if err := json.Unmarshal([]byte(lastError.String), &info); err != nil {
			return research.Snapshot{}, fmt.Errorf("decoding last error: %w", err)
		}
		snapshot.LastError = &info
	}
	if snapshot.CreatedAt, err = parseTime(createdAt); err != nil {
		return research.Snapshot{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if snapshot.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return research.Snapshot{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return snapshot, nil
}

func insertSnapshot(tx *sql.Tx, snapshot research.Snapshot) error {
	results, searchResults, citations, lastError, err := encodeSnapshotColumns(snapshot)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO research_snapshots
		(id, query, selected_text, voice_command, status, revision, results, search_results, citations, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.Query, snapshot.SelectedText, snapshot.VoiceCommand,
		string(snapshot.Status), snapshot.Revision, results, searchResults, citations, lastError,
		formatTime(snapshot.CreatedAt), formatTime(snapshot.UpdatedAt))
	return err
}

func updateSnapshotRow(tx *sql.Tx, snapshot research.Snapshot) error {
	results, searchResults, citations, lastError, err := encodeSnapshotColumns(snapshot)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE research_snapshots SET
		status = ?, revision = ?, results = ?, search_results = ?, citations = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(snapshot.Status), snapshot.Revision, results, searchResults, citations, lastError,
		formatTime(snapshot.UpdatedAt), snapshot.ID)
	return err
}

func encodeSnapshotColumns(snapshot research.Snapshot) (results, searchResults, citations string, lastError any, err error) {
	resultsJSON, err := json.Marshal(snapshot.Results)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("encoding results: %w", err)
	}
	searchJSON, err := json.Marshal(snapshot.SearchResults)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("encoding search results: %w", err)
	}
	citationsJSON, err := json.Marshal(snapshot.Citations)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("encoding citations: %w", err)
	}
	lastError = nil
	if snapshot.LastError != nil {
		errJSON, err := json.Marshal(snapshot.LastError)
		if err != nil {
			return "", "", "", nil, fmt.Errorf("encoding last error: %w", err)
		}
		lastError = string(errJSON)
	}
	return string(resultsJSON), string(searchJSON), string(citationsJSON), lastError, nil
}

func insertEvent(tx *sql.Tx, researchID string, event research.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO research_events (research_id, event_id, revision, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		researchID, event.ID, event.Revision, string(event.Type), string(payload), formatTime(event.CreatedAt))
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
