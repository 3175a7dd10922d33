package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yonaka/researchd/internal/research"
)

// JobTypeResearchExecute is the single job type carried by the queue.
const JobTypeResearchExecute = "research_execute"

// Job is one queued unit of work. Jobs run at most once: a failed execution
// is terminal at the queue level, and only an explicit re-execute produces a
// new attempt.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobPayload is the serialized body of a research_execute job.
type JobPayload struct {
	ResearchID string `json:"researchId"`
	Trigger    string `json:"trigger"`
}

// Enqueue inserts a pending research_execute job. Implements
// research.JobQueue.
func (s *Store) Enqueue(researchID string, trigger research.Trigger) error {
	payload, err := json.Marshal(JobPayload{ResearchID: researchID, Trigger: string(trigger)})
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`INSERT INTO jobs (id, type, payload_json, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		uuid.NewString(), JobTypeResearchExecute, string(payload), now, now)
	return err
}

// ClaimNextJob atomically moves the oldest pending job to running and
// returns it. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNextJob() (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var createdAt, updatedAt string
	err = tx.QueryRow(`SELECT id, type, payload_json, status, last_error, created_at, updated_at
		FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claim result: %w", err)
	}
	if n == 0 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing job created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing job updated_at: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(id string) error {
	return s.finishJob(id, "completed", "")
}

// FailJob marks a job as terminally failed. There is no retry or backoff:
// the research snapshot records the failure and re-execution is the caller's
// recovery path.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.finishJob(id, "failed", errMsg)
}

func (s *Store) finishJob(id, status, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// PendingJobCount reports the number of jobs waiting to be claimed.
func (s *Store) PendingJobCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&n)
	return n, err
}
