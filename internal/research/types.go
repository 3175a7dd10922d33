package research

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested research record does not exist.
var ErrNotFound = errors.New("research not found")

// Status is the lifecycle state of a research task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Citation is a processed source reference attached to a result.
type Citation struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Result is one unit of research output.
type Result struct {
	ID                 string     `json:"id"`
	Content            string     `json:"content"`
	HTMLContent        string     `json:"htmlContent,omitempty"`
	Source             string     `json:"source"`
	RelevanceScore     float64    `json:"relevanceScore"`
	ProcessedCitations []Citation `json:"processedCitations,omitempty"`
}

// SearchResult is a raw search hit returned alongside results.
type SearchResult struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// ErrorInfo records the last failure on a snapshot.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Snapshot is the authoritative current state of one research task.
// Revision starts at 1 on creation and increments by exactly 1 on every
// mutation; it doubles as the resumption token for event replay.
type Snapshot struct {
	ID            string         `json:"id"`
	Query         string         `json:"query"`
	SelectedText  string         `json:"selectedText,omitempty"`
	VoiceCommand  string         `json:"voiceCommand,omitempty"`
	Status        Status         `json:"status"`
	Revision      int64          `json:"revision"`
	Results       []Result       `json:"results"`
	SearchResults []SearchResult `json:"searchResults"`
	Citations     []string       `json:"citations"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	LastError     *ErrorInfo     `json:"lastError"`
}

// EventType discriminates the event payload.
type EventType string

const (
	EventStatus         EventType = "status"
	EventSnapshot       EventType = "snapshot"
	EventResultAppended EventType = "result-appended"
	EventError          EventType = "error"
)

// EventPayload is a tagged union over EventType. Exactly the fields for the
// event's type are populated; the rest marshal away via omitempty.
type EventPayload struct {
	// EventStatus
	Status Status `json:"status,omitempty"`
	// EventSnapshot
	Revision int64 `json:"revision,omitempty"`
	// EventResultAppended
	Result *Result `json:"result,omitempty"`
	// EventError
	Message string `json:"message,omitempty"`
}

// Event is an immutable, append-only log record mirroring a snapshot
// transition. Its revision equals the snapshot revision that produced it.
type Event struct {
	ID        string       `json:"id"`
	Revision  int64        `json:"revision"`
	Type      EventType    `json:"type"`
	Payload   EventPayload `json:"payload"`
	CreatedAt time.Time    `json:"createdAt"`
}

// EventID builds the canonical event identifier for a research id and
// revision.
func EventID(researchID string, revision int64) string {
	return fmt.Sprintf("%s:rev:%d", researchID, revision)
}

// SaveInitialSnapshotInput seeds a brand-new snapshot at revision 1.
type SaveInitialSnapshotInput struct {
	ID           string
	Query        string
	SelectedText string
	VoiceCommand string
	CreatedAt    time.Time
}

// UpdateSnapshotInput mutates an existing snapshot. Nil pointer fields are
// left untouched; non-nil fields replace the current values.
type UpdateSnapshotInput struct {
	ID            string
	Status        *Status
	Results       *[]Result
	SearchResults *[]SearchResult
	Citations     *[]string
	LastError     *ErrorInfo
	ClearError    bool
	UpdatedAt     time.Time
}

// Persistence stores revisioned snapshots and the append-only event log.
// Implementations own both exclusively; every successful write is durable
// before the call returns.
type Persistence interface {
	SaveInitialSnapshot(input SaveInitialSnapshotInput) (Snapshot, error)
	UpdateSnapshot(input UpdateSnapshotInput) (Snapshot, error)
	AppendEvent(researchID string, event Event) error
	GetSnapshot(id string) (*Snapshot, error)
	GetEventsSince(id string, revision int64) ([]Event, error)
}

// Trigger records why a processing job was enqueued.
type Trigger string

const (
	TriggerCreate    Trigger = "create"
	TriggerReExecute Trigger = "re-execute"
)

// JobQueue accepts research execution work items. Enqueue must not block on
// job completion.
type JobQueue interface {
	Enqueue(researchID string, trigger Trigger) error
}

// Publisher delivers events to live subscribers of a research id. Delivery
// is best-effort and non-persistent; late subscribers must replay from the
// persisted log instead.
type Publisher interface {
	Publish(researchID string, event Event)
}

// Subscriber registers listeners for live events of one research id.
// The returned function removes the subscription.
type Subscriber interface {
	Subscribe(researchID string) (<-chan Event, func())
}
