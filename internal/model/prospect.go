package model

import "time"

// BatchStatus represents the lifecycle state of a research batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// ItemStatus represents the state of a single prospect within a batch.
type ItemStatus string

const (
	ItemStatusQueued  ItemStatus = "queued"
	ItemStatusRunning ItemStatus = "running"
	ItemStatusDone    ItemStatus = "done"
	ItemStatusError   ItemStatus = "error"
	ItemStatusSkipped ItemStatus = "skipped"
)

// Prospect is a donor prospect to be researched. Identity and query fields
// are owned by the surrounding application; the pipeline only reads them
// and writes enrichment back keyed by ID.
type Prospect struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Employer    string `json:"employer,omitempty"`
	Title       string `json:"title,omitempty"`
	CRMRecordID string `json:"crm_record_id,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Batch is one research batch over a set of prospects.
type Batch struct {
	ID        string      `json:"id"`
	Status    BatchStatus `json:"status"`
	Total     int         `json:"total"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ItemResult is the terminal outcome for one prospect in a batch.
type ItemResult struct {
	Prospect     Prospect            `json:"prospect"`
	Status       ItemStatus          `json:"status"`
	Triangulated *TriangulatedResult `json:"triangulated,omitempty"`
	StepErrors   map[string]string   `json:"step_errors,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
}

// BatchResult summarizes a completed batch. A batch always produces a
// result even when some items never reached their terminal step.
type BatchResult struct {
	BatchID   string       `json:"batch_id"`
	Status    BatchStatus  `json:"status"`
	Items     []ItemResult `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Duration  int64        `json:"duration_ms"`
}

// Progress is a point-in-time snapshot of batch completion.
type Progress struct {
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}
