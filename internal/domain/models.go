package domain

import "time"

type Kind string

const (
	KindCustomers Kind = "customers"
	KindLineItems Kind = "line_items"
	KindReceipts  Kind = "receipts"
)

func Kinds() []Kind {
	return []Kind{KindCustomers, KindLineItems, KindReceipts}
}

type Resolution string

const (
	ResolutionCreatable Resolution = "CREATABLE"
	ResolutionConflict  Resolution = "CONFLICT"
	ResolutionRejected  Resolution = "REJECTED"
)

// CandidateRecord is one normalized input row. It is immutable once the
// resolver has classified it.
type CandidateRecord struct {
	SourceRow    int               `json:"source_row"`
	Fields       map[string]string `json:"fields"`
	NaturalKey   string            `json:"natural_key"`
	Resolution   Resolution        `json:"resolution"`
	RejectReason string            `json:"reject_reason,omitempty"`
}

type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Terminal reports whether a job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

type FailedRecord struct {
	SourceRow int    `json:"source_row"`
	Error     string `json:"error"`
}

// ImportJob is the durable record of one asynchronous import. Only the
// worker mutates a job after creation; everyone else polls.
type ImportJob struct {
	ID              string         `json:"job_id"`
	OwnerID         string         `json:"owner_id,omitempty"`
	Kind            Kind           `json:"kind"`
	Status          JobStatus      `json:"status"`
	TotalRecords    int            `json:"total_records"`
	CreatedCount    int            `json:"created_count"`
	FailedCount     int            `json:"failed_count"`
	ChunksDone      int            `json:"chunks_done"`
	CancelRequested bool           `json:"cancel_requested"`
	Error           string         `json:"error,omitempty"`
	FailedRecords   []FailedRecord `json:"failed_records"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// JobProgress carries cumulative counters persisted after every chunk.
// Counters are totals, not deltas, so a replayed update cannot move them
// backwards.
type JobProgress struct {
	CreatedCount int
	FailedCount  int
	ChunksDone   int
	NewFailures  []FailedRecord
}
