package models

import (
	"time"

	"github.com/google/uuid"
)

// Cadence units accepted by the scheduler.
const (
	CadenceMinutes = "minutes"
	CadenceHours   = "hours"
	CadenceDays    = "days"
	CadenceWeeks   = "weeks"
)

// RAGSource is an indexable collection source with a cooperative schedule.
// The scheduler wakes sources whose NextIndexAt is due.
// Maps to: rag_sources table
type RAGSource struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Collection    string     `db:"collection" json:"collection"`
	CadenceValue  int        `db:"cadence_value" json:"cadence_value"`
	CadenceUnit   string     `db:"cadence_unit" json:"cadence_unit"`
	NextIndexAt   *time.Time `db:"next_index_at" json:"next_index_at,omitempty"`
	LastIndexedAt *time.Time `db:"last_indexed_at" json:"last_indexed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// CadenceDuration converts the configured cadence to a duration. Unknown
// units fall back to hours.
func (s *RAGSource) CadenceDuration() time.Duration {
	value := time.Duration(s.CadenceValue)
	switch s.CadenceUnit {
	case CadenceMinutes:
		return value * time.Minute
	case CadenceHours:
		return value * time.Hour
	case CadenceDays:
		return value * 24 * time.Hour
	case CadenceWeeks:
		return value * 7 * 24 * time.Hour
	default:
		return value * time.Hour
	}
}

// IndexJobStatus is the lifecycle of a RAG index job.
type IndexJobStatus string

const (
	IndexJobPending   IndexJobStatus = "pending"
	IndexJobRunning   IndexJobStatus = "running"
	IndexJobCompleted IndexJobStatus = "completed"
	IndexJobFailed    IndexJobStatus = "failed"
)

// RAGIndexJob tracks one index pass over a source. IDs are ULIDs so jobs
// sort by creation time.
// Maps to: rag_index_jobs table
type RAGIndexJob struct {
	ID         string         `db:"id" json:"id"`
	SourceID   uuid.UUID      `db:"source_id" json:"source_id"`
	Status     IndexJobStatus `db:"status" json:"status"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	FinishedAt *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
}
