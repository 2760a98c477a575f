package store

import (
	"time"

	"shopfloor-backend/internal/model"
)

// SessionFilter narrows ListSessions. Zero values are ignored.
type SessionFilter struct {
	Workflow model.Workflow
	UserID   string
	StageID  string
	BatchID  string
	// OpenOnly and ClosedOnly are mutually exclusive.
	OpenOnly   bool
	ClosedOnly bool
	// CompletedFrom and CompletedTo bound completed_at as [from, to).
	CompletedFrom *time.Time
	CompletedTo   *time.Time
	Limit         int
}

// BatchFilter narrows ListBatches. Zero values are ignored.
type BatchFilter struct {
	Workflow model.Workflow
	Status   model.BatchStatus
	StageID  string
	// WithActiveWorkers restricts the result to batches with at least one worker.
	WithActiveWorkers bool
}

// ActiveBatchWorker is an active worker entry together with its batch context.
type ActiveBatchWorker struct {
	Worker    model.BatchWorker
	BatchID   string
	BatchName string
	Workflow  model.Workflow
	StageID   string
	StageName string
}
