package model

import "time"

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusActive    BatchStatus = "active"
	BatchStatusCompleted BatchStatus = "completed"
)

// StageProgress maps a stage ID to the set of item IDs completed at that stage.
type StageProgress map[string]map[string]bool

// Batch is a group of orders worked on together through stages. ActiveWorkers is
// the ephemeral in-progress set; Ledger is the durable record of closed segments.
type Batch struct {
	ID                 string        `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	Workflow           Workflow      `gorm:"size:32;index;not null" bson:"workflow" json:"workflow"`
	Name               string        `gorm:"size:256;not null" bson:"name" json:"name"`
	CurrentStageID     string        `gorm:"size:64;index" bson:"current_stage_id" json:"current_stage_id"`
	CurrentStageName   string        `gorm:"size:128" bson:"current_stage_name" json:"current_stage_name"`
	Status             BatchStatus   `gorm:"size:16;not null" bson:"status" json:"status"`
	AssignedTo         string        `gorm:"size:64" bson:"assigned_to" json:"assigned_to"`
	TotalItems         int           `gorm:"not null" bson:"total_items" json:"total_items"`
	SourceBatchID      *string       `gorm:"size:36" bson:"source_batch_id,omitempty" json:"source_batch_id,omitempty"`
	TimeStarted        *time.Time    `bson:"time_started,omitempty" json:"time_started"`
	TimerStartedAt     *time.Time    `bson:"timer_started_at,omitempty" json:"timer_started_at"`
	AccumulatedMinutes float64       `gorm:"not null" bson:"accumulated_minutes" json:"accumulated_minutes"`
	StageProgress      StageProgress `gorm:"serializer:json" bson:"stage_progress" json:"stage_progress"`
	CompletedAt        *time.Time    `bson:"completed_at,omitempty" json:"completed_at"`
	CreatedAt          time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `bson:"updated_at" json:"updated_at"`

	ActiveWorkers []BatchWorker        `gorm:"foreignKey:BatchID" bson:"active_workers" json:"active_workers"`
	Ledger        []BatchWorkerSession `gorm:"foreignKey:BatchID" bson:"ledger" json:"-"`
}

// TimerActive is derived: true iff at least one worker is active.
func (b *Batch) TimerActive() bool {
	return len(b.ActiveWorkers) > 0
}

// TimerPaused is derived: the batch has been timed before and no worker is
// currently running a segment.
func (b *Batch) TimerPaused() bool {
	if b.TimerStartedAt == nil {
		return false
	}
	for _, w := range b.ActiveWorkers {
		if !w.IsPaused {
			return false
		}
	}
	return true
}

// Worker returns the active entry for userID.
func (b *Batch) Worker(userID string) (*BatchWorker, bool) {
	for i := range b.ActiveWorkers {
		if b.ActiveWorkers[i].UserID == userID {
			return &b.ActiveWorkers[i], true
		}
	}
	return nil, false
}

// WorkerTime is one user's lifetime ledger on a batch.
type WorkerTime struct {
	UserName     string               `json:"user_name"`
	TotalMinutes float64              `json:"total_minutes"`
	Sessions     []BatchWorkerSession `json:"sessions"`
}

// WorkersTime folds the ledger into a per-user map.
func (b *Batch) WorkersTime() map[string]WorkerTime {
	out := make(map[string]WorkerTime)
	for _, s := range b.Ledger {
		wt := out[s.UserID]
		wt.UserName = s.UserName
		wt.TotalMinutes += s.Minutes
		wt.Sessions = append(wt.Sessions, s)
		out[s.UserID] = wt
	}
	return out
}

// BatchWorker is the in-progress entry of one worker on a batch.
type BatchWorker struct {
	BatchID            string    `gorm:"primaryKey;size:36" bson:"-" json:"-"`
	UserID             string    `gorm:"primaryKey;size:64" bson:"user_id" json:"user_id"`
	UserName           string    `gorm:"size:128" bson:"user_name" json:"user_name"`
	StartedAt          time.Time `gorm:"not null" bson:"started_at" json:"started_at"`
	AccumulatedMinutes float64   `gorm:"not null" bson:"accumulated_minutes" json:"accumulated_minutes"`
	IsPaused           bool      `gorm:"not null" bson:"is_paused" json:"is_paused"`
}

// BatchWorkerSession is one closed segment of work credited to a user on a batch.
type BatchWorkerSession struct {
	ID          string    `gorm:"primaryKey;size:36" bson:"id" json:"id"`
	BatchID     string    `gorm:"size:36;index;not null" bson:"-" json:"-"`
	UserID      string    `gorm:"size:64;index;not null" bson:"user_id" json:"user_id"`
	UserName    string    `gorm:"size:128" bson:"user_name" json:"user_name"`
	StartedAt   time.Time `gorm:"not null" bson:"started_at" json:"start"`
	EndedAt     time.Time `gorm:"not null;index" bson:"ended_at" json:"end"`
	Minutes     float64   `gorm:"not null" bson:"minutes" json:"minutes"`
	StageID     string    `gorm:"size:64" bson:"stage_id" json:"stage_id"`
	StageName   string    `gorm:"size:128" bson:"stage_name" json:"stage"`
	AutoStopped bool      `gorm:"not null" bson:"auto_stopped" json:"auto_stopped"`
}

// OrderStatus is the fulfillment state of an order bound to a batch.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFulfilled OrderStatus = "fulfilled"
)

// Order is the slice of the external order record that batch moves touch.
type Order struct {
	ID          string      `gorm:"primaryKey;size:64" json:"id"`
	BatchID     *string     `gorm:"size:36;index" json:"batch_id"`
	Workflow    Workflow    `gorm:"size:32" json:"workflow"`
	StageID     string      `gorm:"size:64" json:"stage_id"`
	StageName   string      `gorm:"size:128" json:"stage_name"`
	Status      OrderStatus `gorm:"size:16;not null" json:"status"`
	FulfilledAt *time.Time  `json:"fulfilled_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
