package model

import "time"

// TimeSession is one open-or-closed work interval of a single user on a stage.
// CompletedAt == nil means the session is open.
type TimeSession struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"session_id"`
	Workflow           Workflow   `gorm:"size:32;index;not null" json:"workflow"`
	UserID             string     `gorm:"size:64;index;not null" json:"user_id"`
	UserName           string     `gorm:"size:128" json:"user_name"`
	StageID            string     `gorm:"size:64;index;not null" json:"stage_id"`
	StageName          string     `gorm:"size:128" json:"stage_name"`
	OrderID            *string    `gorm:"size:64" json:"order_id,omitempty"`
	BatchID            *string    `gorm:"size:36;index" json:"batch_id,omitempty"`
	StartedAt          time.Time  `gorm:"not null" json:"started_at"`
	AccumulatedMinutes float64    `gorm:"not null" json:"accumulated_minutes"`
	IsPaused           bool       `gorm:"not null" json:"is_paused"`
	CompletedAt        *time.Time `gorm:"index" json:"completed_at"`
	DurationMinutes    *float64   `json:"duration_minutes"`
	ItemsProcessed     int        `gorm:"not null" json:"items_processed"`
	OrdersProcessed    int        `gorm:"not null" json:"orders_processed"`
	AutoStopped        bool       `gorm:"not null" json:"auto_stopped"`
	AutoStopReason     string     `gorm:"size:256" json:"auto_stop_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsOpen reports whether the session has not been completed yet.
func (s *TimeSession) IsOpen() bool {
	return s.CompletedAt == nil
}

// TimerKind distinguishes the two flows that can hold a user's open timer.
type TimerKind string

const (
	TimerKindStage TimerKind = "stage"
	TimerKindBatch TimerKind = "batch"
)

// OpenTimer is the single-row-per-user "current timer" claim. Its primary key
// makes "at most one open timer per user" an insert-if-absent operation.
type OpenTimer struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	Kind      TimerKind `gorm:"size:16;not null" json:"kind"`
	SessionID string    `gorm:"size:36" json:"session_id,omitempty"`
	BatchID   string    `gorm:"size:36" json:"batch_id,omitempty"`
	Workflow  Workflow  `gorm:"size:32" json:"workflow"`
	StageID   string    `gorm:"size:64" json:"stage_id,omitempty"`
	ClaimedAt time.Time `gorm:"not null" json:"claimed_at"`
}

// TimerAction names an audited timer transition.
type TimerAction string

const (
	ActionWorkerJoined      TimerAction = "worker_joined"
	ActionWorkerLeft        TimerAction = "worker_left"
	ActionPaused            TimerAction = "paused"
	ActionResumed           TimerAction = "resumed"
	ActionStopped           TimerAction = "stopped"
	ActionAutoStopped       TimerAction = "auto_stopped"
	ActionLimitAcknowledged TimerAction = "limit_acknowledged"
	ActionAdminEdit         TimerAction = "admin_edit"
)

// TimerEvent is an append-only audit log entry.
type TimerEvent struct {
	ID        string      `gorm:"primaryKey;size:36" json:"id"`
	UserID    string      `gorm:"size:64;index;not null" json:"user_id"`
	UserName  string      `gorm:"size:128" json:"user_name"`
	Action    TimerAction `gorm:"size:32;not null" json:"action"`
	Workflow  Workflow    `gorm:"size:32" json:"workflow,omitempty"`
	StageID   string      `gorm:"size:64" json:"stage_id,omitempty"`
	BatchID   string      `gorm:"size:36" json:"batch_id,omitempty"`
	SessionID string      `gorm:"size:36" json:"session_id,omitempty"`
	Detail    string      `gorm:"size:512" json:"detail,omitempty"`
	At        time.Time   `gorm:"not null;index" json:"at"`
}
