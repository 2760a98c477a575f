package model

import "time"

// UserRate holds a worker's hourly labor rate.
type UserRate struct {
	UserID     string    `gorm:"primaryKey;size:64" json:"user_id"`
	HourlyRate float64   `gorm:"not null" json:"hourly_rate"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DailyLimitAck records a user's answer to the daily-limit prompt. Rows are never
// updated; the latest row for a (user, date) wins.
type DailyLimitAck struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	UserID          string    `gorm:"size:64;not null;index:idx_ack_user_date" json:"user_id"`
	Date            string    `gorm:"size:10;not null;index:idx_ack_user_date" json:"date"` // YYYY-MM-DD
	ContinueWorking bool      `gorm:"not null" json:"continue_working"`
	AcknowledgedAt  time.Time `gorm:"not null" json:"acknowledged_at"`
}

// RoleAdmin is the role allowed to use the session override endpoints.
const RoleAdmin = "admin"

// User is the caller identity forwarded by the gateway. It is never persisted.
type User struct {
	ID   string
	Name string
	Role string
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
