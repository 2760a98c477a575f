package model

import "time"

// Workflow identifies a stage family. Production and fulfillment share the same
// timer semantics and differ only in their stage catalog.
type Workflow string

const (
	WorkflowProduction  Workflow = "production"
	WorkflowFulfillment Workflow = "fulfillment"
)

// Valid reports whether w is a known workflow family.
func (w Workflow) Valid() bool {
	switch w {
	case WorkflowProduction, WorkflowFulfillment:
		return true
	}
	return false
}

// Stage is a named step in a production or fulfillment workflow.
type Stage struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Workflow  Workflow  `gorm:"size:32;index;not null" json:"workflow"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	Position  int       `gorm:"not null" json:"position"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}
