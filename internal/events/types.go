// Package events provides event management functionality.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Optimization runs
	RunStarted         EventType = "RUN_STARTED"
	IterationCompleted EventType = "ITERATION_COMPLETED"
	RunFinished        EventType = "RUN_FINISHED"

	// Node batches
	BatchCompleted EventType = "BATCH_COMPLETED"
	NodeDropped    EventType = "NODE_DROPPED"

	// Maintenance
	CreditsRefilled EventType = "CREDITS_REFILLED"
	BackupCompleted EventType = "BACKUP_COMPLETED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type the system emits.
func AllTypes() []EventType {
	return []EventType{
		RunStarted, IterationCompleted, RunFinished,
		BatchCompleted, NodeDropped,
		CreditsRefilled, BackupCompleted, ErrorOccurred,
	}
}

// Event represents a system event with typed data
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}
