package models

import "time"

// TaskStatus tracks a background pipeline task's lifecycle.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskRecord is the audit entry for one scheduled unit of pipeline work
// (an extraction or indexing stage). Stored in MongoDB so operators can
// inspect pipeline history without touching the relational store.
type TaskRecord struct {
	ID          string     `bson:"_id" json:"id"`
	Name        string     `bson:"name" json:"name"`
	DocumentID  string     `bson:"document_id" json:"documentId"`
	Status      TaskStatus `bson:"status" json:"status"`
	Error       string     `bson:"error,omitempty" json:"error,omitempty"`
	SubmittedAt time.Time  `bson:"submitted_at" json:"submittedAt"`
	StartedAt   *time.Time `bson:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
}
