package models

import (
	"time"

	"gorm.io/datatypes"
)

// DocumentStatus tracks where an uploaded rulebook sits in the ingestion
// pipeline. Transitions only move forward, except that every in-progress
// state may fall into StatusFailed.
type DocumentStatus string

const (
	// StatusPending is set when the upload has been persisted but no
	// extraction work has started yet.
	StatusPending DocumentStatus = "pending"
	// StatusProcessing is set when the extraction stage begins.
	StatusProcessing DocumentStatus = "processing"
	// StatusExtracted is set when text extraction succeeded and the
	// extracted payload has been persisted.
	StatusExtracted DocumentStatus = "extracted"
	// StatusIndexing is set when the chunk/embed/index stage begins.
	StatusIndexing DocumentStatus = "indexing"
	// StatusCompleted is terminal: the document is searchable.
	StatusCompleted DocumentStatus = "completed"
	// StatusFailed is terminal: ErrorMessage explains what went wrong.
	StatusFailed DocumentStatus = "failed"
)

// CanTransitionTo reports whether moving from s to next respects the
// forward-only pipeline ordering. Failed is reachable from any
// non-terminal state.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	if s == StatusCompleted || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	order := map[DocumentStatus]int{
		StatusPending:    0,
		StatusProcessing: 1,
		StatusExtracted:  2,
		StatusIndexing:   3,
		StatusCompleted:  4,
	}
	cur, ok1 := order[s]
	nxt, ok2 := order[next]
	return ok1 && ok2 && nxt == cur+1
}

// Document is the persisted record for one uploaded rulebook PDF. It is
// the single source of truth for pipeline state; vector records in Milvus
// are a rebuildable projection of ExtractedText.
type Document struct {
	ID         string `gorm:"primaryKey;size:36"`
	GameID     string `gorm:"index;not null;size:64"`
	UploadedBy string `gorm:"size:64"`

	FileName    string `gorm:"size:255"`
	FilePath    string `gorm:"size:512"` // object key in the rulebook bucket
	FileSize    int64
	ContentType string `gorm:"size:128"`

	Status DocumentStatus `gorm:"index;not null;size:16;default:pending"`

	ExtractedText     string         `gorm:"type:longtext"`
	ExtractedTables   datatypes.JSON // serialized []schema.Table
	ExtractedDiagrams datatypes.JSON // serialized []schema.Diagram
	PageBoundaries    datatypes.JSON // serialized []int, cumulative char offset per page
	PageCount         int
	CharCount         int
	UsedOCR           bool
	OCRConfidence     float64

	ErrorMessage string `gorm:"type:text"`

	UploadedAt          time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
}

// VectorDocumentSummary mirrors a document's indexing substatus for
// dashboard queries that must not drag the longtext columns along.
type VectorDocumentSummary struct {
	DocumentID     string `gorm:"primaryKey;size:36"`
	GameID         string `gorm:"index;size:64"`
	IndexingStatus string `gorm:"size:16"`
	ChunkCount     int
	TotalChars     int
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}
