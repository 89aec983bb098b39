package dal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meepleai/meeple-backend/internal/models"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidTransition is returned when a guarded status update matched
// no row, meaning the document was not in the expected state (a stale
// stage racing a newer pipeline run, or a terminal document).
var ErrInvalidTransition = errors.New("document is not in the expected status")

// DocumentDAL provides data access for rulebook documents and their
// vector summaries. Status transitions are guarded updates: the new
// status and its payload fields are written in one statement conditioned
// on the current status, so readers never observe a half-applied stage.
type DocumentDAL struct {
	db *gorm.DB
}

// NewDocumentDAL creates a DocumentDAL.
func NewDocumentDAL(db *gorm.DB) *DocumentDAL {
	return &DocumentDAL{db: db}
}

// Create persists a freshly uploaded document in pending state.
func (dal *DocumentDAL) Create(ctx context.Context, doc *models.Document) error {
	doc.Status = models.StatusPending
	doc.UploadedAt = time.Now()
	if result := dal.db.WithContext(ctx).Create(doc); result.Error != nil {
		return fmt.Errorf("cannot create document: %w", result.Error)
	}
	return nil
}

// GetByID retrieves a document, or nil when absent.
func (dal *DocumentDAL) GetByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	result := dal.db.WithContext(ctx).First(&doc, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &doc, nil
}

// ListByGame retrieves all documents of a game, newest first, without the
// extracted payload columns.
func (dal *DocumentDAL) ListByGame(ctx context.Context, gameID string) ([]*models.Document, error) {
	var docs []*models.Document
	result := dal.db.WithContext(ctx).
		Select("id", "game_id", "uploaded_by", "file_name", "file_size", "content_type",
			"status", "page_count", "char_count", "used_ocr", "error_message",
			"uploaded_at", "processing_started_at", "completed_at").
		Where("game_id = ?", gameID).
		Order("uploaded_at DESC").
		Find(&docs)
	if result.Error != nil {
		return nil, result.Error
	}
	return docs, nil
}

// MarkProcessing transitions pending -> processing.
func (dal *DocumentDAL) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now()
	return dal.guardedUpdate(ctx, id, models.StatusPending, map[string]interface{}{
		"status":                models.StatusProcessing,
		"processing_started_at": &now,
	})
}

// SaveExtraction transitions processing -> extracted, persisting the
// extracted text, page table and structured enrichment in the same
// statement as the status change.
func (dal *DocumentDAL) SaveExtraction(ctx context.Context, id string, extraction *schema.ExtractionResult, structured *schema.StructuredResult) error {
	boundaries, err := json.Marshal(extraction.PageBoundaries)
	if err != nil {
		return fmt.Errorf("cannot serialize page boundaries: %w", err)
	}

	updates := map[string]interface{}{
		"status":          models.StatusExtracted,
		"extracted_text":  extraction.Text,
		"page_boundaries": datatypes.JSON(boundaries),
		"page_count":      extraction.PageCount,
		"char_count":      extraction.CharCount,
		"used_ocr":        extraction.UsedOCR,
		"ocr_confidence":  extraction.OCRConfidence,
	}

	if structured != nil && structured.Success {
		tables, err := json.Marshal(structured.Tables)
		if err != nil {
			return fmt.Errorf("cannot serialize tables: %w", err)
		}
		diagrams, err := json.Marshal(structured.Diagrams)
		if err != nil {
			return fmt.Errorf("cannot serialize diagrams: %w", err)
		}
		updates["extracted_tables"] = datatypes.JSON(tables)
		updates["extracted_diagrams"] = datatypes.JSON(diagrams)
	}

	return dal.guardedUpdate(ctx, id, models.StatusProcessing, updates)
}

// MarkIndexing transitions extracted -> indexing.
func (dal *DocumentDAL) MarkIndexing(ctx context.Context, id string) error {
	return dal.guardedUpdate(ctx, id, models.StatusExtracted, map[string]interface{}{
		"status": models.StatusIndexing,
	})
}

// MarkCompleted transitions indexing -> completed and writes the vector
// summary in the same transaction, so the dashboard rollup can never
// disagree with the document status.
func (dal *DocumentDAL) MarkCompleted(ctx context.Context, id, gameID string, chunkCount, totalChars int) error {
	now := time.Now()
	return dal.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Document{}).
			Where("id = ? AND status = ?", id, models.StatusIndexing).
			Updates(map[string]interface{}{
				"status":       models.StatusCompleted,
				"completed_at": &now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		summary := models.VectorDocumentSummary{
			DocumentID:     id,
			GameID:         gameID,
			IndexingStatus: string(models.StatusCompleted),
			ChunkCount:     chunkCount,
			TotalChars:     totalChars,
			CompletedAt:    &now,
			UpdatedAt:      now,
		}
		return tx.Save(&summary).Error
	})
}

// MarkFailed transitions any non-terminal status to failed and records
// the error message. Also reflects the failure on the vector summary if
// the document had reached the indexing stage.
func (dal *DocumentDAL) MarkFailed(ctx context.Context, id, message string) error {
	now := time.Now()
	return dal.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Document{}).
			Where("id = ? AND status NOT IN ?", id, []models.DocumentStatus{models.StatusCompleted, models.StatusFailed}).
			Updates(map[string]interface{}{
				"status":        models.StatusFailed,
				"error_message": message,
				"completed_at":  &now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		return tx.Model(&models.VectorDocumentSummary{}).
			Where("document_id = ?", id).
			Updates(map[string]interface{}{
				"indexing_status": string(models.StatusFailed),
				"updated_at":      now,
			}).Error
	})
}

// ResetForReindex moves a document with committed extracted text back
// into indexing so its vectors can be rebuilt. Allowed from extracted,
// completed and failed; the error message of a previous failure is
// cleared.
func (dal *DocumentDAL) ResetForReindex(ctx context.Context, id string) error {
	allowed := []models.DocumentStatus{models.StatusExtracted, models.StatusCompleted, models.StatusFailed}
	result := dal.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(map[string]interface{}{
			"status":        models.StatusIndexing,
			"error_message": "",
			"completed_at":  nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// StartIndexingSummary creates or resets the vector summary when the
// indexing stage begins.
func (dal *DocumentDAL) StartIndexingSummary(ctx context.Context, id, gameID string) error {
	summary := models.VectorDocumentSummary{
		DocumentID:     id,
		GameID:         gameID,
		IndexingStatus: string(models.StatusIndexing),
		UpdatedAt:      time.Now(),
	}
	return dal.db.WithContext(ctx).Save(&summary).Error
}

// GetSummary retrieves the vector summary for a document, or nil.
func (dal *DocumentDAL) GetSummary(ctx context.Context, documentID string) (*models.VectorDocumentSummary, error) {
	var summary models.VectorDocumentSummary
	result := dal.db.WithContext(ctx).First(&summary, "document_id = ?", documentID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &summary, nil
}

// StatusCounts returns the number of documents per status, for the admin
// dashboard.
func (dal *DocumentDAL) StatusCounts(ctx context.Context) (map[models.DocumentStatus]int64, error) {
	type row struct {
		Status models.DocumentStatus
		N      int64
	}
	var rows []row
	result := dal.db.WithContext(ctx).
		Model(&models.Document{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	counts := make(map[models.DocumentStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// IndexRollup sums chunk and character counts over every completed
// vector summary, for the admin dashboard.
func (dal *DocumentDAL) IndexRollup(ctx context.Context) (chunks, chars int64, err error) {
	var row struct {
		Chunks int64
		Chars  int64
	}
	result := dal.db.WithContext(ctx).
		Model(&models.VectorDocumentSummary{}).
		Select("COALESCE(SUM(chunk_count),0) AS chunks, COALESCE(SUM(total_chars),0) AS chars").
		Where("indexing_status = ?", string(models.StatusCompleted)).
		Scan(&row)
	if result.Error != nil {
		return 0, 0, result.Error
	}
	return row.Chunks, row.Chars, nil
}

// guardedUpdate applies updates only when the document currently has the
// expected status, enforcing the forward-only state machine at the
// database level.
func (dal *DocumentDAL) guardedUpdate(ctx context.Context, id string, expected models.DocumentStatus, updates map[string]interface{}) error {
	result := dal.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}
