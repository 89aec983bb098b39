package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/meepleai/meeple-backend/internal/events"
	"github.com/meepleai/meeple-backend/internal/models"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrNotPDF is returned when an uploaded file is not a PDF.
var ErrNotPDF = errors.New("uploaded file is not a PDF")

// ErrDocumentNotFound is returned when an operation references a
// document id that does not exist.
var ErrDocumentNotFound = errors.New("document not found")

// ErrNoExtractedText is returned when a re-index is requested for a
// document whose extraction stage never produced text.
var ErrNoExtractedText = errors.New("document has no extracted text to index")

// sniffLen is how many leading bytes are read for content detection.
const sniffLen = 3072

// DocumentStore is the persistence surface the pipeline drives. Every
// method that changes status commits the status and its payload fields
// atomically, so a crash between stages leaves the document in the last
// fully recorded state.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, id string) (*models.Document, error)
	MarkProcessing(ctx context.Context, id string) error
	SaveExtraction(ctx context.Context, id string, extraction *schema.ExtractionResult, structured *schema.StructuredResult) error
	MarkIndexing(ctx context.Context, id string) error
	ResetForReindex(ctx context.Context, id string) error
	StartIndexingSummary(ctx context.Context, id, gameID string) error
	MarkCompleted(ctx context.Context, id, gameID string, chunkCount, totalChars int) error
	MarkFailed(ctx context.Context, id, message string) error
}

// TaskScheduler runs pipeline stages in the background.
type TaskScheduler interface {
	Schedule(name, documentID string, fn func(ctx context.Context) error) string
}

// IngestionPipeline orchestrates the rulebook ingestion flow: upload,
// text and structured extraction, chunking, embedding and vector
// indexing. Each stage runs as a scheduled background task and commits
// its outcome before the next stage is enqueued, so progress survives
// restarts and failures are always visible in the document status.
type IngestionPipeline struct {
	store       DocumentStore
	files       interfaces.FileStore
	extractor   interfaces.TextExtractor
	structured  interfaces.StructuredExtractor
	splitter    interfaces.Splitter
	embedder    interfaces.EmbeddingModel
	vectorStore interfaces.VectorStore
	publisher   interfaces.EventPublisher
	sched       TaskScheduler
	log         *logger.Logger

	storageRoot string
}

// NewIngestionPipeline creates an IngestionPipeline. The structured
// extractor and publisher are optional and can be nil.
func NewIngestionPipeline(
	store DocumentStore,
	files interfaces.FileStore,
	extractor interfaces.TextExtractor,
	structured interfaces.StructuredExtractor,
	splitter interfaces.Splitter,
	embedder interfaces.EmbeddingModel,
	vectorStore interfaces.VectorStore,
	publisher interfaces.EventPublisher,
	sched TaskScheduler,
	storageRoot string,
	log *logger.Logger,
) *IngestionPipeline {
	return &IngestionPipeline{
		store:       store,
		files:       files,
		extractor:   extractor,
		structured:  structured,
		splitter:    splitter,
		embedder:    embedder,
		vectorStore: vectorStore,
		publisher:   publisher,
		sched:       sched,
		storageRoot: storageRoot,
		log:         log,
	}
}

// Upload validates and stores an uploaded rulebook, creates its pending
// document record and schedules the extraction stage. Returns the
// document and the extraction task id.
func (p *IngestionPipeline) Upload(ctx context.Context, gameID, uploadedBy, fileName string, r io.Reader, size int64) (*models.Document, string, error) {
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, "", fmt.Errorf("cannot read upload: %w", err)
	}
	header = header[:n]

	if !mimetype.Detect(header).Is("application/pdf") {
		return nil, "", ErrNotPDF
	}

	doc := &models.Document{
		ID:          uuid.New().String(),
		GameID:      gameID,
		UploadedBy:  uploadedBy,
		FileName:    fileName,
		FileSize:    size,
		ContentType: "application/pdf",
	}
	doc.FilePath = path.Join(p.storageRoot, gameID, doc.ID+".pdf")

	body := io.MultiReader(bytes.NewReader(header), r)
	if err := p.files.Save(ctx, doc.FilePath, body, size, doc.ContentType); err != nil {
		return nil, "", fmt.Errorf("cannot store upload: %w", err)
	}

	if err := p.store.Create(ctx, doc); err != nil {
		// The stored object is unreachable without a record; remove it.
		_ = p.files.Delete(ctx, doc.FilePath)
		return nil, "", err
	}

	p.publish(ctx, doc.ID, gameID, models.StatusPending, "", nil)

	taskID := p.sched.Schedule("extract", doc.ID, p.stage(doc.ID, gameID, p.extract))
	p.log.WithDocument(doc.ID).WithGame(gameID).Info(fmt.Sprintf("Scheduled extraction for '%s'", fileName))
	return doc, taskID, nil
}

// RebuildIndex re-runs chunking, embedding and indexing over a
// document's already extracted text. Existing vectors are replaced, not
// duplicated. Returns the indexing task id.
func (p *IngestionPipeline) RebuildIndex(ctx context.Context, documentID string) (string, error) {
	doc, err := p.store.GetByID(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", ErrDocumentNotFound
	}
	if doc.ExtractedText == "" {
		return "", ErrNoExtractedText
	}

	if err := p.store.ResetForReindex(ctx, documentID); err != nil {
		return "", err
	}
	p.publish(ctx, doc.ID, doc.GameID, models.StatusIndexing, "", map[string]interface{}{"reindex": true})

	taskID := p.sched.Schedule("reindex", doc.ID, p.stage(doc.ID, doc.GameID, p.index))
	p.log.WithDocument(doc.ID).WithGame(doc.GameID).Info("Scheduled re-index")
	return taskID, nil
}

// stage wraps a stage function so a panic inside it marks the document
// failed instead of surfacing as a crashed task with a stuck status.
func (p *IngestionPipeline) stage(documentID, gameID string, fn func(ctx context.Context, documentID string) error) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pipeline stage panicked: %v", r)
				p.fail(context.Background(), documentID, gameID, err.Error())
			}
		}()
		return fn(ctx, documentID)
	}
}

// extract is the extraction stage: it materializes the stored PDF, runs
// text and structured extraction in parallel, persists the results with
// the extracted status and schedules the indexing stage. Structured
// extraction is best effort and never fails the document.
func (p *IngestionPipeline) extract(ctx context.Context, documentID string) error {
	doc, err := p.store.GetByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	log := p.log.WithDocument(doc.ID).WithGame(doc.GameID)

	if err := p.store.MarkProcessing(ctx, doc.ID); err != nil {
		return err
	}
	p.publish(ctx, doc.ID, doc.GameID, models.StatusProcessing, "", nil)

	localPath, err := p.files.Materialize(ctx, doc.FilePath)
	if err != nil {
		p.fail(ctx, doc.ID, doc.GameID, fmt.Sprintf("cannot materialize stored file: %v", err))
		return err
	}
	defer os.Remove(localPath)

	var (
		extraction       *schema.ExtractionResult
		structuredResult *schema.StructuredResult
	)
	eg, gCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		extraction = p.extractor.Extract(gCtx, localPath)
		return nil
	})
	if p.structured != nil {
		eg.Go(func() error {
			structuredResult = p.structured.Extract(gCtx, localPath)
			return nil
		})
	}
	// Extractors report failures in their results, never as errors.
	_ = eg.Wait()

	if !extraction.Success {
		p.fail(ctx, doc.ID, doc.GameID, extraction.ErrorMessage)
		return fmt.Errorf("text extraction failed: %s", extraction.ErrorMessage)
	}
	if structuredResult != nil && !structuredResult.Success {
		log.Warn(fmt.Sprintf("Structured extraction failed, continuing without it: %s", structuredResult.ErrorMessage))
	}

	if err := p.store.SaveExtraction(ctx, doc.ID, extraction, structuredResult); err != nil {
		p.fail(ctx, doc.ID, doc.GameID, fmt.Sprintf("cannot persist extraction: %v", err))
		return err
	}
	p.publish(ctx, doc.ID, doc.GameID, models.StatusExtracted, "", map[string]interface{}{
		"pages":   extraction.PageCount,
		"chars":   extraction.CharCount,
		"usedOcr": extraction.UsedOCR,
	})
	log.WithPayload(map[string]interface{}{"pages": extraction.PageCount, "chars": extraction.CharCount, "usedOcr": extraction.UsedOCR}).Info("Extraction committed")

	p.sched.Schedule("index", doc.ID, p.stage(doc.ID, doc.GameID, func(ctx context.Context, id string) error {
		if err := p.store.MarkIndexing(ctx, id); err != nil {
			return err
		}
		p.publish(ctx, doc.ID, doc.GameID, models.StatusIndexing, "", nil)
		return p.index(ctx, id)
	}))
	return nil
}

// index is the indexing stage: it re-reads the committed extraction,
// replaces any previous vectors for the document, then chunks, embeds
// and indexes the text. On any failure the document is marked failed and
// its partial vectors are removed.
func (p *IngestionPipeline) index(ctx context.Context, documentID string) error {
	doc, err := p.store.GetByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	log := p.log.WithDocument(doc.ID).WithGame(doc.GameID)

	if err := p.store.StartIndexingSummary(ctx, doc.ID, doc.GameID); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to record indexing summary")
	}

	// Replace, never append: a re-run of this stage must not duplicate
	// the document's vectors.
	if err := p.vectorStore.DeleteDocument(ctx, doc.ID); err != nil {
		p.fail(ctx, doc.ID, doc.GameID, fmt.Sprintf("cannot clear previous vectors: %v", err))
		return err
	}

	extraction := extractionFromDocument(doc)
	chunks, err := p.splitter.Split(extraction)
	if err != nil {
		p.fail(ctx, doc.ID, doc.GameID, fmt.Sprintf("chunking failed: %v", err))
		return err
	}

	if len(chunks) == 0 {
		if err := p.store.MarkCompleted(ctx, doc.ID, doc.GameID, 0, 0); err != nil {
			return err
		}
		p.publish(ctx, doc.ID, doc.GameID, models.StatusCompleted, "", map[string]interface{}{"chunks": 0})
		log.Info("Document completed with no indexable text")
		return nil
	}

	texts := make([]string, len(chunks))
	totalChars := 0
	for i, chunk := range chunks {
		texts[i] = chunk.Text
		totalChars += len(chunk.Text)
	}
	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.failIndexing(ctx, doc.ID, doc.GameID, fmt.Sprintf("embedding failed: %v", err))
		return err
	}
	for i, chunk := range chunks {
		chunk.Embedding = embeddings[i]
	}

	indexed, err := p.vectorStore.IndexChunks(ctx, doc.GameID, doc.ID, chunks)
	if err != nil {
		p.failIndexing(ctx, doc.ID, doc.GameID, fmt.Sprintf("vector indexing failed: %v", err))
		return err
	}

	if err := p.store.MarkCompleted(ctx, doc.ID, doc.GameID, indexed, totalChars); err != nil {
		p.failIndexing(ctx, doc.ID, doc.GameID, fmt.Sprintf("cannot commit completion: %v", err))
		return err
	}
	p.publish(ctx, doc.ID, doc.GameID, models.StatusCompleted, "", map[string]interface{}{"chunks": indexed, "chars": totalChars})
	log.WithPayload(map[string]interface{}{"chunks": indexed}).Info("Indexing committed")
	return nil
}

// fail marks the document failed and announces it.
func (p *IngestionPipeline) fail(ctx context.Context, documentID, gameID, message string) {
	if err := p.store.MarkFailed(ctx, documentID, message); err != nil {
		p.log.WithDocument(documentID).WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to mark document failed")
	}
	p.publish(ctx, documentID, gameID, models.StatusFailed, message, nil)
}

// failIndexing additionally removes whatever vectors the aborted
// indexing run may have written, so a failed document never matches
// searches.
func (p *IngestionPipeline) failIndexing(ctx context.Context, documentID, gameID, message string) {
	if err := p.vectorStore.DeleteDocument(ctx, documentID); err != nil {
		p.log.WithDocument(documentID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to clean up vectors of failed document")
	}
	p.fail(ctx, documentID, gameID, message)
}

func (p *IngestionPipeline) publish(ctx context.Context, documentID, gameID string, status models.DocumentStatus, errMsg string, detail map[string]interface{}) {
	if p.publisher == nil {
		return
	}
	event := events.PipelineEvent{
		DocumentID: documentID,
		GameID:     gameID,
		Status:     string(status),
		Error:      errMsg,
		Detail:     detail,
		OccurredAt: time.Now(),
	}
	if err := p.publisher.Publish(ctx, documentID, event); err != nil {
		p.log.WithDocument(documentID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to publish pipeline event")
	}
}

// extractionFromDocument rebuilds the extraction view the splitter needs
// from the persisted document record.
func extractionFromDocument(doc *models.Document) *schema.ExtractionResult {
	var boundaries []int
	if len(doc.PageBoundaries) > 0 {
		_ = json.Unmarshal(doc.PageBoundaries, &boundaries)
	}
	return &schema.ExtractionResult{
		Success:        true,
		Text:           doc.ExtractedText,
		PageCount:      doc.PageCount,
		CharCount:      doc.CharCount,
		UsedOCR:        doc.UsedOCR,
		OCRConfidence:  doc.OCRConfidence,
		PageBoundaries: boundaries,
	}
}
