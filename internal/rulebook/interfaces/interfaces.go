package interfaces

import (
	"context"
	"io"

	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
)

// TextExtractor extracts the text layer of a PDF at path, falling back to
// OCR for pages whose native text density is too low. Failures are
// reported in the result, never panicked across the stage boundary.
type TextExtractor interface {
	Extract(ctx context.Context, path string) *schema.ExtractionResult
}

// OCREngine recognizes text on rasterized PDF pages. Implementations
// bound their own concurrency; callers never manage that.
type OCREngine interface {
	// RecognizePage recognizes one page (1-based) of the PDF at path.
	RecognizePage(ctx context.Context, path string, page int) (text string, confidence float64, err error)
	// RecognizeDocument recognizes every page and merges the results.
	// Page-level failures are excluded from the confidence mean; the call
	// fails only when the engine itself is unusable.
	RecognizeDocument(ctx context.Context, path string, pageCount int) (text string, confidence float64, err error)
}

// StructuredExtractor extracts tables and diagram references from a PDF,
// independent of plain-text extraction. Always returns a result object.
type StructuredExtractor interface {
	Extract(ctx context.Context, path string) *schema.StructuredResult
}

// Splitter produces deterministic, ordered, provenance-carrying chunks
// from extracted text.
type Splitter interface {
	Split(extraction *schema.ExtractionResult) ([]*schema.Chunk, error)
}

// EmbeddingModel turns a batch of texts into equal-length vectors, in
// order. Either all N vectors are returned or the call fails as a whole.
type EmbeddingModel interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore stores and queries chunk vectors scoped by game and
// document identifiers. Search results are always filtered to the
// requesting game.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	IndexChunks(ctx context.Context, gameID, documentID string, chunks []*schema.Chunk) (int, error)
	Search(ctx context.Context, gameID string, embedding []float32, limit int) ([]*schema.SearchHit, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// FileStore persists uploaded rulebook files and materializes them to a
// local path for the extraction engines, which operate on files.
type FileStore interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Materialize downloads the object to a local file and returns its
	// path. The caller removes the file when done.
	Materialize(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// LLM generates an answer for a prompt.
type LLM interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// EventPublisher emits pipeline stage-transition events for downstream
// workflow automation.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}
