package schema

// Chunk is a bounded span of a document's extracted text, the unit of
// embedding and retrieval. Chunks are produced and consumed within one
// indexing pass; they are not persisted as entities, but every indexed
// vector record carries the chunk's provenance fields.
type Chunk struct {
	// Index is the zero-based position of the chunk in document order.
	Index int

	// Text is the chunk's span of the extracted text.
	Text string

	// Page is the 1-based page the chunk's start offset falls on.
	Page int

	// StartOffset and EndOffset delimit [StartOffset, EndOffset) within
	// the document's extracted text.
	StartOffset int
	EndOffset   int

	// Embedding is filled in by the embedding client before indexing.
	Embedding []float32
}

// ExtractionResult is the outcome of running text extraction over one
// PDF. Extraction never panics across the stage boundary; failures are
// reported through Success and ErrorMessage.
type ExtractionResult struct {
	Success       bool
	Text          string
	PageCount     int
	CharCount     int
	UsedOCR       bool
	OCRConfidence float64 // mean confidence in [0,1], meaningful only when UsedOCR
	// PageBoundaries[i] is the cumulative character offset at which page
	// i+1 ends within Text. Used to attribute chunk offsets to pages.
	PageBoundaries []int
	ErrorMessage   string
}

// PageFor maps a character offset within the extracted text to its
// 1-based page number using the page boundary table.
func (r *ExtractionResult) PageFor(offset int) int {
	for i, end := range r.PageBoundaries {
		if offset < end {
			return i + 1
		}
	}
	if n := len(r.PageBoundaries); n > 0 {
		return n
	}
	return 1
}

// Table is one structured table detected in a PDF.
type Table struct {
	Page        int        `json:"page"`
	Headers     []string   `json:"headers"`
	Rows        [][]string `json:"rows"`
	RowCount    int        `json:"rowCount"`
	ColumnCount int        `json:"columnCount"`
}

// Diagram is a reference to a diagram or figure detected in a PDF.
type Diagram struct {
	Page    int    `json:"page"`
	Caption string `json:"caption"`
}

// StructuredResult is the outcome of structured content extraction.
// A failure yields empty lists with Success=false; it never aborts the
// ingestion pipeline.
type StructuredResult struct {
	Success      bool      `json:"success"`
	Tables       []Table   `json:"tables"`
	Diagrams     []Diagram `json:"diagrams"`
	AtomicRules  []string  `json:"atomicRules"`
	Method       string    `json:"method"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// OCRPageResult is the outcome of recognizing a single page.
type OCRPageResult struct {
	Page       int
	Text       string
	Confidence float64 // in [0,1]
	Err        error
}

// SearchHit is one nearest-neighbor result from the vector index,
// traceable back to its source document, page and character range.
type SearchHit struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	GameID     string  `json:"gameId"`
	Text       string  `json:"text"`
	Page       int     `json:"page"`
	StartChar  int     `json:"startChar"`
	EndChar    int     `json:"endChar"`
	Score      float32 `json:"score"`
}
