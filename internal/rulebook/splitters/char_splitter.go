package splitters

import (
	"fmt"

	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
)

// CharSplitter implements the Splitter interface with a fixed-size
// character window. The window advances by ChunkSize-ChunkOverlap each
// step, so consecutive chunks share exactly ChunkOverlap characters
// (except the final chunk, which may be shorter). Splitting is fully
// deterministic: the same text and parameters always produce the same
// boundaries, which is what makes re-indexing idempotent.
type CharSplitter struct {
	ChunkSize    int
	ChunkOverlap int
}

// NewCharSplitter creates a CharSplitter. An overlap greater than or
// equal to the chunk size would never advance the window, so it is
// rejected here rather than looping forever during a pipeline run.
func NewCharSplitter(chunkSize, chunkOverlap int) (*CharSplitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 {
		return nil, fmt.Errorf("chunk overlap must not be negative, got %d", chunkOverlap)
	}
	if chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)", chunkOverlap, chunkSize)
	}
	return &CharSplitter{ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}, nil
}

// Split slides the window across the extracted text and attributes each
// chunk to the page its start offset falls on. A chunk that spans a page
// break belongs to the page where it starts; the full character range is
// kept on the chunk so citations can still point at the exact span.
//
// The window is measured in runes so a boundary can never land inside a
// multi-byte character (rulebook text is full of accents, bullets and
// dashes); Start/End offsets stay byte offsets into the extracted text,
// matching the page boundary table.
func (s *CharSplitter) Split(extraction *schema.ExtractionResult) ([]*schema.Chunk, error) {
	if extraction == nil {
		return nil, fmt.Errorf("extraction result is nil")
	}

	text := extraction.Text
	if len(text) == 0 {
		return nil, nil
	}

	// runeStarts[i] is the byte offset of rune i; the sentinel at the end
	// lets a window close on the final rune.
	runeStarts := make([]int, 0, len(text)+1)
	for i := range text {
		runeStarts = append(runeStarts, i)
	}
	runeStarts = append(runeStarts, len(text))
	runeCount := len(runeStarts) - 1

	step := s.ChunkSize - s.ChunkOverlap
	var chunks []*schema.Chunk

	for start := 0; start < runeCount; start += step {
		end := start + s.ChunkSize
		if end > runeCount {
			end = runeCount
		}

		startByte := runeStarts[start]
		endByte := runeStarts[end]
		chunks = append(chunks, &schema.Chunk{
			Index:       len(chunks),
			Text:        text[startByte:endByte],
			Page:        extraction.PageFor(startByte),
			StartOffset: startByte,
			EndOffset:   endByte,
		})

		if end == runeCount {
			break
		}
	}

	return chunks, nil
}

var _ interfaces.Splitter = (*CharSplitter)(nil)
