package extractor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"github.com/ledongthuc/pdf"
)

// nativeGate serializes access to the native PDF text extraction library,
// which is not safe for concurrent use. At most one native extraction is
// in flight per process, no matter how many documents are being ingested.
// The gate is acquired and released inside this package only; callers
// never see it.
var nativeGate sync.Mutex

// PDFExtractor implements TextExtractor on top of the native PDF text
// layer, with a per-page OCR fallback for scanned pages whose native text
// density falls below the configured threshold.
type PDFExtractor struct {
	ocr              interfaces.OCREngine
	densityThreshold float64 // chars per page below which OCR kicks in
	log              *logger.Logger

	// native reads per-page text from the PDF's text layer. Overridable
	// in tests; always invoked under nativeGate.
	native func(path string) ([]string, error)
}

// NewPDFExtractor creates a PDFExtractor. The OCR engine may be nil, in
// which case low-density pages keep their native text.
func NewPDFExtractor(ocr interfaces.OCREngine, densityThreshold float64, log *logger.Logger) *PDFExtractor {
	return &PDFExtractor{
		ocr:              ocr,
		densityThreshold: densityThreshold,
		log:              log,
		native:           readPDFPages,
	}
}

// Extract runs native extraction for every page and falls back to OCR for
// pages that look scanned. It never panics across the stage boundary:
// any failure, including a panic inside the PDF library on a corrupt
// file, is reported through the result.
func (e *PDFExtractor) Extract(ctx context.Context, path string) (result *schema.ExtractionResult) {
	result = &schema.ExtractionResult{}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("pdf extraction panicked: %v", r)
			e.log.Error(result.ErrorMessage)
		}
	}()

	pageTexts, err := e.extractNative(path)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("native extraction failed: %v", err)
		return result
	}
	if len(pageTexts) == 0 {
		result.ErrorMessage = "pdf has no pages"
		return result
	}

	var confidences []float64
	for i := range pageTexts {
		if float64(len(pageTexts[i])) >= e.densityThreshold || e.ocr == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.ErrorMessage = fmt.Sprintf("extraction cancelled: %v", err)
			return result
		}
		text, conf, err := e.ocr.RecognizePage(ctx, path, i+1)
		if err != nil {
			// Keep whatever native text the page had; a single bad page
			// must not sink the document.
			e.log.Warn(fmt.Sprintf("OCR failed for page %d of %s: %v", i+1, path, err))
			continue
		}
		if len(text) > len(pageTexts[i]) {
			pageTexts[i] = text
		}
		result.UsedOCR = true
		confidences = append(confidences, conf)
	}

	var sb strings.Builder
	boundaries := make([]int, len(pageTexts))
	for i, t := range pageTexts {
		sb.WriteString(t)
		boundaries[i] = sb.Len()
	}

	result.Success = true
	result.Text = sb.String()
	result.PageCount = len(pageTexts)
	result.CharCount = len(result.Text)
	result.PageBoundaries = boundaries
	if result.UsedOCR {
		result.OCRConfidence = mean(confidences)
	}
	return result
}

// extractNative invokes the native reader while holding the process-wide
// gate. The gate is released on every exit path, including panics, which
// the caller converts into a failed result.
func (e *PDFExtractor) extractNative(path string) ([]string, error) {
	nativeGate.Lock()
	defer nativeGate.Unlock()
	return e.native(path)
}

// readPDFPages reads the text layer of every page. Pages that fail
// individually yield empty text so the density check can route them to
// OCR.
func readPDFPages(path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open pdf: %w", err)
	}
	defer f.Close()

	numPages := r.NumPage()
	if numPages <= 0 {
		return nil, nil
	}

	texts := make([]string, numPages)
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		texts[i-1] = text
	}
	return texts, nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

var _ interfaces.TextExtractor = (*PDFExtractor)(nil)
