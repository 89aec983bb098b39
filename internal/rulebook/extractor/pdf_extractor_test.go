package extractor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meepleai/meeple-backend/pkg/logger"
)

type fakeOCR struct {
	text       string
	confidence float64
	err        error
	calls      int32
}

func (f *fakeOCR) RecognizePage(ctx context.Context, path string, page int) (string, float64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", 0, f.err
	}
	return f.text, f.confidence, nil
}

func (f *fakeOCR) RecognizeDocument(ctx context.Context, path string, pageCount int) (string, float64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return f.text, f.confidence, nil
}

func newTestExtractor(ocr *fakeOCR, pages []string, nativeErr error) *PDFExtractor {
	e := NewPDFExtractor(nil, 100, logger.New("extractor-test", "", ""))
	if ocr != nil {
		e.ocr = ocr
	}
	e.native = func(path string) ([]string, error) {
		if nativeErr != nil {
			return nil, nativeErr
		}
		return pages, nil
	}
	return e
}

func TestExtract_NativeTextOnly(t *testing.T) {
	page := strings.Repeat("move one space per action point. ", 10)
	ocr := &fakeOCR{text: "ocr text", confidence: 0.9}
	e := newTestExtractor(ocr, []string{page, page}, nil)

	res := e.Extract(context.Background(), "rulebook.pdf")
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.ErrorMessage)
	}
	if res.UsedOCR {
		t.Error("dense native text must not trigger OCR")
	}
	if res.OCRConfidence != 0 {
		t.Error("OCR confidence must be absent when OCR was not used")
	}
	if got := atomic.LoadInt32(&ocr.calls); got != 0 {
		t.Errorf("OCR called %d times for dense pages", got)
	}
	if res.PageCount != 2 {
		t.Errorf("PageCount = %d, want 2", res.PageCount)
	}
	if res.CharCount != len(res.Text) {
		t.Errorf("CharCount = %d, want %d", res.CharCount, len(res.Text))
	}
}

func TestExtract_OCRFallbackOnSparsePages(t *testing.T) {
	dense := strings.Repeat("the thief steals one resource card. ", 10)
	ocrText := strings.Repeat("scanned rules recovered by ocr. ", 8)
	ocr := &fakeOCR{text: ocrText, confidence: 0.87}
	e := newTestExtractor(ocr, []string{dense, ""}, nil)

	res := e.Extract(context.Background(), "scanned.pdf")
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.ErrorMessage)
	}
	if !res.UsedOCR {
		t.Fatal("empty native page must trigger OCR")
	}
	if res.OCRConfidence <= 0 {
		t.Errorf("OCR confidence = %f, want > 0", res.OCRConfidence)
	}
	if !strings.Contains(res.Text, ocrText) {
		t.Error("merged text must contain the OCR output")
	}
	if got := atomic.LoadInt32(&ocr.calls); got != 1 {
		t.Errorf("OCR called %d times, want 1", got)
	}
}

func TestExtract_PageBoundaries(t *testing.T) {
	p1 := strings.Repeat("a", 150)
	p2 := strings.Repeat("b", 120)
	e := newTestExtractor(nil, []string{p1, p2}, nil)
	e.ocr = nil

	res := e.Extract(context.Background(), "two-pages.pdf")
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.ErrorMessage)
	}
	if len(res.PageBoundaries) != 2 {
		t.Fatalf("expected 2 page boundaries, got %d", len(res.PageBoundaries))
	}
	if res.PageBoundaries[0] != 150 || res.PageBoundaries[1] != 270 {
		t.Errorf("boundaries = %v, want [150 270]", res.PageBoundaries)
	}
	if res.PageFor(0) != 1 || res.PageFor(149) != 1 {
		t.Error("offsets inside page 1 misattributed")
	}
	if res.PageFor(150) != 2 || res.PageFor(269) != 2 {
		t.Error("offsets inside page 2 misattributed")
	}
}

func TestExtract_OCRFailureKeepsNativeText(t *testing.T) {
	ocr := &fakeOCR{err: fmt.Errorf("language data missing")}
	e := newTestExtractor(ocr, []string{"short"}, nil)

	res := e.Extract(context.Background(), "bad-ocr.pdf")
	if !res.Success {
		t.Fatalf("page-level OCR failure must not fail extraction: %s", res.ErrorMessage)
	}
	if res.UsedOCR {
		t.Error("failed OCR must not be reported as used")
	}
	if res.Text != "short" {
		t.Errorf("native text lost: %q", res.Text)
	}
}

func TestExtract_NativeFailureReported(t *testing.T) {
	e := newTestExtractor(nil, nil, fmt.Errorf("corrupt xref table"))

	res := e.Extract(context.Background(), "corrupt.pdf")
	if res.Success {
		t.Fatal("expected failure for corrupt pdf")
	}
	if res.ErrorMessage == "" {
		t.Error("failure must carry an error message")
	}
}

func TestExtract_PanicRecovered(t *testing.T) {
	e := newTestExtractor(nil, nil, nil)
	e.native = func(path string) ([]string, error) {
		panic("malformed object stream")
	}

	res := e.Extract(context.Background(), "panic.pdf")
	if res.Success {
		t.Fatal("panic during extraction must yield a failed result")
	}
	if !strings.Contains(res.ErrorMessage, "panicked") {
		t.Errorf("error message %q does not mention the panic", res.ErrorMessage)
	}
}

func TestExtract_SingleFlightNativeExtraction(t *testing.T) {
	var inFlight, maxInFlight int32
	page := strings.Repeat("x", 200)

	e := newTestExtractor(nil, nil, nil)
	e.native = func(path string) ([]string, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if cur <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, cur) {
				break
			}
		}
		defer atomic.AddInt32(&inFlight, -1)
		return []string{page}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := e.Extract(context.Background(), fmt.Sprintf("doc-%d.pdf", i))
			results[i] = res.Success
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("extraction %d failed", i)
		}
	}
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("observed %d concurrent native extractions, want 1", got)
	}
}
