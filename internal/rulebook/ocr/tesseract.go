package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meepleai/meeple-backend/internal/config"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"golang.org/x/sync/semaphore"
)

// TesseractEngine implements OCREngine against the Tesseract sidecar
// service. The sidecar rasterizes the requested PDF page and runs
// recognition; this client bounds how many recognitions are in flight at
// once with a weighted semaphore, so a burst of scanned uploads queues
// instead of exhausting sidecar memory.
type TesseractEngine struct {
	endpoint   string
	language   string
	httpClient *http.Client
	sem        *semaphore.Weighted
	log        *logger.Logger
}

// pageResponse is the sidecar's recognition payload.
type pageResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // in [0,1]
	Error      string  `json:"error,omitempty"`
}

// NewTesseractEngine creates a TesseractEngine from config.
func NewTesseractEngine(cfg *config.OCRConfig, log *logger.Logger) *TesseractEngine {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &TesseractEngine{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		language:   cfg.Language,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		log:        log,
	}
}

// RecognizePage recognizes one page. The call blocks while the engine is
// at its concurrency bound.
func (e *TesseractEngine) RecognizePage(ctx context.Context, path string, page int) (string, float64, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", 0, fmt.Errorf("acquire ocr slot: %w", err)
	}
	defer e.sem.Release(1)

	return e.recognize(ctx, path, page)
}

// RecognizeDocument recognizes every page of the document and merges the
// results in page order. Failed pages contribute empty text and are
// excluded from the confidence mean; the call fails only when no page
// could be recognized at all.
func (e *TesseractEngine) RecognizeDocument(ctx context.Context, path string, pageCount int) (string, float64, error) {
	if pageCount <= 0 {
		return "", 0, fmt.Errorf("document has no pages")
	}

	results := make([]schema.OCRPageResult, pageCount)
	var wg sync.WaitGroup
	for i := 1; i <= pageCount; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			text, conf, err := e.RecognizePage(ctx, path, page)
			results[page-1] = schema.OCRPageResult{Page: page, Text: text, Confidence: conf, Err: err}
		}(i)
	}
	wg.Wait()

	var sb strings.Builder
	var confidences []float64
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			e.log.Warn(fmt.Sprintf("OCR failed for page %d: %v", r.Page, r.Err))
			continue
		}
		sb.WriteString(r.Text)
		confidences = append(confidences, r.Confidence)
	}

	if failed == pageCount {
		return "", 0, fmt.Errorf("OCR failed for all %d pages (language '%s' available?)", pageCount, e.language)
	}

	var sum float64
	for _, c := range confidences {
		sum += c
	}
	return sb.String(), sum / float64(len(confidences)), nil
}

// recognize uploads the PDF and the page index to the sidecar.
func (e *TesseractEngine) recognize(ctx context.Context, path string, page int) (string, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("cannot open file for OCR: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", 0, fmt.Errorf("cannot buffer file for OCR: %w", err)
	}
	_ = mw.WriteField("page", strconv.Itoa(page))
	_ = mw.WriteField("language", e.language)
	if err := mw.Close(); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/ocr", &body)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("ocr sidecar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("ocr sidecar returned status %d: %s", resp.StatusCode, string(payload))
	}

	var pr pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", 0, fmt.Errorf("cannot decode ocr response: %w", err)
	}
	if pr.Error != "" {
		return "", 0, fmt.Errorf("ocr sidecar error: %s", pr.Error)
	}
	return pr.Text, pr.Confidence, nil
}

var _ interfaces.OCREngine = (*TesseractEngine)(nil)
