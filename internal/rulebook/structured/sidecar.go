package structured

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
	"time"

	"github.com/meepleai/meeple-backend/internal/config"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/pkg/logger"
)

// SidecarExtractor implements StructuredExtractor against the pdf-parser
// sidecar service, which runs table detection (Tabula or Camelot) over
// the whole document and derives one atomic rule string per table row.
// Structured extraction is best-effort enrichment: every failure is
// folded into a result object so the ingestion pipeline can log it and
// move on.
type SidecarExtractor struct {
	endpoint   string
	useCamelot bool
	httpClient *http.Client
	log        *logger.Logger
}

// sidecarTable matches the sidecar's table payload.
type sidecarTable struct {
	PageNumber  int        `json:"page_number"`
	Headers     []string   `json:"headers"`
	Rows        [][]string `json:"rows"`
	RowCount    int        `json:"row_count"`
	ColumnCount int        `json:"column_count"`
}

// sidecarDiagram matches the sidecar's diagram payload.
type sidecarDiagram struct {
	PageNumber int    `json:"page_number"`
	Caption    string `json:"caption"`
}

// sidecarResponse matches the sidecar's extraction payload.
type sidecarResponse struct {
	Success          bool             `json:"success"`
	Tables           []sidecarTable   `json:"tables"`
	Diagrams         []sidecarDiagram `json:"diagrams"`
	AtomicRules      []string         `json:"atomic_rules"`
	ExtractionMethod string           `json:"extraction_method"`
	ErrorMessage     string           `json:"error_message"`
}

// NewSidecarExtractor creates a SidecarExtractor from config.
func NewSidecarExtractor(cfg *config.PDFParserConfig, log *logger.Logger) *SidecarExtractor {
	return &SidecarExtractor{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		useCamelot: cfg.UseCamelot,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:        log,
	}
}

// Extract uploads the PDF to the sidecar and converts its response.
// Always returns a result object; Success=false carries the message.
func (e *SidecarExtractor) Extract(ctx context.Context, path string) *schema.StructuredResult {
	res, err := e.call(ctx, path)
	if err != nil {
		e.log.Warn(fmt.Sprintf("structured extraction failed for %s: %v", path, err))
		return &schema.StructuredResult{Success: false, ErrorMessage: err.Error()}
	}
	return res
}

func (e *SidecarExtractor) call(ctx context.Context, path string) (*schema.StructuredResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("cannot buffer file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	url := e.endpoint + "/extract-tables?use_camelot=" + strconv.FormatBool(e.useCamelot)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pdf-parser request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("pdf-parser returned status %d: %s", resp.StatusCode, string(payload))
	}

	var sr sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("cannot decode pdf-parser response: %w", err)
	}

	result := &schema.StructuredResult{
		Success:      sr.Success,
		AtomicRules:  sr.AtomicRules,
		Method:       sr.ExtractionMethod,
		ErrorMessage: sr.ErrorMessage,
	}
	for _, tbl := range sr.Tables {
		result.Tables = append(result.Tables, schema.Table{
			Page:        tbl.PageNumber,
			Headers:     tbl.Headers,
			Rows:        tbl.Rows,
			RowCount:    tbl.RowCount,
			ColumnCount: tbl.ColumnCount,
		})
	}
	for _, d := range sr.Diagrams {
		result.Diagrams = append(result.Diagrams, schema.Diagram{Page: d.PageNumber, Caption: d.Caption})
	}
	return result, nil
}

var _ interfaces.StructuredExtractor = (*SidecarExtractor)(nil)
