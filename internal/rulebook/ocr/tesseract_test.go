package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meepleai/meeple-backend/internal/config"
	"github.com/meepleai/meeple-backend/pkg/logger"
)

func writeTempPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatalf("cannot write temp file: %v", err)
	}
	return path
}

func newEngine(t *testing.T, handler http.HandlerFunc, maxConcurrent int) *TesseractEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTesseractEngine(&config.OCRConfig{
		Endpoint:       srv.URL,
		Language:       "eng",
		MaxConcurrent:  maxConcurrent,
		TimeoutSeconds: 5,
	}, logger.New("ocr-test", "", ""))
}

func TestRecognizePage(t *testing.T) {
	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.FormValue("page"); got != "3" {
			t.Errorf("page field = %q, want 3", got)
		}
		if got := r.FormValue("language"); got != "eng" {
			t.Errorf("language field = %q, want eng", got)
		}
		json.NewEncoder(w).Encode(pageResponse{Text: "each player draws two cards", Confidence: 0.91})
	}, 2)

	text, conf, err := engine.RecognizePage(context.Background(), writeTempPDF(t), 3)
	if err != nil {
		t.Fatalf("RecognizePage() error = %v", err)
	}
	if text != "each player draws two cards" {
		t.Errorf("text = %q", text)
	}
	if conf != 0.91 {
		t.Errorf("confidence = %f, want 0.91", conf)
	}
}

func TestRecognizeDocument_ConcurrencyBounded(t *testing.T) {
	var inFlight, maxSeen int32
	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxSeen)
			if cur <= max || atomic.CompareAndSwapInt32(&maxSeen, max, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		json.NewEncoder(w).Encode(pageResponse{Text: "page text ", Confidence: 0.8})
	}, 2)

	text, conf, err := engine.RecognizeDocument(context.Background(), writeTempPDF(t), 8)
	if err != nil {
		t.Fatalf("RecognizeDocument() error = %v", err)
	}
	if got := atomic.LoadInt32(&maxSeen); got > 2 {
		t.Errorf("observed %d concurrent OCR operations, bound is 2", got)
	}
	if len(text) == 0 {
		t.Error("expected merged text")
	}
	if conf != 0.8 {
		t.Errorf("mean confidence = %f, want 0.8", conf)
	}
}

func TestRecognizeDocument_PageFailureExcludedFromMean(t *testing.T) {
	var n int32
	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		page, _ := strconv.Atoi(r.FormValue("page"))
		atomic.AddInt32(&n, 1)
		if page == 2 {
			http.Error(w, "rasterization failed", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(pageResponse{Text: "ok ", Confidence: 0.6})
	}, 2)

	_, conf, err := engine.RecognizeDocument(context.Background(), writeTempPDF(t), 3)
	if err != nil {
		t.Fatalf("one failed page must not fail the document: %v", err)
	}
	if conf != 0.6 {
		t.Errorf("mean confidence = %f, want 0.6 (failed page excluded)", conf)
	}
}

func TestRecognizeDocument_AllPagesFailed(t *testing.T) {
	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pageResponse{Error: "tesseract language 'eng' not installed"})
	}, 2)

	_, _, err := engine.RecognizeDocument(context.Background(), writeTempPDF(t), 2)
	if err == nil {
		t.Fatal("expected error when every page fails")
	}
}
