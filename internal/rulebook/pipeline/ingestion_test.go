package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meepleai/meeple-backend/internal/models"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/internal/rulebook/splitters"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"gorm.io/datatypes"
)

// pdfUpload is a minimal payload that content sniffing identifies as a PDF.
var pdfUpload = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

// memDocStore is an in-memory DocumentStore enforcing the same guarded
// transitions as the SQL implementation, and recording the status
// history for assertions.
type memDocStore struct {
	mu      sync.Mutex
	docs    map[string]*models.Document
	history map[string][]models.DocumentStatus
}

func newMemDocStore() *memDocStore {
	return &memDocStore{
		docs:    make(map[string]*models.Document),
		history: make(map[string][]models.DocumentStatus),
	}
}

func (s *memDocStore) Create(ctx context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Status = models.StatusPending
	doc.UploadedAt = time.Now()
	cp := *doc
	s.docs[doc.ID] = &cp
	s.history[doc.ID] = append(s.history[doc.ID], models.StatusPending)
	return nil
}

func (s *memDocStore) GetByID(ctx context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		cp := *doc
		return &cp, nil
	}
	return nil, nil
}

func (s *memDocStore) transition(id string, from []models.DocumentStatus, to models.DocumentStatus, mutate func(*models.Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errors.New("no such document")
	}
	allowed := false
	for _, f := range from {
		if doc.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("transition to %s refused from %s", to, doc.Status)
	}
	doc.Status = to
	if mutate != nil {
		mutate(doc)
	}
	s.history[id] = append(s.history[id], to)
	return nil
}

func (s *memDocStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(id, []models.DocumentStatus{models.StatusPending}, models.StatusProcessing, nil)
}

func (s *memDocStore) SaveExtraction(ctx context.Context, id string, extraction *schema.ExtractionResult, structured *schema.StructuredResult) error {
	return s.transition(id, []models.DocumentStatus{models.StatusProcessing}, models.StatusExtracted, func(doc *models.Document) {
		boundaries, _ := json.Marshal(extraction.PageBoundaries)
		doc.ExtractedText = extraction.Text
		doc.PageBoundaries = datatypes.JSON(boundaries)
		doc.PageCount = extraction.PageCount
		doc.CharCount = extraction.CharCount
		doc.UsedOCR = extraction.UsedOCR
		doc.OCRConfidence = extraction.OCRConfidence
		if structured != nil && structured.Success {
			tables, _ := json.Marshal(structured.Tables)
			doc.ExtractedTables = datatypes.JSON(tables)
		}
	})
}

func (s *memDocStore) MarkIndexing(ctx context.Context, id string) error {
	return s.transition(id, []models.DocumentStatus{models.StatusExtracted}, models.StatusIndexing, nil)
}

func (s *memDocStore) ResetForReindex(ctx context.Context, id string) error {
	from := []models.DocumentStatus{models.StatusExtracted, models.StatusCompleted, models.StatusFailed}
	return s.transition(id, from, models.StatusIndexing, func(doc *models.Document) {
		doc.ErrorMessage = ""
	})
}

func (s *memDocStore) StartIndexingSummary(ctx context.Context, id, gameID string) error {
	return nil
}

func (s *memDocStore) MarkCompleted(ctx context.Context, id, gameID string, chunkCount, totalChars int) error {
	return s.transition(id, []models.DocumentStatus{models.StatusIndexing}, models.StatusCompleted, nil)
}

func (s *memDocStore) MarkFailed(ctx context.Context, id, message string) error {
	from := []models.DocumentStatus{
		models.StatusPending, models.StatusProcessing,
		models.StatusExtracted, models.StatusIndexing,
	}
	return s.transition(id, from, models.StatusFailed, func(doc *models.Document) {
		doc.ErrorMessage = message
	})
}

func (s *memDocStore) statuses(id string) []models.DocumentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DocumentStatus(nil), s.history[id]...)
}

// syncScheduler runs each task inline, making the whole pipeline
// deterministic in tests.
type syncScheduler struct{ n int }

func (s *syncScheduler) Schedule(name, documentID string, fn func(ctx context.Context) error) string {
	s.n++
	_ = fn(context.Background())
	return fmt.Sprintf("task-%d", s.n)
}

// fakeFiles keeps stored objects in memory and materializes them into
// temp files.
type fakeFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{objects: make(map[string][]byte)}
}

func (f *fakeFiles) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeFiles) Materialize(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return "", errors.New("object not found")
	}
	tmp, err := os.CreateTemp("", "rulebook-*.pdf")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	return tmp.Name(), tmp.Close()
}

func (f *fakeFiles) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

// fakeTextExtractor returns a fixed result regardless of input.
type fakeTextExtractor struct{ result *schema.ExtractionResult }

func (f *fakeTextExtractor) Extract(ctx context.Context, path string) *schema.ExtractionResult {
	return f.result
}

type fakeStructuredExtractor struct{ result *schema.StructuredResult }

func (f *fakeStructuredExtractor) Extract(ctx context.Context, path string) *schema.StructuredResult {
	return f.result
}

// fakeEmbedder emits a tiny constant-dimension vector per text. It can
// be told to fail or to return nothing without an error, which is how
// the real client behaves on an empty input batch.
type fakeEmbedder struct {
	fail  bool
	empty bool
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("embedding service unavailable")
	}
	if f.empty {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

type vectorRecord struct {
	gameID string
	chunk  *schema.Chunk
}

// fakeVectorStore honors the store's scoping contract: searches only
// match the requesting game and deletes are by document.
type fakeVectorStore struct {
	mu      sync.Mutex
	records map[string][]vectorRecord // by document id
	failAdd bool
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{records: make(map[string][]vectorRecord)}
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeVectorStore) IndexChunks(ctx context.Context, gameID, documentID string, chunks []*schema.Chunk) (int, error) {
	if f.failAdd {
		return 0, errors.New("vector store unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chunk := range chunks {
		f.records[documentID] = append(f.records[documentID], vectorRecord{gameID: gameID, chunk: chunk})
	}
	return len(chunks), nil
}

func (f *fakeVectorStore) Search(ctx context.Context, gameID string, embedding []float32, limit int) ([]*schema.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []*schema.SearchHit
	for docID, records := range f.records {
		for _, rec := range records {
			if rec.gameID != gameID {
				continue
			}
			hits = append(hits, &schema.SearchHit{
				DocumentID: docID,
				GameID:     rec.gameID,
				Text:       rec.chunk.Text,
				Page:       rec.chunk.Page,
				StartChar:  rec.chunk.StartOffset,
				EndChar:    rec.chunk.EndOffset,
			})
			if len(hits) == limit {
				return hits, nil
			}
		}
	}
	return hits, nil
}

func (f *fakeVectorStore) DeleteDocument(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, documentID)
	return nil
}

func (f *fakeVectorStore) count(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[documentID])
}

// fakePublisher records published events in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (f *fakePublisher) Publish(ctx context.Context, key string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, value)
	return nil
}

type pipelineHarness struct {
	pipeline  *IngestionPipeline
	store     *memDocStore
	files     *fakeFiles
	vectors   *fakeVectorStore
	embedder  *fakeEmbedder
	extractor *fakeTextExtractor
	publisher *fakePublisher
}

func newHarness(t *testing.T, extraction *schema.ExtractionResult, structured *schema.StructuredResult) *pipelineHarness {
	t.Helper()

	splitter, err := splitters.NewCharSplitter(40, 10)
	if err != nil {
		t.Fatal(err)
	}

	h := &pipelineHarness{
		store:     newMemDocStore(),
		files:     newFakeFiles(),
		vectors:   newFakeVectorStore(),
		embedder:  &fakeEmbedder{},
		extractor: &fakeTextExtractor{result: extraction},
		publisher: &fakePublisher{},
	}

	var structuredExtractor interfaces.StructuredExtractor
	if structured != nil {
		structuredExtractor = &fakeStructuredExtractor{result: structured}
	}

	h.pipeline = NewIngestionPipeline(
		h.store, h.files, h.extractor, structuredExtractor,
		splitter, h.embedder, h.vectors, h.publisher,
		&syncScheduler{}, "rulebooks", logger.New("pipeline-test", "", ""),
	)
	return h
}

func goodExtraction(text string) *schema.ExtractionResult {
	return &schema.ExtractionResult{
		Success:        true,
		Text:           text,
		PageCount:      1,
		CharCount:      len(text),
		PageBoundaries: []int{len(text)},
	}
}

func TestUpload_RejectsNonPDF(t *testing.T) {
	h := newHarness(t, goodExtraction("text"), nil)

	_, _, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "notes.txt",
		strings.NewReader("just some plain text, definitely not a rulebook PDF"), 50)
	if !errors.Is(err, ErrNotPDF) {
		t.Fatalf("Upload() error = %v, want ErrNotPDF", err)
	}
	if len(h.store.docs) != 0 {
		t.Error("rejected upload still created a document record")
	}
}

func TestUpload_RunsPipelineToCompletion(t *testing.T) {
	text := strings.Repeat("Players take turns moving their meeples. ", 5)
	h := newHarness(t, goodExtraction(text), nil)

	doc, taskID, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "rules.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload)))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if taskID == "" {
		t.Error("Upload() returned empty task id")
	}

	want := []models.DocumentStatus{
		models.StatusPending, models.StatusProcessing,
		models.StatusExtracted, models.StatusIndexing, models.StatusCompleted,
	}
	got := h.store.statuses(doc.ID)
	if len(got) != len(want) {
		t.Fatalf("status history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status history = %v, want %v", got, want)
		}
	}

	if h.vectors.count(doc.ID) == 0 {
		t.Error("completed document has no indexed vectors")
	}

	stored, _ := h.store.GetByID(context.Background(), doc.ID)
	if stored.ExtractedText != text {
		t.Error("extracted text was not persisted")
	}
}

func TestExtract_FailureMarksDocumentFailed(t *testing.T) {
	h := newHarness(t, &schema.ExtractionResult{Success: false, ErrorMessage: "encrypted PDF"}, nil)

	doc, _, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "rules.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload)))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	stored, _ := h.store.GetByID(context.Background(), doc.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.ErrorMessage != "encrypted PDF" {
		t.Errorf("error message = %q, want extraction error", stored.ErrorMessage)
	}
}

func TestIndex_EmbeddingFailureLeavesNoVectors(t *testing.T) {
	h := newHarness(t, goodExtraction(strings.Repeat("rule text ", 20)), nil)
	h.embedder.fail = true

	doc, _, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "rules.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload)))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	stored, _ := h.store.GetByID(context.Background(), doc.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if h.vectors.count(doc.ID) != 0 {
		t.Error("failed document still has vectors in the index")
	}
}

func TestIndex_StructuredFailureDoesNotFailDocument(t *testing.T) {
	structured := &schema.StructuredResult{Success: false, ErrorMessage: "sidecar timeout"}
	h := newHarness(t, goodExtraction(strings.Repeat("rule text ", 20)), structured)

	doc, _, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "rules.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload)))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	stored, _ := h.store.GetByID(context.Background(), doc.ID)
	if stored.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed despite structured failure", stored.Status)
	}
	if len(stored.ExtractedTables) != 0 {
		t.Error("failed structured extraction still persisted tables")
	}
}

func TestIndex_EmptyTextCompletesWithZeroChunks(t *testing.T) {
	h := newHarness(t, goodExtraction(""), nil)

	doc, _, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "rules.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload)))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	stored, _ := h.store.GetByID(context.Background(), doc.ID)
	if stored.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if h.vectors.count(doc.ID) != 0 {
		t.Error("document with no text has vectors")
	}
}

func TestRebuildIndex_ReplacesInsteadOfDuplicating(t *testing.T) {
	h := newHarness(t, goodExtraction(strings.Repeat("rule text ", 20)), nil)

	doc, _, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "rules.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload)))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	before := h.vectors.count(doc.ID)
	if before == 0 {
		t.Fatal("no vectors after initial indexing")
	}

	if _, err := h.pipeline.RebuildIndex(context.Background(), doc.ID); err != nil {
		t.Fatalf("RebuildIndex() error = %v", err)
	}

	if after := h.vectors.count(doc.ID); after != before {
		t.Errorf("vector count after re-index = %d, want %d (replace, not append)", after, before)
	}
	stored, _ := h.store.GetByID(context.Background(), doc.ID)
	if stored.Status != models.StatusCompleted {
		t.Errorf("status after re-index = %s, want completed", stored.Status)
	}
}

func TestRebuildIndex_UnknownDocument(t *testing.T) {
	h := newHarness(t, goodExtraction("text"), nil)

	_, err := h.pipeline.RebuildIndex(context.Background(), "no-such-doc")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("RebuildIndex() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestSearch_IsScopedToGame(t *testing.T) {
	text := strings.Repeat("scoring is described here ", 10)
	h := newHarness(t, goodExtraction(text), nil)

	docA, _, err := h.pipeline.Upload(context.Background(), "game-a", "user-1", "a.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload)))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.pipeline.Upload(context.Background(), "game-b", "user-1", "b.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload))); err != nil {
		t.Fatal(err)
	}

	retrieval := NewRetrievalPipeline(h.embedder, h.vectors, 10, logger.New("pipeline-test", "", ""))
	hits, err := retrieval.Run(context.Background(), "game-a", "how does scoring work", 10)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits for game-a")
	}
	for _, hit := range hits {
		if hit.GameID != "game-a" {
			t.Errorf("hit from game %s leaked into game-a search", hit.GameID)
		}
		if hit.DocumentID != docA.ID {
			t.Errorf("hit references document %s, want %s", hit.DocumentID, docA.ID)
		}
	}
}

func TestRetrieval_EmptyEmbeddingResult(t *testing.T) {
	retrieval := NewRetrievalPipeline(&fakeEmbedder{empty: true}, newFakeVectorStore(), 10, logger.New("pipeline-test", "", ""))

	hits, err := retrieval.Run(context.Background(), "game-1", "any question", 5)
	if err == nil {
		t.Fatal("expected an error when the embedder returns no vectors")
	}
	if hits != nil {
		t.Errorf("expected no hits, got %d", len(hits))
	}
	if strings.Contains(err.Error(), "%!w") || strings.Contains(err.Error(), "<nil>") {
		t.Errorf("error message wraps a nil error: %q", err.Error())
	}
}

func TestQA_AnswersFromRetrievedChunks(t *testing.T) {
	text := strings.Repeat("the longest road scores two points ", 10)
	h := newHarness(t, goodExtraction(text), nil)

	if _, _, err := h.pipeline.Upload(context.Background(), "game-1", "user-1", "rules.pdf",
		bytes.NewReader(pdfUpload), int64(len(pdfUpload))); err != nil {
		t.Fatal(err)
	}

	log := logger.New("pipeline-test", "", "")
	retrieval := NewRetrievalPipeline(h.embedder, h.vectors, 10, log)
	qa := NewQAPipeline(retrieval, fakeLLM{answer: "Two points."}, log)

	answer, err := qa.Run(context.Background(), "game-1", "how much is the longest road worth", 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if answer.Answer != "Two points." {
		t.Errorf("answer = %q", answer.Answer)
	}
	if len(answer.Sources) == 0 {
		t.Error("answer carries no sources")
	}
}

func TestQA_NoMaterialShortCircuitsModel(t *testing.T) {
	h := newHarness(t, goodExtraction("text"), nil)

	log := logger.New("pipeline-test", "", "")
	retrieval := NewRetrievalPipeline(h.embedder, h.vectors, 10, log)
	qa := NewQAPipeline(retrieval, fakeLLM{err: errors.New("model must not be called")}, log)

	answer, err := qa.Run(context.Background(), "empty-game", "anything", 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if answer.Answer != noMaterialAnswer {
		t.Errorf("answer = %q, want the no-material answer", answer.Answer)
	}
}

type fakeLLM struct {
	answer string
	err    error
}

func (f fakeLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return f.answer, f.err
}
