package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/meepleai/meeple-backend/internal/auth"
	"github.com/meepleai/meeple-backend/internal/models"
	"github.com/meepleai/meeple-backend/internal/rulebook/pipeline"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxUploadBytes caps rulebook uploads at 50 MiB.
const maxUploadBytes = 50 << 20

// Ingestor is the upload/re-index surface of the ingestion pipeline.
type Ingestor interface {
	Upload(ctx context.Context, gameID, uploadedBy, fileName string, r io.Reader, size int64) (*models.Document, string, error)
	RebuildIndex(ctx context.Context, documentID string) (string, error)
}

// DocumentReader is the query surface over document records.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*models.Document, error)
	ListByGame(ctx context.Context, gameID string) ([]*models.Document, error)
	GetSummary(ctx context.Context, documentID string) (*models.VectorDocumentSummary, error)
	StatusCounts(ctx context.Context) (map[models.DocumentStatus]int64, error)
	IndexRollup(ctx context.Context) (chunks, chars int64, err error)
}

// TaskReader lists the background tasks recorded for a document.
type TaskReader interface {
	ListByDocument(ctx context.Context, documentID string) ([]*models.TaskRecord, error)
}

// Answerer answers rules questions for a game.
type Answerer interface {
	Run(ctx context.Context, gameID, question string, topK int) (*pipeline.Answer, error)
}

// GameStore is the persistence surface for games.
type GameStore interface {
	Create(ctx context.Context, game *models.Game) error
	GetByID(ctx context.Context, id string) (*models.Game, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Game, error)
}

// Authenticator handles account registration and login.
type Authenticator interface {
	Register(ctx context.Context, email, password string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, error)
}

// HealthChecker probes one backing service.
type HealthChecker func(ctx context.Context) error

// Handler holds the API endpoint handlers.
type Handler struct {
	ingestor Ingestor
	docs     DocumentReader
	games    GameStore
	tasks    TaskReader
	qa       Answerer
	auth     Authenticator
	health   map[string]HealthChecker
	log      *logger.Logger
}

// NewHandler creates a Handler. games, tasks, qa and health may be nil
// when the corresponding backing services are not configured.
func NewHandler(ingestor Ingestor, docs DocumentReader, games GameStore, tasks TaskReader, qa Answerer, authSvc Authenticator, health map[string]HealthChecker, log *logger.Logger) *Handler {
	return &Handler{
		ingestor: ingestor,
		docs:     docs,
		games:    games,
		tasks:    tasks,
		qa:       qa,
		auth:     authSvc,
		health:   health,
		log:      log,
	}
}

// credentialsRequest is the JSON body of register and login.
type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// Register handles account creation.
func (h *Handler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"userId": user.ID})
}

// Login handles credential login and returns a JWT.
func (h *Handler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

// createGameRequest is the JSON body of game creation.
type createGameRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateGame registers a new game owned by the caller.
func (h *Handler) CreateGame(c *gin.Context) {
	if h.games == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "game management is not enabled"})
		return
	}

	var req createGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	game := &models.Game{
		ID:      uuid.New().String(),
		OwnerID: c.GetString(ctxUserID),
		Name:    req.Name,
	}
	if err := h.games.Create(c.Request.Context(), game); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot create game"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"gameId": game.ID, "name": game.Name})
}

// ListGames returns the caller's games.
func (h *Handler) ListGames(c *gin.Context) {
	if h.games == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "game management is not enabled"})
		return
	}

	games, err := h.games.ListByOwner(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	if games == nil {
		games = []*models.Game{}
	}
	c.JSON(http.StatusOK, gin.H{"games": games})
}

// UploadDocument accepts a multipart rulebook upload for a game and
// schedules its ingestion. Responds 202 with the pending document.
func (h *Handler) UploadDocument(c *gin.Context) {
	gameID := c.Param("gameId")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'file' form field"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the upload size limit"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot read upload"})
		return
	}
	defer file.Close()

	doc, taskID, err := h.ingestor.Upload(c.Request.Context(), gameID, c.GetString(ctxUserID), fileHeader.Filename, file, fileHeader.Size)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotPDF) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only PDF rulebooks are accepted"})
			return
		}
		h.log.WithGame(gameID).WithError(models.ErrorInfo{Message: err.Error()}).Error("Upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"documentId": doc.ID,
		"status":     doc.Status,
		"taskId":     taskID,
	})
}

// documentResponse is the status view of one document.
type documentResponse struct {
	ID                  string          `json:"id"`
	GameID              string          `json:"gameId"`
	FileName            string          `json:"fileName"`
	FileSize            int64           `json:"fileSize"`
	Status              string          `json:"status"`
	PageCount           int             `json:"pageCount"`
	CharCount           int             `json:"charCount"`
	UsedOCR             bool            `json:"usedOcr"`
	OCRConfidence       float64         `json:"ocrConfidence,omitempty"`
	Tables              json.RawMessage `json:"tables,omitempty"`
	Diagrams            json.RawMessage `json:"diagrams,omitempty"`
	ChunkCount          int             `json:"chunkCount"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	UploadedAt          time.Time       `json:"uploadedAt"`
	ProcessingStartedAt *time.Time      `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
}

func (h *Handler) documentView(ctx context.Context, doc *models.Document) documentResponse {
	resp := documentResponse{
		ID:                  doc.ID,
		GameID:              doc.GameID,
		FileName:            doc.FileName,
		FileSize:            doc.FileSize,
		Status:              string(doc.Status),
		PageCount:           doc.PageCount,
		CharCount:           doc.CharCount,
		UsedOCR:             doc.UsedOCR,
		OCRConfidence:       doc.OCRConfidence,
		ErrorMessage:        doc.ErrorMessage,
		UploadedAt:          doc.UploadedAt,
		ProcessingStartedAt: doc.ProcessingStartedAt,
		CompletedAt:         doc.CompletedAt,
	}
	if len(doc.ExtractedTables) > 0 {
		resp.Tables = json.RawMessage(doc.ExtractedTables)
	}
	if len(doc.ExtractedDiagrams) > 0 {
		resp.Diagrams = json.RawMessage(doc.ExtractedDiagrams)
	}
	if summary, err := h.docs.GetSummary(ctx, doc.ID); err == nil && summary != nil {
		resp.ChunkCount = summary.ChunkCount
	}
	return resp
}

// GetDocument returns the processing status of one document.
func (h *Handler) GetDocument(c *gin.Context) {
	doc, err := h.docs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	c.JSON(http.StatusOK, h.documentView(c.Request.Context(), doc))
}

// ListDocuments returns all documents of a game, newest first.
func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.docs.ListByGame(c.Request.Context(), c.Param("gameId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}

	views := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		views = append(views, h.documentView(c.Request.Context(), doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": views})
}

// ListDocumentTasks returns the background task history of a document.
func (h *Handler) ListDocumentTasks(c *gin.Context) {
	if h.tasks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task history is not enabled"})
		return
	}
	records, err := h.tasks.ListByDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task lookup failed"})
		return
	}
	if records == nil {
		records = []*models.TaskRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": records})
}

// ReindexDocument schedules a rebuild of a document's vector index.
func (h *Handler) ReindexDocument(c *gin.Context) {
	taskID, err := h.ingestor.RebuildIndex(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		case errors.Is(err, pipeline.ErrNoExtractedText):
			c.JSON(http.StatusConflict, gin.H{"error": "document has no extracted text yet"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "re-index failed"})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

// qaRequest is the JSON body of a rules question.
type qaRequest struct {
	Question string `json:"question" binding:"required"`
	TopK     int    `json:"topK"`
}

// AskQuestion answers a rules question over a game's indexed rulebooks.
func (h *Handler) AskQuestion(c *gin.Context) {
	if h.qa == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "question answering is not enabled"})
		return
	}

	var req qaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	gameID := c.Param("gameId")
	answer, err := h.qa.Run(c.Request.Context(), gameID, req.Question, req.TopK)
	if err != nil {
		h.log.WithGame(gameID).WithError(models.ErrorInfo{Message: err.Error()}).Error("Question answering failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "question answering failed"})
		return
	}
	c.JSON(http.StatusOK, answer)
}

// AdminStats returns document counts per pipeline status.
func (h *Handler) AdminStats(c *gin.Context) {
	counts, err := h.docs.StatusCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats query failed"})
		return
	}

	stats := make(map[string]int64, len(counts))
	var total int64
	for status, n := range counts {
		stats[string(status)] = n
		total += n
	}

	chunks, chars, err := h.docs.IndexRollup(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documents":     stats,
		"total":         total,
		"indexedChunks": chunks,
		"indexedChars":  chars,
	})
}

// Health probes every backing service with a short timeout and reports
// per-service state. Responds 503 when any probe fails.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	services := make(map[string]string, len(h.health))
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			services[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			services[name] = "ok"
		}
	}
	c.JSON(status, gin.H{"services": services})
}
