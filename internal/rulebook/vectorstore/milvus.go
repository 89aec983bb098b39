package vectorstore

import (
	"context"
	"fmt"

	"github.com/meepleai/meeple-backend/internal/database/milvus"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// Schema fields of the rule chunk collection.
	FieldID         = "id"
	FieldGameID     = "game_id"
	FieldDocumentID = "document_id"
	FieldPage       = "page"
	FieldCharStart  = "char_start"
	FieldCharEnd    = "char_end"
	FieldChunkIndex = "chunk_index"
	FieldText       = "text"
	FieldEmbedding  = "embedding"
)

// MilvusStore is the VectorStore adapter over the Milvus SDK. Every
// record carries the owning game and document ids as scalar fields, and
// every search appends a game_id filter expression, so cross-game
// isolation is enforced by the store itself rather than by caller
// discipline.
type MilvusStore struct {
	log        *logger.Logger
	client     client.Client
	collection string
	dim        int
}

// NewMilvusStore creates a MilvusStore over the shared Milvus client.
func NewMilvusStore(milvusClient *milvus.MilvusClient, log *logger.Logger) (*MilvusStore, error) {
	if milvusClient == nil || milvusClient.Client == nil {
		return nil, fmt.Errorf("milvus client is not initialized")
	}
	return &MilvusStore{
		log:        log,
		client:     milvusClient.Client,
		collection: milvusClient.Config.Collection,
		dim:        milvusClient.Config.Dim,
	}, nil
}

// EnsureCollection creates and loads the rule chunk collection if it does
// not exist yet. Idempotent.
func (s *MilvusStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("cannot check collection '%s': %w", s.collection, err)
	}

	if !exists {
		collSchema := entity.NewSchema().
			WithName(s.collection).
			WithDescription("rulebook chunk embeddings with game/document provenance").
			WithField(entity.NewField().WithName(FieldID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(36).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName(FieldGameID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
			WithField(entity.NewField().WithName(FieldDocumentID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(36)).
			WithField(entity.NewField().WithName(FieldPage).WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName(FieldCharStart).WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName(FieldCharEnd).WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName(FieldChunkIndex).WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName(FieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096)).
			WithField(entity.NewField().WithName(FieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))

		if err := s.client.CreateCollection(ctx, collSchema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("cannot create collection '%s': %w", s.collection, err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 96)
		if err != nil {
			return fmt.Errorf("cannot build HNSW index: %w", err)
		}
		if err := s.client.CreateIndex(ctx, s.collection, FieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("cannot create index on '%s': %w", FieldEmbedding, err)
		}
	}

	if err := s.client.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("cannot load collection '%s': %w", s.collection, err)
	}
	return nil
}

// IndexChunks upserts the chunks of one document. Every chunk must carry
// its embedding. Returns the number of records written.
func (s *MilvusStore) IndexChunks(ctx context.Context, gameID, documentID string, chunks []*schema.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	n := len(chunks)
	ids := make([]string, n)
	gameIDs := make([]string, n)
	docIDs := make([]string, n)
	pages := make([]int64, n)
	starts := make([]int64, n)
	ends := make([]int64, n)
	indexes := make([]int64, n)
	texts := make([]string, n)
	embeddings := make([][]float32, n)

	for i, c := range chunks {
		if len(c.Embedding) != s.dim {
			return 0, fmt.Errorf("chunk %d has embedding dim %d, collection expects %d", c.Index, len(c.Embedding), s.dim)
		}
		ids[i] = uuid.New().String()
		gameIDs[i] = gameID
		docIDs[i] = documentID
		pages[i] = int64(c.Page)
		starts[i] = int64(c.StartOffset)
		ends[i] = int64(c.EndOffset)
		indexes[i] = int64(c.Index)
		texts[i] = c.Text
		embeddings[i] = c.Embedding
	}

	_, err := s.client.Insert(ctx, s.collection, "",
		entity.NewColumnVarChar(FieldID, ids),
		entity.NewColumnVarChar(FieldGameID, gameIDs),
		entity.NewColumnVarChar(FieldDocumentID, docIDs),
		entity.NewColumnInt64(FieldPage, pages),
		entity.NewColumnInt64(FieldCharStart, starts),
		entity.NewColumnInt64(FieldCharEnd, ends),
		entity.NewColumnInt64(FieldChunkIndex, indexes),
		entity.NewColumnVarChar(FieldText, texts),
		entity.NewColumnFloatVector(FieldEmbedding, s.dim, embeddings),
	)
	if err != nil {
		return 0, fmt.Errorf("cannot insert chunks into Milvus: %w", err)
	}

	s.log.WithDocument(documentID).Info(fmt.Sprintf("Indexed %d chunks into collection '%s'", n, s.collection))
	return n, nil
}

// Search runs a nearest-neighbor query scoped to the given game. The
// game filter is part of the search expression, never optional.
func (s *MilvusStore) Search(ctx context.Context, gameID string, embedding []float32, limit int) ([]*schema.SearchHit, error) {
	filterExpr := fmt.Sprintf(`%s == "%s"`, FieldGameID, gameID)
	outputFields := []string{FieldID, FieldGameID, FieldDocumentID, FieldPage, FieldCharStart, FieldCharEnd, FieldText}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	results, err := s.client.Search(
		ctx, s.collection, nil, filterExpr, outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		FieldEmbedding, entity.COSINE, limit, sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}

	var hits []*schema.SearchHit
	for _, res := range results {
		ids := varCharData(res.Fields, FieldID)
		games := varCharData(res.Fields, FieldGameID)
		docs := varCharData(res.Fields, FieldDocumentID)
		texts := varCharData(res.Fields, FieldText)
		pages := int64Data(res.Fields, FieldPage)
		starts := int64Data(res.Fields, FieldCharStart)
		ends := int64Data(res.Fields, FieldCharEnd)

		for i := 0; i < res.ResultCount; i++ {
			hit := &schema.SearchHit{Score: res.Scores[i]}
			if i < len(ids) {
				hit.ChunkID = ids[i]
			}
			if i < len(games) {
				hit.GameID = games[i]
			}
			if i < len(docs) {
				hit.DocumentID = docs[i]
			}
			if i < len(texts) {
				hit.Text = texts[i]
			}
			if i < len(pages) {
				hit.Page = int(pages[i])
			}
			if i < len(starts) {
				hit.StartChar = int(starts[i])
			}
			if i < len(ends) {
				hit.EndChar = int(ends[i])
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// DeleteDocument removes every vector record belonging to the document.
// Used before re-indexing so stale chunks never survive an upload of a
// new rulebook version.
func (s *MilvusStore) DeleteDocument(ctx context.Context, documentID string) error {
	expr := fmt.Sprintf(`%s == "%s"`, FieldDocumentID, documentID)
	if err := s.client.Delete(ctx, s.collection, "", expr); err != nil {
		return fmt.Errorf("cannot delete vectors for document %s: %w", documentID, err)
	}
	return nil
}

func varCharData(fields []entity.Column, name string) []string {
	for _, f := range fields {
		if f.Name() == name {
			if col, ok := f.(*entity.ColumnVarChar); ok {
				return col.Data()
			}
		}
	}
	return nil
}

func int64Data(fields []entity.Column, name string) []int64 {
	for _, f := range fields {
		if f.Name() == name {
			if col, ok := f.(*entity.ColumnInt64); ok {
				return col.Data()
			}
		}
	}
	return nil
}

var _ interfaces.VectorStore = (*MilvusStore)(nil)
