package pipeline

import (
	"context"
	"fmt"

	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/pkg/logger"
)

// RetrievalPipeline retrieves the rulebook chunks most relevant to a
// query, always scoped to one game.
type RetrievalPipeline struct {
	embedder     interfaces.EmbeddingModel
	vectorStore  interfaces.VectorStore
	defaultLimit int
	log          *logger.Logger
}

// NewRetrievalPipeline creates a RetrievalPipeline. defaultLimit is used
// when a caller passes a non-positive topK.
func NewRetrievalPipeline(embedder interfaces.EmbeddingModel, vectorStore interfaces.VectorStore, defaultLimit int, log *logger.Logger) *RetrievalPipeline {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &RetrievalPipeline{
		embedder:     embedder,
		vectorStore:  vectorStore,
		defaultLimit: defaultLimit,
		log:          log,
	}
}

// Run embeds the query and searches the game's vectors.
func (p *RetrievalPipeline) Run(ctx context.Context, gameID, query string, topK int) ([]*schema.SearchHit, error) {
	if topK <= 0 {
		topK = p.defaultLimit
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("cannot embed query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedding model returned no vector for query")
	}

	hits, err := p.vectorStore.Search(ctx, gameID, embeddings[0], topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	p.log.WithGame(gameID).Info(fmt.Sprintf("Retrieved %d chunks for query", len(hits)))
	return hits, nil
}
