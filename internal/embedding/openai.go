package embedding

import (
	"context"
	"fmt"

	"github.com/meepleai/meeple-backend/internal/config"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenRouterModel is the embedding client for any OpenAI-compatible
// endpoint (OpenRouter in production). One batch call either returns a
// vector per input text, in order, or fails as a whole; there is no
// silent partial success.
type OpenRouterModel struct {
	client *openai.Client
	model  string
}

// NewOpenRouterModel creates an embedding client from config.
func NewOpenRouterModel(cfg *config.OpenRouterConfig) *OpenRouterModel {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenRouterModel{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.EmbeddingModel,
	}
}

// EmbedBatch generates one embedding per text, preserving input order.
func (m *OpenRouterModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(m.model),
	}

	resp, err := m.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		embeddings[i] = d.Embedding
	}
	return embeddings, nil
}

var _ interfaces.EmbeddingModel = (*OpenRouterModel)(nil)
