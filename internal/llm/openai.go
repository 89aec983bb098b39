package llm

import (
	"context"
	"fmt"

	"github.com/meepleai/meeple-backend/internal/config"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenRouterLLM answers rule questions through an OpenAI-compatible chat
// completion endpoint.
type OpenRouterLLM struct {
	client *openai.Client
	model  string
}

// NewOpenRouterLLM creates a chat client from config.
func NewOpenRouterLLM(cfg *config.OpenRouterConfig) *OpenRouterLLM {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenRouterLLM{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.ChatModel,
	}
}

// Generate sends the prompt and returns the model's answer.
func (m *OpenRouterLLM) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ interfaces.LLM = (*OpenRouterLLM)(nil)
