package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/schema"
	"github.com/meepleai/meeple-backend/pkg/logger"
)

// noMaterialAnswer is returned without calling the model when retrieval
// finds nothing for the game.
const noMaterialAnswer = "I could not find anything about that in this game's rulebooks."

// Answer is a generated rules answer with the retrieved chunks it was
// grounded on, so the client can cite pages.
type Answer struct {
	Answer  string              `json:"answer"`
	Sources []*schema.SearchHit `json:"sources"`
}

// QAPipeline answers rules questions over a game's indexed rulebooks.
type QAPipeline struct {
	retrieval *RetrievalPipeline
	llm       interfaces.LLM
	log       *logger.Logger
}

// NewQAPipeline creates a QAPipeline.
func NewQAPipeline(retrieval *RetrievalPipeline, llm interfaces.LLM, log *logger.Logger) *QAPipeline {
	return &QAPipeline{
		retrieval: retrieval,
		llm:       llm,
		log:       log,
	}
}

// Run retrieves the most relevant chunks for the question, builds a
// grounded prompt and asks the model.
func (p *QAPipeline) Run(ctx context.Context, gameID, question string, topK int) (*Answer, error) {
	hits, err := p.retrieval.Run(ctx, gameID, question, topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &Answer{Answer: noMaterialAnswer, Sources: []*schema.SearchHit{}}, nil
	}

	prompt := buildPrompt(question, hits)
	answer, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		p.log.WithGame(gameID).Error(fmt.Sprintf("Model failed to generate answer: %v", err))
		return nil, fmt.Errorf("cannot generate answer: %w", err)
	}

	return &Answer{Answer: answer, Sources: hits}, nil
}

// buildPrompt assembles the retrieved rulebook excerpts and the question
// into a single grounded prompt.
func buildPrompt(question string, hits []*schema.SearchHit) string {
	var sb strings.Builder

	sb.WriteString("You are a board game rules assistant. Answer the question using only the rulebook excerpts below. Cite the page number of each excerpt you use.\n\nExcerpts:\n")
	for i, hit := range hits {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("Excerpt %d (page %d):\n%s\n", i+1, hit.Page, hit.Text))
	}
	sb.WriteString("---\n\n")
	sb.WriteString(fmt.Sprintf("Question: %s", question))

	return sb.String()
}
