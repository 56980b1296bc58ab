// Package reply builds the model request for a batch and returns the raw
// model text. It does not interpret the reply.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"commerce-agent/internal/domain"
)

const (
	DefaultModel         = "gpt-4o-mini"
	defaultPromptHistory = 20
	catalogLimit         = 60
)

// ErrNoReply means generation failed and no fallback reply is configured.
var ErrNoReply = errors.New("reply: generation failed and no fallback reply is configured")

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type Catalog interface {
	InStock(ctx context.Context, limit int) ([]domain.Product, error)
}

// Request is one generation: prior history plus the combined batch content.
type Request struct {
	Conversation domain.Conversation
	Content      domain.Content
}

type Reply struct {
	Text     string
	Fallback bool
}

type Generator struct {
	params        ParamGetter
	llm           LLMClient
	catalog       Catalog
	paramPrefix   string
	promptHistory int
}

func NewGenerator(p ParamGetter, llm LLMClient, catalog Catalog, paramPrefix string, promptHistory int) (*Generator, error) {
	if p == nil {
		return nil, errors.New("reply: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("reply: llm client must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("reply: catalog must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("reply: parameter prefix must not be empty")
	}
	if promptHistory <= 0 {
		promptHistory = defaultPromptHistory
	}
	return &Generator{
		params:        p,
		llm:           llm,
		catalog:       catalog,
		paramPrefix:   paramPrefix,
		promptHistory: promptHistory,
	}, nil
}

// Generate calls the model. When that fails the configured fallback reply is
// returned instead; with no fallback the error wraps ErrNoReply and the
// generation failure.
func (g *Generator) Generate(ctx context.Context, req Request) (Reply, error) {
	text, err := g.generate(ctx, req)
	if err == nil {
		return Reply{Text: text}, nil
	}
	slog.Warn("reply generation failed", "conversation_id", req.Conversation.ID, "err", err)

	fallback, ferr := g.params.GetParameter(ctx, g.paramPrefix+"/fallback_reply")
	if ferr != nil || strings.TrimSpace(fallback) == "" {
		return Reply{}, fmt.Errorf("%w: %w", ErrNoReply, err)
	}
	return Reply{Text: strings.TrimSpace(fallback), Fallback: true}, nil
}

func (g *Generator) generate(ctx context.Context, req Request) (string, error) {
	instructions, err := g.params.GetParameter(ctx, g.paramPrefix+"/instructions")
	if err != nil {
		return "", fmt.Errorf("reply: load instructions: %w", err)
	}
	model, err := g.params.GetParameter(ctx, g.paramPrefix+"/config/openai_model")
	if err != nil || strings.TrimSpace(model) == "" {
		model = DefaultModel
	}

	products, err := g.catalog.InStock(ctx, catalogLimit)
	if err != nil {
		// continue without catalog context
		slog.Warn("catalog unavailable for prompt", "err", err)
		products = nil
	}

	history := req.Conversation.History
	if len(history) > g.promptHistory {
		history = history[len(history)-g.promptHistory:]
	}

	messages := buildPromptMessages(promptContext{
		instructions: instructions,
		products:     products,
		delivery:     req.Conversation.Delivery,
		operatorNote: req.Conversation.OperatorInstruction,
	}, history, req.Content)

	return g.llm.Chat(ctx, strings.TrimSpace(model), messages)
}
