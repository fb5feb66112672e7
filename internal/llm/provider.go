package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/keepsake/internal/companion"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	modelCacheTTL = 10 * time.Minute
)

type ProviderConfig struct {
	Type        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	Temperature *float64
}

// ProviderGenerator generates replies through an agentsdk-go model provider.
type ProviderGenerator struct {
	provider model.Provider
}

func NewProviderGenerator(cfg ProviderConfig) *ProviderGenerator {
	var provider model.Provider
	switch cfg.Type {
	case ProviderAnthropic:
		provider = &model.AnthropicProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			MaxRetries:  cfg.MaxRetries,
			Temperature: cfg.Temperature,
			CacheTTL:    modelCacheTTL,
		}
	default: // "openai" or empty
		provider = &model.OpenAIProvider{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			MaxRetries:  cfg.MaxRetries,
			Temperature: cfg.Temperature,
			CacheTTL:    modelCacheTTL,
		}
	}
	return &ProviderGenerator{provider: provider}
}

// NewGeneratorFromProvider wraps an existing provider, typically a model.ProviderFunc.
func NewGeneratorFromProvider(p model.Provider) *ProviderGenerator {
	return &ProviderGenerator{provider: p}
}

func (g *ProviderGenerator) Complete(ctx context.Context, req Request) (string, error) {
	mdl, err := g.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}
	resp, err := mdl.Complete(ctx, toModelRequest(req))
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func (g *ProviderGenerator) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	mdl, err := g.provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		err := mdl.CompleteStream(ctx, toModelRequest(req), func(sr model.StreamResult) error {
			if sr.Delta == "" {
				return nil
			}
			select {
			case ch <- Chunk{Text: sr.Delta}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case ch <- Chunk{Err: fmt.Errorf("stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func toModelRequest(req Request) model.Request {
	msgs := make([]model.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Role == companion.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, model.Message{Role: m.Role, Content: m.Content})
	}
	if ps := strings.TrimSpace(req.Postscript); ps != "" {
		msgs = append(msgs, model.Message{Role: companion.RoleSystem, Content: ps})
	}
	return model.Request{
		Model:       req.Model,
		System:      req.System,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		SessionID:   req.User,
	}
}
