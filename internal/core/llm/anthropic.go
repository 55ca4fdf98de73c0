package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
)

const (
	anthropicRateLimiterBurst = 5
	anthropicMaxTokens        = 2048
)

// anthropicProvider is the hosted fallback used when the GPU endpoint
// is unreachable or failing.
type anthropicProvider struct {
	cfg         *config.Config
	client      anthropic.Client
	logger      *zerolog.Logger
	rateLimiter *rate.Limiter
}

// NewAnthropic creates the Anthropic fallback provider.
func NewAnthropic(cfg *config.Config, logger *zerolog.Logger) Provider {
	return &anthropicProvider{
		cfg:         cfg,
		client:      anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		logger:      logger,
		rateLimiter: rate.NewLimiter(rate.Limit(1), anthropicRateLimiterBurst),
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Model() string { return p.cfg.AnthropicModel }

func (p *anthropicProvider) IsAvailable(_ context.Context) bool {
	return p.cfg.AnthropicAPIKey != ""
}

func (p *anthropicProvider) Chat(ctx context.Context, system, user string) (string, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.AnthropicModel),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic chat completion: %w", err)
	}

	text := extractTextFromResponse(resp)
	if text == "" {
		return "", fmt.Errorf("anthropic chat completion: empty response")
	}

	return text, nil
}

// extractTextFromResponse concatenates text blocks of a response.
func extractTextFromResponse(resp *anthropic.Message) string {
	var sb strings.Builder

	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return strings.TrimSpace(sb.String())
}

var _ Provider = (*anthropicProvider)(nil)
