package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
)

// Registry holds providers in fallback order: the first available one
// serves the request, later ones only run when earlier ones fail.
type Registry struct {
	providers []Provider
	logger    *zerolog.Logger
}

// NewRegistry builds the provider chain from configuration. The local
// GPU endpoint always comes first; Anthropic is appended when an API key
// is configured. An empty chain gets the deterministic mock so the
// worker stays runnable in development.
func NewRegistry(cfg *config.Config, logger *zerolog.Logger) *Registry {
	var providers []Provider

	if cfg.LLMBaseURL != "" {
		providers = append(providers, NewLocal(cfg, logger))
	}

	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, NewAnthropic(cfg, logger))
	}

	if len(providers) == 0 {
		logger.Warn().Msg("no llm providers configured, using mock")

		providers = append(providers, NewMock())
	}

	return &Registry{providers: providers, logger: logger}
}

// NewRegistryWith builds a registry over explicit providers, in order.
func NewRegistryWith(logger *zerolog.Logger, providers ...Provider) *Registry {
	return &Registry{providers: providers, logger: logger}
}

// Chat tries each provider in order and returns the first success along
// with the provider that produced it. When all fail, the returned error
// wraps ErrAllProvidersFailed and the last concrete failure.
func (r *Registry) Chat(ctx context.Context, system, user string) (string, Provider, error) {
	var lastErr error

	for _, p := range r.providers {
		if !p.IsAvailable(ctx) {
			r.logger.Debug().Str("provider", p.Name()).Msg("provider unavailable, trying next")
			continue
		}

		start := time.Now()

		out, err := p.Chat(ctx, system, user)

		observability.LLMRequestDuration.With(prometheus.Labels{
			"provider": p.Name(),
			"model":    p.Model(),
		}).Observe(time.Since(start).Seconds())

		if err == nil {
			return out, p, nil
		}

		lastErr = fmt.Errorf("%s: %w", p.Name(), err)

		r.logger.Warn().Err(err).Str("provider", p.Name()).Msg("provider failed, trying next")
	}

	if lastErr == nil {
		lastErr = errors.New("no provider available")
	}

	return "", nil, errors.Join(ErrAllProvidersFailed, lastErr)
}
