package llm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
)

const (
	circuitBreakerThreshold = 5
	circuitBreakerTimeout   = 1 * time.Minute
)

// localProvider talks to the OpenAI-compatible endpoint served on the
// GPU machine. The endpoint disappears whenever the machine is asleep,
// so availability is probed cheaply before each batch.
type localProvider struct {
	cfg    *config.Config
	client *openai.Client
	logger *zerolog.Logger

	// Circuit breaker state
	consecutiveFailures int
	circuitOpenUntil    time.Time
	mu                  sync.Mutex
}

// NewLocal creates the provider for the self-hosted endpoint.
func NewLocal(cfg *config.Config, logger *zerolog.Logger) Provider {
	clientCfg := openai.DefaultConfig(cfg.LLMAPIKey)
	clientCfg.BaseURL = cfg.LLMBaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.LLMTimeout}

	return &localProvider{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger,
	}
}

func (p *localProvider) Name() string { return "local" }

func (p *localProvider) Model() string { return p.cfg.LLMModel }

func (p *localProvider) checkCircuit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Now().Before(p.circuitOpenUntil) {
		return fmt.Errorf("circuit breaker is open until %v", p.circuitOpenUntil)
	}

	return nil
}

func (p *localProvider) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
}

func (p *localProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFailures++
	if p.consecutiveFailures >= circuitBreakerThreshold {
		p.circuitOpenUntil = time.Now().Add(circuitBreakerTimeout)
		p.logger.Warn().
			Int("consecutive_failures", p.consecutiveFailures).
			Time("open_until", p.circuitOpenUntil).
			Msg("circuit breaker opened")
	}
}

// IsAvailable probes the endpoint with a short GET. A sleeping GPU host
// refuses the connection within the probe timeout.
func (p *localProvider) IsAvailable(ctx context.Context) bool {
	if err := p.checkCircuit(); err != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.GPUProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.cfg.GPUProbeURL, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode < http.StatusInternalServerError
}

func (p *localProvider) Chat(ctx context.Context, system, user string) (string, error) {
	if err := p.checkCircuit(); err != nil {
		return "", err
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.LLMModel,
		Temperature: p.cfg.LLMTemperature,
		MaxTokens:   p.cfg.LLMMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		p.recordFailure()
		return "", fmt.Errorf("local chat completion: %w", err)
	}

	p.recordSuccess()

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("local chat completion: empty response")
	}

	return resp.Choices[0].Message.Content, nil
}
