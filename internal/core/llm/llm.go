// Package llm provides the language-model providers used for deep item
// analysis: a primary self-hosted endpoint on the GPU machine and an
// optional hosted fallback, behind a common Provider interface.
package llm

import (
	"context"
	"errors"
)

// ErrAllProvidersFailed indicates every configured provider failed for a
// request. The concrete last error is joined onto it.
var ErrAllProvidersFailed = errors.New("all llm providers failed")

// Provider is a chat-completion backend.
type Provider interface {
	// Name identifies the provider in logs and processing records.
	Name() string
	// Model returns the model the provider will use.
	Model() string
	// Chat sends a system and user prompt and returns the raw completion.
	Chat(ctx context.Context, system, user string) (string, error)
	// IsAvailable reports whether the provider can serve requests right
	// now. A closed circuit or unreachable endpoint returns false.
	IsAvailable(ctx context.Context) bool
}

// PromptStore lets operators override the built-in prompts at runtime.
type PromptStore interface {
	GetSetting(ctx context.Context, key string, dst any) error
}
