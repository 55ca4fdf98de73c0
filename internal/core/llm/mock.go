package llm

import (
	"context"
)

// mockProvider returns a fixed, well-formed analysis. Used in
// development when no real provider is configured.
type mockProvider struct{}

// NewMock creates the deterministic mock provider.
func NewMock() Provider {
	return &mockProvider{}
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Model() string { return "mock" }

func (m *mockProvider) IsAvailable(_ context.Context) bool { return true }

func (m *mockProvider) Chat(_ context.Context, _, _ string) (string, error) {
	return `{
  "relevant": true,
  "priority": "medium",
  "summary": "Mock-Zusammenfassung des Artikels.",
  "detailed_analysis": "Mock-Analyse ohne echten Modellaufruf.",
  "assigned_aks": [],
  "tags": ["mock"],
  "relevance_score": 0.5
}`, nil
}

var _ Provider = (*mockProvider)(nil)
