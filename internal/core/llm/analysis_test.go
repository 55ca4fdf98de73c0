package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseItemAnalysis_Strict(t *testing.T) {
	raw := `{"relevant": true, "priority": "high", "summary": "Neues Foerderprogramm.",
		"detailed_analysis": "Details.", "assigned_aks": ["Pflege"], "tags": ["foerderung"],
		"relevance_score": 0.9}`

	a := ParseItemAnalysis(raw)

	require.True(t, a.Parsed)
	assert.True(t, a.Relevant)
	assert.Equal(t, "high", a.Priority)
	assert.Equal(t, "Neues Foerderprogramm.", a.Summary)
	assert.Equal(t, []string{"Pflege"}, a.AssignedAKs)
	assert.InDelta(t, 0.9, a.RelevanceScore, 1e-9)
}

func TestParseItemAnalysis_CodeFence(t *testing.T) {
	raw := "```json\n{\"relevant\": false, \"priority\": \"low\", \"summary\": \"Werbung.\"}\n```"

	a := ParseItemAnalysis(raw)

	require.True(t, a.Parsed)
	assert.False(t, a.Relevant)
	assert.Equal(t, "Werbung.", a.Summary)
}

func TestParseItemAnalysis_ProseAroundJSON(t *testing.T) {
	raw := `Hier ist meine Bewertung:
{"relevant": true, "priority": "medium", "summary": "Gesetzentwurf zur Pflege."}
Ich hoffe das hilft.`

	a := ParseItemAnalysis(raw)

	require.True(t, a.Parsed)
	assert.Equal(t, "medium", a.Priority)
	assert.Equal(t, "Gesetzentwurf zur Pflege.", a.Summary)
}

func TestParseItemAnalysis_LegacySingularAK(t *testing.T) {
	raw := `{"relevant": true, "priority": "medium", "summary": "S.", "assigned_ak": "Migration"}`

	a := ParseItemAnalysis(raw)

	require.True(t, a.Parsed)
	assert.Equal(t, []string{"Migration"}, a.AssignedAKs)
	assert.Empty(t, a.AssignedAK)
}

func TestParseItemAnalysis_TrailingBraceInProse(t *testing.T) {
	// The closing prose contains a stray brace; the balanced region ends
	// at the object, not at the last brace in the text.
	raw := `{"relevant": true, "priority": "high", "summary": "Kabinett beschliesst Entwurf."}
Anmerkung: das Feld {priority} ist gesetzt.`

	a := ParseItemAnalysis(raw)

	require.True(t, a.Parsed)
	assert.True(t, a.Relevant)
	assert.Equal(t, "high", a.Priority)
	assert.Equal(t, "Kabinett beschliesst Entwurf.", a.Summary)
}

func TestParseItemAnalysis_BracesInsideStrings(t *testing.T) {
	raw := `{"relevant": true, "priority": "low", "summary": "Klammern {so} im Text."}`

	a := ParseItemAnalysis("Vorab: " + raw)

	require.True(t, a.Parsed)
	assert.Equal(t, "Klammern {so} im Text.", a.Summary)
}

func TestParseItemAnalysis_SummaryFromMalformedJSON(t *testing.T) {
	// Trailing comma breaks strict parsing; the summary is still recoverable,
	// but the verdict is not, so the item defaults to irrelevant.
	raw := `{"relevant": true, "summary": "Nur dieser Satz zaehlt.", "tags": [,]}`

	a := ParseItemAnalysis(raw)

	assert.False(t, a.Parsed)
	assert.Equal(t, "Nur dieser Satz zaehlt.", a.Summary)
	assert.Empty(t, a.Priority)
	assert.False(t, a.Relevant)
}

func TestParseItemAnalysis_PlainTextFallback(t *testing.T) {
	raw := "Das Modell hat kein JSON geliefert, nur diesen Satz."

	a := ParseItemAnalysis(raw)

	assert.False(t, a.Parsed)
	assert.False(t, a.Relevant, "an unparseable reply never upgrades the item")
	assert.Equal(t, raw, a.Summary)
}

func TestParseSemanticRuleResult(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want SemanticRuleResult
	}{
		{
			name: "plain",
			raw:  `{"matches": true, "confidence": 0.8}`,
			want: SemanticRuleResult{Matches: true, Confidence: 0.8},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"matches\": false, \"confidence\": 0.2}\n```",
			want: SemanticRuleResult{Matches: false, Confidence: 0.2},
		},
		{
			name: "garbage counts as non-match",
			raw:  "keine Ahnung",
			want: SemanticRuleResult{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSemanticRuleResult(tt.raw))
		})
	}
}
