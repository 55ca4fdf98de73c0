package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ItemAnalysis is the structured verdict the analysis prompt asks for.
type ItemAnalysis struct {
	Relevant         bool     `json:"relevant"`
	Priority         string   `json:"priority"`
	Summary          string   `json:"summary"`
	DetailedAnalysis string   `json:"detailed_analysis"`
	AssignedAKs      []string `json:"assigned_aks"`
	Tags             []string `json:"tags"`
	RelevanceScore   float64  `json:"relevance_score"`

	// AssignedAK accepts the singular form some models emit.
	AssignedAK string `json:"assigned_ak,omitempty"`

	// Parsed is false when no JSON could be recovered and the analysis
	// was reconstructed from plain text.
	Parsed bool `json:"-"`
}

// SemanticRuleResult is the verdict of a semantic rule check.
type SemanticRuleResult struct {
	Matches    bool    `json:"matches"`
	Confidence float64 `json:"confidence"`
}

var (
	codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	summaryRe   = regexp.MustCompile(`"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// ParseItemAnalysis recovers a usable analysis from a raw model reply.
// Local models wrap JSON in code fences, prepend prose, or return no
// JSON at all; each stage salvages what the previous could not. The
// reply text itself becomes the summary as a last resort.
func ParseItemAnalysis(raw string) ItemAnalysis {
	text := strings.TrimSpace(raw)

	// Stage 1: strip code fences.
	if m := codeFenceRe.FindStringSubmatch(text); len(m) == 2 {
		text = m[1]
	}

	// Stage 2: strict parse.
	if a, ok := tryParse(text); ok {
		return a
	}

	// Stage 3: first balanced braced region.
	if region, ok := bracedRegion(text); ok {
		if a, ok := tryParse(region); ok {
			return a
		}
	}

	// Stage 4: pull the summary field out of malformed JSON. The verdict
	// itself could not be recovered, so the item stays irrelevant.
	if m := summaryRe.FindStringSubmatch(text); len(m) == 2 {
		var summary string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &summary); err == nil && summary != "" {
			return ItemAnalysis{Summary: summary}
		}
	}

	// Stage 5: keep the reply as the summary so nothing is lost.
	return ItemAnalysis{Summary: truncate(text, 500)}
}

// bracedRegion returns the first balanced {...} region of text. Depth is
// tracked so trailing prose containing stray braces cannot widen the
// region, and braces inside JSON strings are ignored.
func bracedRegion(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}

			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	return "", false
}

func tryParse(text string) (ItemAnalysis, bool) {
	var a ItemAnalysis

	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return ItemAnalysis{}, false
	}

	if a.Summary == "" && a.DetailedAnalysis == "" && !a.Relevant {
		// An empty object decodes fine but carries nothing.
		if strings.TrimSpace(text) == "{}" {
			return ItemAnalysis{}, false
		}
	}

	// Lift the legacy singular form.
	if len(a.AssignedAKs) == 0 && a.AssignedAK != "" {
		a.AssignedAKs = []string{a.AssignedAK}
	}

	a.AssignedAK = ""
	a.Parsed = true

	return a, true
}

// ParseSemanticRuleResult parses a rule-check reply. Unparseable replies
// count as non-matches.
func ParseSemanticRuleResult(raw string) SemanticRuleResult {
	text := strings.TrimSpace(raw)

	if m := codeFenceRe.FindStringSubmatch(text); len(m) == 2 {
		text = m[1]
	}

	if region, ok := bracedRegion(text); ok {
		text = region
	}

	var res SemanticRuleResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return SemanticRuleResult{}
	}

	return res
}
