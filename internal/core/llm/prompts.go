package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Settings keys for runtime prompt overrides.
const (
	SettingAnalysisSystemPrompt = "llm.analysis_system_prompt"
	SettingSemanticRulePrompt   = "llm.semantic_rule_prompt"
)

const maxContentRunes = 6000

// defaultAnalysisSystemPrompt instructs the model to triage one item for
// the umbrella association. German in, German out.
const defaultAnalysisSystemPrompt = `Du bist Analyst bei einem Spitzenverband der Freien Wohlfahrtspflege.
Du bewertest einzelne Nachrichten und Veröffentlichungen auf ihre Relevanz
für die Verbandsarbeit: Sozialpolitik, Pflege, Eingliederungshilfe,
Kinder- und Jugendhilfe, Migration, Engagement, Finanzierung sozialer
Arbeit und Vergleichbares.

Antworte NUR mit einem JSON-Objekt mit genau diesen Feldern:
{
  "relevant": true|false,
  "priority": "high"|"medium"|"low",
  "summary": "2-3 Saetze Zusammenfassung auf Deutsch",
  "detailed_analysis": "Ausfuehrliche Einordnung fuer die Verbandsarbeit auf Deutsch",
  "assigned_aks": ["Namen der passenden Arbeitskreise, leer wenn keiner passt"],
  "tags": ["kurze Schlagworte"],
  "relevance_score": 0.0-1.0
}

Regeln:
- "relevant" ist false bei Werbung, Stellenanzeigen, reinen Terminhinweisen
  und Themen ohne Bezug zur Wohlfahrtspflege.
- "priority" high nur bei unmittelbarem Handlungsbedarf fuer den Verband
  (Gesetzgebung, Foerderprogramme mit Frist, grundlegende Entscheidungen).
- Kein Text ausserhalb des JSON-Objekts.`

// defaultSemanticRulePrompt evaluates one routing rule against one item.
const defaultSemanticRulePrompt = `Du pruefst, ob eine Nachricht zu einer inhaltlichen Regel passt.
Antworte NUR mit einem JSON-Objekt: {"matches": true|false, "confidence": 0.0-1.0}`

// ItemPromptInput carries the item fields the analysis prompt uses.
type ItemPromptInput struct {
	Title       string
	Content     string
	URL         string
	Author      string
	ChannelName string
	SourceName  string
	PublishedAt string
	AKNames     []string
}

// AnalysisSystemPrompt returns the system prompt, preferring a runtime
// override from the settings table.
func AnalysisSystemPrompt(ctx context.Context, store PromptStore) string {
	return promptOrDefault(ctx, store, SettingAnalysisSystemPrompt, defaultAnalysisSystemPrompt)
}

// SemanticRulePrompt returns the semantic-rule system prompt.
func SemanticRulePrompt(ctx context.Context, store PromptStore) string {
	return promptOrDefault(ctx, store, SettingSemanticRulePrompt, defaultSemanticRulePrompt)
}

func promptOrDefault(ctx context.Context, store PromptStore, key, fallback string) string {
	if store == nil {
		return fallback
	}

	var override string
	if err := store.GetSetting(ctx, key, &override); err == nil && strings.TrimSpace(override) != "" {
		return override
	}

	return fallback
}

// BuildAnalysisPrompt renders the user prompt for one item. Content is
// truncated so a single oversized article cannot blow the context window.
func BuildAnalysisPrompt(in ItemPromptInput) string {
	var sb strings.Builder

	if len(in.AKNames) > 0 {
		sb.WriteString("Verfuegbare Arbeitskreise: ")
		sb.WriteString(strings.Join(in.AKNames, ", "))
		sb.WriteString("\n\n")
	}

	if in.SourceName != "" {
		fmt.Fprintf(&sb, "Quelle: %s\n", in.SourceName)
	}

	if in.ChannelName != "" {
		fmt.Fprintf(&sb, "Kanal: %s\n", in.ChannelName)
	}

	if in.Author != "" {
		fmt.Fprintf(&sb, "Autor: %s\n", in.Author)
	}

	if in.PublishedAt != "" {
		fmt.Fprintf(&sb, "Veroeffentlicht: %s\n", in.PublishedAt)
	}

	if in.URL != "" {
		fmt.Fprintf(&sb, "URL: %s\n", in.URL)
	}

	fmt.Fprintf(&sb, "\nTitel: %s\n\nText:\n%s\n", in.Title, truncate(in.Content, maxContentRunes))

	return sb.String()
}

// BuildSemanticRulePrompt renders the user prompt for one rule check.
func BuildSemanticRulePrompt(rulePattern, title, content string) string {
	return fmt.Sprintf("Regel: %s\n\nTitel: %s\n\nText:\n%s\n",
		rulePattern, title, truncate(content, maxContentRunes/2))
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)

	return string(runes[:max]) + "..."
}
