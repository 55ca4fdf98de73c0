// Package domain holds the shared data model for the ingestion and
// enrichment pipeline: sources, channels, items, their metadata, and the
// priority semantics that classifier and LLM outputs map onto.
package domain

import (
	"time"
)

// Priority is the triage priority stored on an item.
type Priority string

// Priority values, ordered HIGH > MEDIUM > LOW > NONE.
const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
	PriorityNone   Priority = "NONE"
)

// Baseline priority scores per priority level. The stored score is
// monotonic within a processing step: upgrades take max(existing, baseline),
// downgrades to NONE take min(existing, baseline).
const (
	ScoreHigh       = 90
	ScoreMedium     = 70
	ScoreEdgeCase   = 55
	ScoreLow        = 40
	ScoreIrrelevant = 20
)

// Relevance confidence thresholds from the classifier.
const (
	RelevantThreshold = 0.5
	EdgeCaseThreshold = 0.25
)

// RetryPriority is the classifier-derived hint at how urgent LLM
// processing of an item is.
type RetryPriority string

// RetryPriority values.
const (
	RetryHigh     RetryPriority = "high"
	RetryEdgeCase RetryPriority = "edge_case"
	RetryLow      RetryPriority = "low"
)

// Rank orders retry priorities for backlog selection; lower ranks first.
func (r RetryPriority) Rank() int {
	switch r {
	case RetryHigh:
		return 1
	case RetryEdgeCase:
		return 2
	case RetryLow:
		return 3
	default:
		return 4
	}
}

// ConnectorType identifies a channel connector implementation.
type ConnectorType string

// The closed set of connector types.
const (
	ConnectorRSS       ConnectorType = "rss"
	ConnectorRSSAuth   ConnectorType = "rss_auth"
	ConnectorHTML      ConnectorType = "html"
	ConnectorDocPage   ConnectorType = "docpage"
	ConnectorMastodon  ConnectorType = "mastodon"
	ConnectorBluesky   ConnectorType = "bluesky"
	ConnectorTelegram  ConnectorType = "telegram"
	ConnectorLinkedIn  ConnectorType = "linkedin"
	ConnectorInstagram ConnectorType = "instagram"
)

// Source is an organization tracked by the system. Its items are never
// filtered out when IsStakeholder is set.
type Source struct {
	ID            int64
	Name          string
	Description   string
	IsStakeholder bool
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Channel is one feed belonging to a Source.
type Channel struct {
	ID               int64
	SourceID         int64
	Name             string
	ConnectorType    ConnectorType
	Config           map[string]any
	SourceIdentifier string
	Enabled          bool
	FetchIntervalMin int
	LastFetchAt      *time.Time
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Joined source fields, populated by list queries.
	SourceName          string
	SourceEnabled       bool
	SourceIsStakeholder bool
}

// Due reports whether the channel should be fetched now.
func (c *Channel) Due(now time.Time) bool {
	if c.LastFetchAt == nil {
		return true
	}

	interval := time.Duration(c.FetchIntervalMin) * time.Minute

	return !now.Before(c.LastFetchAt.Add(interval))
}

// RawItem is a normalized unit produced by a connector before persistence.
type RawItem struct {
	ExternalID  string
	Title       string
	Content     string
	URL         string
	Author      string
	PublishedAt *time.Time
	Metadata    map[string]any
}

// Item is a single fetched news unit.
type Item struct {
	ID                 int64
	ChannelID          *int64
	ExternalID         string
	Title              string
	Content            string
	Summary            string
	DetailedAnalysis   string
	URL                string
	Author             string
	PublishedAt        *time.Time
	FetchedAt          time.Time
	ContentHash        string
	Priority           Priority
	PriorityScore      int
	IsRead             bool
	IsStarred          bool
	IsArchived         bool
	IsManuallyReviewed bool
	AssignedAKs        []string
	Notes              string
	Metadata           ItemMetadata
	NeedsLLMProcessing bool
	SimilarToID        *int64

	// Joined channel/source context for prompt building.
	ChannelName string
	SourceName  string
}

// ItemMetadata is the typed shape of the item metadata blob. Workers only
// write their own subtree; merges overlay the owned subtree onto the
// current value.
type ItemMetadata struct {
	PreFilter     *PreFilter     `json:"pre_filter,omitempty"`
	RetryPriority RetryPriority  `json:"retry_priority,omitempty"`
	Duplicate     *DuplicateInfo `json:"duplicate,omitempty"`
	VectorDB      *VectorDBInfo  `json:"vectordb,omitempty"`
	LLMAnalysis   *LLMAnalysis   `json:"llm_analysis,omitempty"`

	DuplicateChecked bool    `json:"duplicate_checked,omitempty"`
	DuplicateMethod  string  `json:"duplicate_method,omitempty"`
	DuplicateScore   float64 `json:"duplicate_score,omitempty"`
	VectorDBIndexed  bool    `json:"vectordb_indexed,omitempty"`
	VectorDBIndexedAt string `json:"vectordb_indexed_at,omitempty"`

	// Extra carries forward-compatible keys that no worker owns.
	Extra map[string]any `json:"extra,omitempty"`
}

// PreFilter is the classifier output block.
type PreFilter struct {
	RelevanceConfidence float64   `json:"relevance_confidence"`
	PrioritySuggestion  string    `json:"priority_suggestion,omitempty"`
	PriorityConfidence  float64   `json:"priority_confidence,omitempty"`
	AKSuggestion        string    `json:"ak_suggestion,omitempty"`
	AKConfidence        float64   `json:"ak_confidence,omitempty"`
	ClassifiedAt        time.Time `json:"classified_at"`
}

// DuplicateInfo records how a duplicate link was established.
type DuplicateInfo struct {
	Method string  `json:"method,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// VectorDBInfo records vector-index membership.
type VectorDBInfo struct {
	Indexed   bool      `json:"indexed"`
	IndexedAt time.Time `json:"indexed_at"`
}

// LLMAnalysis is the LLM worker output block.
type LLMAnalysis struct {
	PrioritySuggestion string    `json:"priority_suggestion,omitempty"`
	AssignedAKs        []string  `json:"assigned_aks,omitempty"`
	RelevanceScore     float64   `json:"relevance_score,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	ProcessedAt        time.Time `json:"processed_at"`
	Source             string    `json:"source,omitempty"`
}

// ItemEvent is an append-only audit record for an item.
type ItemEvent struct {
	ID        int64
	ItemID    int64
	EventType string
	Timestamp time.Time
	Data      map[string]any
}

// Item event types.
const (
	EventFetched      = "fetched"
	EventClassified   = "classified"
	EventLLMProcessed = "llm_processed"
	EventDuplicate    = "duplicate_linked"
)

// Processing log step types.
const (
	StepFetch              = "fetch"
	StepPreFilter          = "pre-filter"
	StepDuplicateCheck     = "duplicate-check"
	StepRuleMatch          = "rule-match"
	StepClassifierOverride = "classifier-override"
	StepLLMAnalysis        = "llm-analysis"
	StepReprocess          = "reprocess"
)

// ProcessingLog is one record per processing step of an ingestion run.
type ProcessingLog struct {
	ID              int64
	ItemID          *int64
	RunID           string
	StepType        string
	StepOrder       int
	StartedAt       time.Time
	FinishedAt      *time.Time
	DurationMS      int64
	ModelName       string
	ModelProvider   string
	ModelVersion    string
	Confidence      *float64
	PriorityBefore  Priority
	PriorityAfter   Priority
	PriorityChanged bool
	SuggestedAKs    []string
	Success         bool
	Skipped         bool
	ErrorMessage    string
	Input           string
	Output          string
}

// RuleType identifies how a rule matches.
type RuleType string

// Rule types.
const (
	RuleKeyword  RuleType = "keyword"
	RuleRegex    RuleType = "regex"
	RuleSemantic RuleType = "semantic"
)

// Rule is a priority-rule definition applied by the intake pipeline.
type Rule struct {
	ID             int64
	Name           string
	Type           RuleType
	Pattern        string
	Boost          int
	TargetPriority Priority
	Enabled        bool
	Position       int
}

// ClassifyPreFilter maps a classifier relevance confidence onto the
// intake-side priority, score, retry priority and LLM eligibility.
func ClassifyPreFilter(confidence float64) (Priority, int, RetryPriority, bool) {
	switch {
	case confidence >= RelevantThreshold:
		return PriorityMedium, ScoreMedium, RetryHigh, true
	case confidence >= EdgeCaseThreshold:
		return PriorityLow, ScoreEdgeCase, RetryEdgeCase, true
	default:
		return PriorityNone, ScoreIrrelevant, RetryLow, false
	}
}

// MapLLMPriority maps the LLM's textual priority and relevance flag onto
// the stored priority and baseline score. relevant=false overrides any
// textual priority to NONE.
func MapLLMPriority(priority string, relevant bool) (Priority, int) {
	if !relevant {
		return PriorityNone, ScoreIrrelevant
	}

	switch priority {
	case "high":
		return PriorityHigh, ScoreHigh
	case "medium":
		return PriorityMedium, ScoreMedium
	case "low":
		return PriorityLow, ScoreLow
	default:
		return PriorityNone, ScoreIrrelevant
	}
}

// MergeScore applies the monotonic score rule: upgrades never lower the
// score, downgrades to NONE never raise it.
func MergeScore(existing, baseline int, downgrade bool) int {
	if downgrade {
		if existing < baseline {
			return existing
		}

		return baseline
	}

	if existing > baseline {
		return existing
	}

	return baseline
}
