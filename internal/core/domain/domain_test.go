package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPreFilter(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		priority   Priority
		score      int
		retry      RetryPriority
		needsLLM   bool
	}{
		{"relevant band", 0.8, PriorityMedium, ScoreMedium, RetryHigh, true},
		{"at relevant threshold", 0.5, PriorityMedium, ScoreMedium, RetryHigh, true},
		{"edge-case band", 0.3, PriorityLow, ScoreEdgeCase, RetryEdgeCase, true},
		{"at edge-case threshold", 0.25, PriorityLow, ScoreEdgeCase, RetryEdgeCase, true},
		{"irrelevant band", 0.1, PriorityNone, ScoreIrrelevant, RetryLow, false},
		{"zero confidence", 0, PriorityNone, ScoreIrrelevant, RetryLow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			priority, score, retry, needsLLM := ClassifyPreFilter(tt.confidence)

			assert.Equal(t, tt.priority, priority)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.retry, retry)
			assert.Equal(t, tt.needsLLM, needsLLM)
		})
	}
}

func TestMapLLMPriority(t *testing.T) {
	tests := []struct {
		name     string
		priority string
		relevant bool
		want     Priority
		score    int
	}{
		{"relevant high", "high", true, PriorityHigh, ScoreHigh},
		{"relevant medium", "medium", true, PriorityMedium, ScoreMedium},
		{"relevant low", "low", true, PriorityLow, ScoreLow},
		{"relevant unknown label", "urgent", true, PriorityNone, ScoreIrrelevant},
		{"relevant empty label", "", true, PriorityNone, ScoreIrrelevant},
		{"irrelevant overrides high", "high", false, PriorityNone, ScoreIrrelevant},
		{"irrelevant overrides medium", "medium", false, PriorityNone, ScoreIrrelevant},
		{"irrelevant overrides low", "low", false, PriorityNone, ScoreIrrelevant},
		{"irrelevant empty label", "", false, PriorityNone, ScoreIrrelevant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			priority, score := MapLLMPriority(tt.priority, tt.relevant)

			assert.Equal(t, tt.want, priority)
			assert.Equal(t, tt.score, score)
		})
	}
}

func TestMergeScore(t *testing.T) {
	assert.Equal(t, 90, MergeScore(70, 90, false), "upgrade takes the baseline")
	assert.Equal(t, 95, MergeScore(95, 90, false), "upgrade keeps a higher existing score")
	assert.Equal(t, 20, MergeScore(70, 20, true), "downgrade takes the baseline")
	assert.Equal(t, 10, MergeScore(10, 20, true), "downgrade keeps a lower existing score")
}

func TestRetryPriorityRank(t *testing.T) {
	assert.Equal(t, 1, RetryHigh.Rank())
	assert.Equal(t, 2, RetryEdgeCase.Rank())
	assert.Equal(t, 3, RetryLow.Rank())
	assert.Equal(t, 4, RetryPriority("").Rank())
}

func TestChannelDue(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	never := Channel{FetchIntervalMin: 60}
	assert.True(t, never.Due(now), "a channel never fetched is due")

	recent := now.Add(-30 * time.Minute)
	fresh := Channel{FetchIntervalMin: 60, LastFetchAt: &recent}
	assert.False(t, fresh.Due(now))

	old := now.Add(-time.Hour)
	stale := Channel{FetchIntervalMin: 60, LastFetchAt: &old}
	assert.True(t, stale.Due(now), "due exactly at the interval boundary")
}
