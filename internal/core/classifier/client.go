// Package classifier is the HTTP client for the embedding classifier
// sidecar. The sidecar owns the embedding model and the vector index;
// this client only moves item text and ids across.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
)

// ErrUnavailable indicates the classifier service cannot be reached.
var ErrUnavailable = errors.New("classifier service unavailable")

// Client talks to the classifier sidecar.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zerolog.Logger
}

// New creates a classifier client from configuration.
func New(cfg *config.Config, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.ClassifierBaseURL,
		http:    &http.Client{Timeout: cfg.ClassifierTimeout},
		logger:  logger,
	}
}

// ClassifyInput is one item sent for classification.
type ClassifyInput struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ClassifyResult is the sidecar's verdict for one item.
type ClassifyResult struct {
	ID                  int64   `json:"id"`
	RelevanceConfidence float64 `json:"relevance_confidence"`
	PrioritySuggestion  string  `json:"priority_suggestion"`
	PriorityConfidence  float64 `json:"priority_confidence"`
	AKSuggestion        string  `json:"ak_suggestion"`
	AKConfidence        float64 `json:"ak_confidence"`
}

// DuplicateMatch is one nearest-neighbor hit from the vector index.
type DuplicateMatch struct {
	ItemID int64   `json:"item_id"`
	Score  float64 `json:"score"`
}

// IndexInput is one item pushed into the vector index.
type IndexInput struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// StorageStats describes the vector index from the sidecar's view.
type StorageStats struct {
	IndexedCount int `json:"indexed_count"`
}

// Classify scores a batch of items.
func (c *Client) Classify(ctx context.Context, items []ClassifyInput) ([]ClassifyResult, error) {
	var resp struct {
		Results []ClassifyResult `json:"results"`
	}

	if err := c.post(ctx, "/classify", map[string]any{"items": items}, &resp); err != nil {
		return nil, err
	}

	return resp.Results, nil
}

// FindDuplicates returns index hits above the threshold for one item's
// text, best first.
func (c *Client) FindDuplicates(ctx context.Context, itemID int64, title, content string, threshold float64, lookbackDays int) ([]DuplicateMatch, error) {
	var resp struct {
		Matches []DuplicateMatch `json:"matches"`
	}

	err := c.post(ctx, "/find-duplicates", map[string]any{
		"item_id":       itemID,
		"title":         title,
		"content":       content,
		"threshold":     threshold,
		"lookback_days": lookbackDays,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Matches, nil
}

// IndexBatch adds items to the vector index. Indexing is idempotent on
// the sidecar side.
func (c *Client) IndexBatch(ctx context.Context, items []IndexInput) error {
	return c.post(ctx, "/index-batch", map[string]any{"items": items}, nil)
}

// DeleteFromIndex removes ids from the vector index.
func (c *Client) DeleteFromIndex(ctx context.Context, ids []int64) error {
	return c.post(ctx, "/delete", map[string]any{"item_ids": ids}, nil)
}

// AllIndexedIDs returns every item id the index currently holds. Used by
// the reconciliation pass.
func (c *Client) AllIndexedIDs(ctx context.Context) ([]int64, error) {
	var resp struct {
		ItemIDs []int64 `json:"item_ids"`
	}

	if err := c.get(ctx, "/all-indexed-ids", &resp); err != nil {
		return nil, err
	}

	return resp.ItemIDs, nil
}

// StorageStats returns index statistics.
func (c *Client) StorageStats(ctx context.Context) (*StorageStats, error) {
	var stats StorageStats

	if err := c.get(ctx, "/storage-stats", &stats); err != nil {
		return nil, err
	}

	return &stats, nil
}

// Healthy reports whether the sidecar answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resp struct {
		Status string `json:"status"`
	}

	return c.get(ctx, "/health", &resp) == nil
}

func (c *Client) post(ctx context.Context, path string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(req, path, dst)
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}

	return c.do(req, path, dst)
}

func (c *Client) do(req *http.Request, path string, dst any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrUnavailable, fmt.Errorf("%s: %w", path, err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Join(ErrUnavailable, fmt.Errorf("%s: status %d", path, resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, string(body))
	}

	if dst == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	return nil
}
