package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

const blueskyAPIBase = "https://public.api.bsky.app/xrpc"

// blueskyConnector reads an account's feed through the public Bluesky
// AppView, no session required.
type blueskyConnector struct {
	fetcher *fetcher
}

func newBlueskyConnector(f *fetcher) *blueskyConnector {
	return &blueskyConnector{fetcher: f}
}

func (c *blueskyConnector) Type() domain.ConnectorType { return domain.ConnectorBluesky }

func (c *blueskyConnector) Validate(cfg map[string]any) error {
	if configString(cfg, "handle") == "" {
		return fmt.Errorf("%w: handle required", ErrConfigInvalid)
	}

	return nil
}

type blueskyFeedResponse struct {
	Feed []struct {
		Post struct {
			URI    string `json:"uri"`
			Author struct {
				Handle      string `json:"handle"`
				DisplayName string `json:"displayName"`
			} `json:"author"`
			Record struct {
				Text      string    `json:"text"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"record"`
		} `json:"post"`
		Reason json.RawMessage `json:"reason"`
	} `json:"feed"`
}

func (c *blueskyConnector) Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
	handle := strings.TrimPrefix(configString(ch.Config, "handle"), "@")

	feedURL := fmt.Sprintf("%s/app.bsky.feed.getAuthorFeed?actor=%s&limit=%d&filter=posts_no_replies",
		blueskyAPIBase, url.QueryEscape(handle), maxItemsPerFetch)

	body, err := c.fetcher.get(ctx, feedURL, fetchOptions{accept: "application/json"})
	if err != nil {
		return nil, err
	}

	var resp blueskyFeedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	items := make([]domain.RawItem, 0, len(resp.Feed))

	for _, entry := range resp.Feed {
		post := entry.Post
		if post.Record.Text == "" {
			continue
		}

		created := post.Record.CreatedAt

		author := post.Author.DisplayName
		if author == "" {
			author = post.Author.Handle
		}

		items = append(items, domain.RawItem{
			ExternalID:  post.URI,
			Title:       firstSentence(post.Record.Text),
			Content:     post.Record.Text,
			URL:         postWebURL(post.URI, post.Author.Handle),
			Author:      author,
			PublishedAt: &created,
		})
	}

	return items, nil
}

// postWebURL turns an at:// record URI into the public web URL.
func postWebURL(uri, handle string) string {
	// at://did:plc:xyz/app.bsky.feed.post/<rkey>
	idx := strings.LastIndex(uri, "/")
	if idx == -1 {
		return ""
	}

	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, uri[idx+1:])
}
