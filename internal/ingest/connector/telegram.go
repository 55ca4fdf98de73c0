package connector

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// telegramConnector scrapes a public channel's t.me/s/ preview page.
// Only public channels expose this page; private channels need an
// authenticated client, which is out of scope here.
type telegramConnector struct {
	fetcher *fetcher
}

func newTelegramConnector(f *fetcher) *telegramConnector {
	return &telegramConnector{fetcher: f}
}

func (c *telegramConnector) Type() domain.ConnectorType { return domain.ConnectorTelegram }

func (c *telegramConnector) Validate(cfg map[string]any) error {
	if configString(cfg, "handle") == "" {
		return fmt.Errorf("%w: handle required", ErrConfigInvalid)
	}

	return nil
}

func (c *telegramConnector) Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
	handle := strings.TrimPrefix(configString(ch.Config, "handle"), "@")
	previewURL := "https://t.me/s/" + handle

	body, err := c.fetcher.get(ctx, previewURL, fetchOptions{})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse preview page: %w", err)
	}

	var items []domain.RawItem

	doc.Find(".tgme_widget_message").Each(func(_ int, s *goquery.Selection) {
		// data-post holds "<channel>/<message-id>".
		post, ok := s.Attr("data-post")
		if !ok {
			return
		}

		text := strings.TrimSpace(s.Find(".tgme_widget_message_text").First().Text())
		if text == "" {
			return
		}

		item := domain.RawItem{
			ExternalID: post,
			Title:      firstSentence(text),
			Content:    text,
			URL:        "https://t.me/" + post,
		}

		if datetime, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
			item.PublishedAt = parseLooseTime(datetime)
		}

		if author := strings.TrimSpace(s.Find(".tgme_widget_message_owner_name").First().Text()); author != "" {
			item.Author = author
		}

		items = append(items, item)
	})

	return items, nil
}
