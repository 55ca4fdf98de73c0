package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// LinkedIn and Instagram expose no public read API and aggressively
// block scrapers. These connectors are best effort: they read whatever
// the public profile page reveals in JSON-LD and OpenGraph metadata,
// usually only the most recent activity. Logged-in scraping is
// deliberately not attempted.

type linkedInConnector struct {
	fetcher *fetcher
}

func newLinkedInConnector(f *fetcher) *linkedInConnector {
	return &linkedInConnector{fetcher: f}
}

func (c *linkedInConnector) Type() domain.ConnectorType { return domain.ConnectorLinkedIn }

func (c *linkedInConnector) Validate(cfg map[string]any) error {
	if configString(cfg, "handle") == "" {
		return fmt.Errorf("%w: handle required", ErrConfigInvalid)
	}

	return nil
}

func (c *linkedInConnector) Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
	handle := strings.TrimPrefix(configString(ch.Config, "handle"), "@")
	profileURL := "https://www.linkedin.com/company/" + handle + "/posts/"

	body, err := c.fetcher.get(ctx, profileURL, fetchOptions{})
	if err != nil {
		return nil, err
	}

	return profileMetadataItems(body, profileURL)
}

type instagramConnector struct {
	fetcher *fetcher
}

func newInstagramConnector(f *fetcher) *instagramConnector {
	return &instagramConnector{fetcher: f}
}

func (c *instagramConnector) Type() domain.ConnectorType { return domain.ConnectorInstagram }

func (c *instagramConnector) Validate(cfg map[string]any) error {
	if configString(cfg, "handle") == "" {
		return fmt.Errorf("%w: handle required", ErrConfigInvalid)
	}

	return nil
}

func (c *instagramConnector) Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
	handle := strings.TrimPrefix(configString(ch.Config, "handle"), "@")
	profileURL := "https://www.instagram.com/" + handle + "/"

	body, err := c.fetcher.get(ctx, profileURL, fetchOptions{})
	if err != nil {
		return nil, err
	}

	return profileMetadataItems(body, profileURL)
}

// profileMetadataItems extracts whatever post content the profile page
// metadata carries. The item id hashes the description so an unchanged
// page produces no new items.
func profileMetadataItems(body []byte, profileURL string) ([]domain.RawItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse profile page: %w", err)
	}

	description := metaContent(doc, `meta[property="og:description"]`)
	if description == "" {
		description = metaContent(doc, `meta[name="description"]`)
	}

	title := metaContent(doc, `meta[property="og:title"]`)

	// Articles embedded as JSON-LD are the richer source when present.
	if items := jsonLDArticles(doc, profileURL); len(items) > 0 {
		return items, nil
	}

	if description == "" {
		return nil, nil
	}

	return []domain.RawItem{{
		ExternalID: fallbackExternalID(profileURL, description),
		Title:      firstSentence(coalesceStr(title, description)),
		Content:    description,
		URL:        profileURL,
	}}, nil
}

func jsonLDArticles(doc *goquery.Document, profileURL string) []domain.RawItem {
	var items []domain.RawItem

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var entry struct {
			Type          string `json:"@type"`
			Headline      string `json:"headline"`
			ArticleBody   string `json:"articleBody"`
			URL           string `json:"url"`
			DatePublished string `json:"datePublished"`
			Author        struct {
				Name string `json:"name"`
			} `json:"author"`
		}

		if err := json.Unmarshal([]byte(s.Text()), &entry); err != nil {
			return
		}

		if !strings.Contains(entry.Type, "Article") && !strings.Contains(entry.Type, "Posting") {
			return
		}

		body := coalesceStr(entry.ArticleBody, entry.Headline)
		if body == "" {
			return
		}

		itemURL := coalesceStr(entry.URL, profileURL)

		item := domain.RawItem{
			ExternalID: fallbackExternalID(itemURL, body),
			Title:      firstSentence(coalesceStr(entry.Headline, body)),
			Content:    body,
			URL:        itemURL,
			Author:     entry.Author.Name,
		}

		if entry.DatePublished != "" {
			item.PublishedAt = parseLooseTime(entry.DatePublished)
		}

		items = append(items, item)
	})

	return items
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")

	return strings.TrimSpace(content)
}

func coalesceStr(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
