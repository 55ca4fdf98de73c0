package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

const maxPDFTextBytes = 200 * 1024

// docPageConnector watches a document listing page, typically the
// publications section of a ministry or association site, and ingests
// linked PDFs as items with their extracted text.
type docPageConnector struct {
	fetcher *fetcher
}

func newDocPageConnector(f *fetcher) *docPageConnector {
	return &docPageConnector{fetcher: f}
}

func (c *docPageConnector) Type() domain.ConnectorType { return domain.ConnectorDocPage }

func (c *docPageConnector) Validate(cfg map[string]any) error {
	if configString(cfg, "url") == "" {
		return fmt.Errorf("%w: url required", ErrConfigInvalid)
	}

	return nil
}

func (c *docPageConnector) Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
	listURL := configString(ch.Config, "url")

	base, err := url.Parse(listURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q", ErrConfigInvalid, listURL)
	}

	body, err := c.fetcher.get(ctx, listURL, fetchOptions{})
	if err != nil {
		return nil, err
	}

	links, err := extractListingLinks(body, base, configString(ch.Config, "item_selector"))
	if err != nil {
		return nil, err
	}

	var docLinks []string

	for _, link := range links {
		if strings.HasSuffix(strings.ToLower(link), ".pdf") {
			docLinks = append(docLinks, link)
		}
	}

	items := make([]domain.RawItem, 0, len(docLinks))

	for _, link := range capItems(docLinks) {
		item, err := c.fetchDocument(ctx, link)
		if err != nil {
			c.fetcher.logger.Debug().Err(err).Str("url", link).Msg("document fetch failed")
			continue
		}

		items = append(items, item)
	}

	return items, nil
}

func (c *docPageConnector) fetchDocument(ctx context.Context, docURL string) (domain.RawItem, error) {
	body, err := c.fetcher.get(ctx, docURL, fetchOptions{accept: "application/pdf"})
	if err != nil {
		return domain.RawItem{}, err
	}

	text, err := extractPDFText(body)
	if err != nil {
		return domain.RawItem{}, err
	}

	title := documentTitle(docURL)

	return domain.RawItem{
		ExternalID: docURL,
		Title:      title,
		Content:    text,
		URL:        docURL,
	}, nil
}

func extractPDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	text, err := io.ReadAll(io.LimitReader(plain, maxPDFTextBytes))
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	return strings.Join(strings.Fields(string(text)), " "), nil
}

// documentTitle derives a readable title from the file name.
func documentTitle(docURL string) string {
	u, err := url.Parse(docURL)
	if err != nil {
		return docURL
	}

	name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	name = strings.TrimSpace(name)

	if name == "" {
		return docURL
	}

	return name
}
