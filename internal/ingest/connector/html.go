package connector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	xhtml "golang.org/x/net/html"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// htmlConnector scrapes a press or news listing page that has no feed.
// The listing is walked with CSS selectors from the channel config, each
// linked article is fetched and run through readability.
type htmlConnector struct {
	fetcher *fetcher
}

func newHTMLConnector(f *fetcher) *htmlConnector {
	return &htmlConnector{fetcher: f}
}

func (c *htmlConnector) Type() domain.ConnectorType { return domain.ConnectorHTML }

func (c *htmlConnector) Validate(cfg map[string]any) error {
	if configString(cfg, "url") == "" {
		return fmt.Errorf("%w: url required", ErrConfigInvalid)
	}

	return nil
}

func (c *htmlConnector) Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
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

	items := make([]domain.RawItem, 0, len(links))

	for _, link := range capItems(links) {
		item, err := c.fetchArticle(ctx, link)
		if err != nil {
			// One broken article page must not fail the whole listing.
			c.fetcher.logger.Debug().Err(err).Str("url", link).Msg("article fetch failed")
			continue
		}

		items = append(items, item)
	}

	return items, nil
}

func (c *htmlConnector) fetchArticle(ctx context.Context, articleURL string) (domain.RawItem, error) {
	body, err := c.fetcher.get(ctx, articleURL, fetchOptions{})
	if err != nil {
		return domain.RawItem{}, err
	}

	parsed, err := url.Parse(articleURL)
	if err != nil {
		return domain.RawItem{}, fmt.Errorf("parse article url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return domain.RawItem{}, fmt.Errorf("readability: %w", err)
	}

	item := domain.RawItem{
		ExternalID: articleURL,
		Title:      strings.TrimSpace(article.Title),
		Content:    strings.TrimSpace(article.TextContent),
		URL:        articleURL,
		Author:     strings.TrimSpace(article.Byline),
	}

	if item.Title == "" {
		item.Title = articleURL
	}

	if published := extractPublishedMeta(body); published != nil {
		item.PublishedAt = published
	}

	return item, nil
}

// extractListingLinks collects article links from a listing page. With
// no selector configured, every same-host link is a candidate.
func extractListingLinks(body []byte, base *url.URL, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	if selector == "" {
		selector = "a[href]"
	} else if !strings.Contains(selector, "a") {
		selector += " a[href]"
	}

	var links []string

	seen := make(map[string]bool)

	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}

		resolved := resolveHref(href, base)
		if resolved == "" || seen[resolved] {
			return
		}

		// Same-host pages only; external links are navigation noise.
		if u, err := url.Parse(resolved); err != nil || u.Host != base.Host {
			return
		}

		seen[resolved] = true
		links = append(links, resolved)
	})

	return links, nil
}

func resolveHref(href string, base *url.URL) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}

	resolved.Fragment = ""

	return resolved.String()
}

// extractPublishedMeta pulls a publication date from common meta tags.
func extractPublishedMeta(body []byte) *time.Time {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	for _, sel := range []string{
		`meta[property="article:published_time"]`,
		`meta[name="date"]`,
		`meta[name="DC.date"]`,
	} {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			if t := parseLooseTime(content); t != nil {
				return t
			}
		}
	}

	if datetime, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		return parseLooseTime(datetime)
	}

	return nil
}

// stripHTML reduces an HTML fragment to its visible text.
func stripHTML(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}

	tok := xhtml.NewTokenizer(strings.NewReader(fragment))

	var sb strings.Builder

	skip := 0

	for {
		switch tok.Next() {
		case xhtml.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case xhtml.StartTagToken:
			if name, _ := tok.TagName(); invisibleTag(string(name)) {
				skip++
			}
		case xhtml.EndTagToken:
			if name, _ := tok.TagName(); invisibleTag(string(name)) && skip > 0 {
				skip--
			}
		case xhtml.TextToken:
			if skip == 0 {
				sb.Write(tok.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func invisibleTag(name string) bool {
	return name == "script" || name == "style" || name == "noscript"
}
