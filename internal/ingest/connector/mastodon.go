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

// mastodonConnector reads an account's public statuses through the
// unauthenticated Mastodon REST API.
type mastodonConnector struct {
	fetcher *fetcher
}

func newMastodonConnector(f *fetcher) *mastodonConnector {
	return &mastodonConnector{fetcher: f}
}

func (c *mastodonConnector) Type() domain.ConnectorType { return domain.ConnectorMastodon }

func (c *mastodonConnector) Validate(cfg map[string]any) error {
	if configString(cfg, "server") == "" || configString(cfg, "account") == "" {
		return fmt.Errorf("%w: server and account required", ErrConfigInvalid)
	}

	return nil
}

type mastodonAccount struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Acct        string `json:"acct"`
}

type mastodonStatus struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Account   struct {
		DisplayName string `json:"display_name"`
		Acct        string `json:"acct"`
	} `json:"account"`
	Reblog *struct {
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"reblog"`
}

func (c *mastodonConnector) Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error) {
	server := "https://" + stripScheme(configString(ch.Config, "server"))
	acct := strings.TrimPrefix(configString(ch.Config, "account"), "@")

	account, err := c.lookupAccount(ctx, server, acct)
	if err != nil {
		return nil, err
	}

	statusURL := fmt.Sprintf("%s/api/v1/accounts/%s/statuses?limit=%d&exclude_replies=true",
		server, account.ID, maxItemsPerFetch)

	body, err := c.fetcher.get(ctx, statusURL, fetchOptions{accept: "application/json"})
	if err != nil {
		return nil, err
	}

	var statuses []mastodonStatus
	if err := json.Unmarshal(body, &statuses); err != nil {
		return nil, fmt.Errorf("decode statuses: %w", err)
	}

	items := make([]domain.RawItem, 0, len(statuses))

	for _, s := range statuses {
		content := s.Content
		itemURL := s.URL

		if s.Reblog != nil {
			content = s.Reblog.Content
			if s.Reblog.URL != "" {
				itemURL = s.Reblog.URL
			}
		}

		text := stripHTML(content)
		if text == "" {
			continue
		}

		created := s.CreatedAt

		items = append(items, domain.RawItem{
			ExternalID:  s.ID,
			Title:       firstSentence(text),
			Content:     text,
			URL:         itemURL,
			Author:      statusAuthor(s),
			PublishedAt: &created,
		})
	}

	return items, nil
}

func (c *mastodonConnector) lookupAccount(ctx context.Context, server, acct string) (*mastodonAccount, error) {
	lookupURL := fmt.Sprintf("%s/api/v1/accounts/lookup?acct=%s", server, url.QueryEscape(acct))

	body, err := c.fetcher.get(ctx, lookupURL, fetchOptions{accept: "application/json"})
	if err != nil {
		return nil, err
	}

	var account mastodonAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	if account.ID == "" {
		return nil, fmt.Errorf("account %q not found on %s", acct, server)
	}

	return &account, nil
}

func statusAuthor(s mastodonStatus) string {
	if s.Account.DisplayName != "" {
		return s.Account.DisplayName
	}

	return s.Account.Acct
}

// firstSentence derives a title from post text; social posts carry none.
func firstSentence(text string) string {
	const maxTitleRunes = 120

	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.Index(text, sep); idx > 0 && idx < maxTitleRunes {
			return text[:idx+1]
		}
	}

	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "..."
	}

	return text
}
