package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rs/zerolog"
)

const (
	userAgent        = "Mozilla/5.0 (compatible; newswatch/1.0; +https://github.com/wohlfahrt-digital/newswatch)"
	maxBodyBytes     = 10 * 1024 * 1024
	maxRedirects     = 10
	requestTimeout   = 60 * time.Second
	maxItemsPerFetch = 50
)

var errTooManyRedirects = errors.New("too many redirects")

// fetcher is the shared HTTP layer of all connectors.
type fetcher struct {
	client *http.Client
	logger *zerolog.Logger
}

func newFetcher(logger *zerolog.Logger) *fetcher {
	return &fetcher{
		client: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errTooManyRedirects
				}

				return nil
			},
		},
		logger: logger,
	}
}

type fetchOptions struct {
	basicUser string
	basicPass string
	accept    string
}

// get fetches a URL with the connector defaults. Network errors and 5xx
// responses wrap ErrUnreachable.
func (f *fetcher) get(ctx context.Context, rawURL string, opts fetchOptions) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if opts.accept != "" {
		req.Header.Set("Accept", opts.accept)
	} else {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}

	if opts.basicUser != "" {
		req.SetBasicAuth(opts.basicUser, opts.basicPass)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Join(ErrUnreachable, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusForbidden {
		return nil, errors.Join(ErrUnreachable, fmt.Errorf("status %d for %s", resp.StatusCode, rawURL))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Join(ErrUnreachable, fmt.Errorf("read body: %w", err))
	}

	return body, nil
}

// parseLooseTime parses the date formats feeds and pages actually emit.
func parseLooseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil
	}

	return &t
}

// fallbackExternalID hashes the identifying fields of an item that has
// no stable id of its own.
func fallbackExternalID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))

	return hex.EncodeToString(h[:16])
}

// capItems bounds one fetch so a huge backfill cannot starve the run.
func capItems(items []string) []string {
	if len(items) > maxItemsPerFetch {
		return items[:maxItemsPerFetch]
	}

	return items
}
