package connector

import (
	"bytes"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	logger := zerolog.Nop()
	r := DefaultRegistry(&logger)

	before := len(r.Types())

	f := newFetcher(&logger)
	r.Register(newRSSConnector(f, false))
	r.Register(newRSSConnector(f, false))

	assert.Len(t, r.Types(), before)
}

func TestRegistry_UnknownType(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(domain.ConnectorType("carrier-pigeon"))

	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDeriveSourceIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		typ     domain.ConnectorType
		cfg     map[string]any
		want    string
		wantErr error
	}{
		{
			name: "rss url normalizes host and trailing slash",
			typ:  domain.ConnectorRSS,
			cfg:  map[string]any{"url": "https://WWW.Example.org/presse/feed/"},
			want: "www.example.org/presse/feed",
		},
		{
			name: "same feed with different query is the same channel",
			typ:  domain.ConnectorRSS,
			cfg:  map[string]any{"url": "https://www.example.org/presse/feed?utm=x"},
			want: "www.example.org/presse/feed",
		},
		{
			name: "mastodon account at server",
			typ:  domain.ConnectorMastodon,
			cfg:  map[string]any{"server": "https://social.bund.de", "account": "@BMAS"},
			want: "bmas@social.bund.de",
		},
		{
			name: "bluesky handle lowercased",
			typ:  domain.ConnectorBluesky,
			cfg:  map[string]any{"handle": "@Verband.bsky.social"},
			want: "verband.bsky.social",
		},
		{
			name:    "missing url",
			typ:     domain.ConnectorHTML,
			cfg:     map[string]any{},
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "missing handle",
			typ:     domain.ConnectorTelegram,
			cfg:     map[string]any{},
			wantErr: ErrConfigInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveSourceIdentifier(tt.typ, tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFeedEntryToRawItem(t *testing.T) {
	published := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)

	entry := &gofeed.Item{
		GUID:            "tag:example.org,2026:4711",
		Title:           "Referentenentwurf zur Pflegereform vorgelegt",
		Description:     "<p>Das Ministerium hat den <b>Entwurf</b> veröffentlicht.</p>",
		Link:            "https://example.org/news/4711",
		PublishedParsed: &published,
		Authors:         []*gofeed.Person{{Name: "Pressestelle"}},
	}

	item := feedEntryToRawItem(entry)

	assert.Equal(t, "tag:example.org,2026:4711", item.ExternalID)
	assert.Equal(t, "Referentenentwurf zur Pflegereform vorgelegt", item.Title)
	assert.Equal(t, "Das Ministerium hat den Entwurf veröffentlicht.", item.Content)
	assert.Equal(t, "Pressestelle", item.Author)
	require.NotNil(t, item.PublishedAt)
	assert.True(t, item.PublishedAt.Equal(published))
}

func TestFeedEntryToRawItem_FallbackID(t *testing.T) {
	a := feedEntryToRawItem(&gofeed.Item{Title: "Ohne GUID", Published: "2026-01-02"})
	b := feedEntryToRawItem(&gofeed.Item{Title: "Ohne GUID", Published: "2026-01-02"})
	c := feedEntryToRawItem(&gofeed.Item{Title: "Anderer Titel", Published: "2026-01-02"})

	assert.NotEmpty(t, a.ExternalID)
	assert.Equal(t, a.ExternalID, b.ExternalID)
	assert.NotEqual(t, a.ExternalID, c.ExternalID)
}

func TestExtractListingLinks(t *testing.T) {
	page := []byte(`<html><body>
		<nav><a href="/impressum">Impressum</a></nav>
		<div class="news-list">
			<a href="/presse/meldung-1">Meldung 1</a>
			<a href="/presse/meldung-2">Meldung 2</a>
			<a href="/presse/meldung-1">Meldung 1 nochmal</a>
			<a href="https://extern.example.com/artikel">Extern</a>
			<a href="mailto:presse@example.org">Mail</a>
		</div>
	</body></html>`)

	base, _ := url.Parse("https://www.example.org/presse/")

	links, err := extractListingLinks(page, base, ".news-list")

	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.example.org/presse/meldung-1",
		"https://www.example.org/presse/meldung-2",
	}, links)
}

func TestTelegramPreviewParsing(t *testing.T) {
	page := `<html><body>
		<div class="tgme_widget_message" data-post="verbandsnews/123">
			<div class="tgme_widget_message_text">Neue Stellungnahme zur Kindergrundsicherung veröffentlicht. Mehr im Anhang.</div>
			<span class="tgme_widget_message_owner_name">Verbandsnews</span>
			<time datetime="2026-02-01T10:00:00+00:00"></time>
		</div>
		<div class="tgme_widget_message" data-post="verbandsnews/124">
			<div class="tgme_widget_message_text"></div>
		</div>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	var items []domain.RawItem

	doc.Find(".tgme_widget_message").Each(func(_ int, s *goquery.Selection) {
		post, _ := s.Attr("data-post")
		text := s.Find(".tgme_widget_message_text").First().Text()

		if text == "" {
			return
		}

		items = append(items, domain.RawItem{ExternalID: post, Content: text})
	})

	require.Len(t, items, 1)
	assert.Equal(t, "verbandsnews/123", items[0].ExternalID)
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "Kein Markup", stripHTML("Kein Markup"))
	assert.Equal(t, "Fett und kursiv", stripHTML("<p><b>Fett</b> und <i>kursiv</i></p>"))
	assert.Equal(t, "Sichtbar", stripHTML("<script>alert(1)</script><p>Sichtbar</p>"))
}

func TestFirstSentence(t *testing.T) {
	assert.Equal(t, "Kurzer Satz.", firstSentence("Kurzer Satz. Und noch einer."))

	long := string(bytes.Repeat([]byte("a"), 200))
	got := firstSentence(long)
	assert.LessOrEqual(t, len([]rune(got)), 123)
}

func TestDocumentTitle(t *testing.T) {
	assert.Equal(t, "stellungnahme kindergrundsicherung 2026",
		documentTitle("https://example.org/docs/stellungnahme_kindergrundsicherung-2026.pdf"))
}

func TestPostWebURL(t *testing.T) {
	assert.Equal(t, "https://bsky.app/profile/verband.bsky.social/post/3k44abc",
		postWebURL("at://did:plc:xyz/app.bsky.feed.post/3k44abc", "verband.bsky.social"))
}
