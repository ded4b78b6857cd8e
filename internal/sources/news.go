package sources

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/STRATINT/polwatch/internal/models"
)

// NewsAdapter searches a news RSS search endpoint (Google News style).
// Feeds are single-page and carry no engagement counters, so minimum
// engagement does not apply.
type NewsAdapter struct {
	baseURL string
	fetch   *fetcher
}

// NewNewsAdapter creates the news feed adapter.
func NewNewsAdapter(baseURL string, opts HTTPOptions) *NewsAdapter {
	return &NewsAdapter{
		baseURL: baseURL,
		fetch:   newFetcher(models.PlatformNews, opts),
	}
}

func (a *NewsAdapter) Platform() models.Platform { return models.PlatformNews }

type newsPayload struct {
	GUID        string   `json:"guid,omitempty"`
	Title       string   `json:"title"`
	Link        string   `json:"link"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content,omitempty"`
	Author      string   `json:"author,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	Published   string   `json:"published,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	FeedLang    string   `json:"feed_language,omitempty"`
}

// Search fetches one feed page. hl/gl/ceid carry the locale.
func (a *NewsAdapter) Search(ctx context.Context, keyword string, cfg models.SourceConfig, maxResults int) iter.Seq2[models.RawEnvelope, error] {
	return func(yield func(models.RawEnvelope, error) bool) {
		limit := capResults(maxResults, cfg.MaxResults)

		body, err := a.fetch.get(ctx, a.searchURL(keyword, cfg), map[string]string{"Accept": "application/rss+xml, application/xml"})
		if err != nil {
			yield(models.RawEnvelope{}, fmt.Errorf("news search %q: %w", keyword, err))
			return
		}

		feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
		if err != nil {
			yield(models.RawEnvelope{}, fmt.Errorf("news search %q: %w", keyword, &models.SourceError{
				Source: models.PlatformNews,
				Kind:   models.SourceErrorPermanent,
				Err:    fmt.Errorf("parse feed: %w", err),
			}))
			return
		}

		emitted := 0
		for _, item := range feed.Items {
			if emitted >= limit {
				return
			}
			if item == nil || item.Link == "" {
				continue
			}
			payload := newsPayloadFrom(item, feed.Language)
			env, err := newEnvelope(models.PlatformNews, newsContentID(item.Link), keyword, payload)
			if !yield(env, err) || err != nil {
				return
			}
			emitted++
		}
	}
}

func (a *NewsAdapter) searchURL(keyword string, cfg models.SourceConfig) string {
	q := url.Values{}
	q.Set("q", keyword)
	lang := cfg.Language
	region := strings.ToUpper(cfg.Region)
	if lang != "" {
		q.Set("hl", lang)
	}
	if region != "" {
		q.Set("gl", region)
	}
	if lang != "" && region != "" {
		q.Set("ceid", region+":"+lang)
	}
	sep := "?"
	if strings.Contains(a.baseURL, "?") {
		sep = "&"
	}
	return a.baseURL + sep + q.Encode()
}

func newsPayloadFrom(item *gofeed.Item, feedLang string) newsPayload {
	p := newsPayload{
		GUID:        item.GUID,
		Title:       item.Title,
		Link:        item.Link,
		Description: item.Description,
		Content:     item.Content,
		Published:   item.Published,
		Categories:  item.Categories,
		FeedLang:    feedLang,
	}
	if item.PublishedParsed != nil {
		p.Published = item.PublishedParsed.UTC().Format(time.RFC3339)
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		p.Author = item.Authors[0].Name
	}
	if src, ok := item.Custom["source"]; ok {
		p.Publisher = src
	}
	return p
}

// newsContentID derives a stable id from the article link.
func newsContentID(link string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(link)))
	return hex.EncodeToString(sum[:16])
}

// ParsePayload normalizes a staged feed item. HTML in the description is
// reduced to text.
func (a *NewsAdapter) ParsePayload(raw json.RawMessage) (models.Content, error) {
	var p newsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Content{}, extractionError(models.PlatformNews, "decode payload: %v", err)
	}
	if p.Link == "" {
		return models.Content{}, extractionError(models.PlatformNews, "item has no link")
	}

	body := HTMLToText(p.Content)
	if body == "" {
		body = HTMLToText(p.Description)
	}
	title := strings.TrimSpace(p.Title)
	text := title
	if body != "" && !strings.EqualFold(body, title) {
		text = strings.TrimSpace(title + "\n" + body)
	}
	if text == "" {
		return models.Content{}, extractionError(models.PlatformNews, "item has no title or body")
	}

	author := p.Author
	if author == "" {
		author = p.Publisher
	}
	published, _ := time.Parse(time.RFC3339, p.Published)

	return models.Content{
		ContentID:   newsContentID(p.Link),
		Author:      author,
		Text:        text,
		URL:         p.Link,
		PublishedAt: published,
		Language:    p.FeedLang,
	}, nil
}
