package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

const twitterMaxPages = 10

// TwitterAdapter searches short-form posts through the v2 recent search API.
type TwitterAdapter struct {
	baseURL     string
	bearerToken string
	fetch       *fetcher
}

// NewTwitterAdapter creates the short-form social adapter.
func NewTwitterAdapter(baseURL, bearerToken string, opts HTTPOptions) *TwitterAdapter {
	return &TwitterAdapter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		fetch:       newFetcher(models.PlatformTwitter, opts),
	}
}

func (a *TwitterAdapter) Platform() models.Platform { return models.PlatformTwitter }

type tweetMetrics struct {
	RetweetCount    int64 `json:"retweet_count"`
	ReplyCount      int64 `json:"reply_count"`
	LikeCount       int64 `json:"like_count"`
	QuoteCount      int64 `json:"quote_count"`
	ImpressionCount int64 `json:"impression_count"`
}

type tweet struct {
	ID            string       `json:"id"`
	Text          string       `json:"text"`
	AuthorID      string       `json:"author_id"`
	CreatedAt     string       `json:"created_at"`
	Lang          string       `json:"lang"`
	PublicMetrics tweetMetrics `json:"public_metrics"`
}

type twitterUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type twitterSearchResponse struct {
	Data     []tweet `json:"data"`
	Includes struct {
		Users []twitterUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// twitterPayload is the staged raw shape: the tweet plus its resolved author.
type twitterPayload struct {
	Tweet  tweet       `json:"tweet"`
	Author twitterUser `json:"author"`
}

func (p twitterPayload) engagement() models.Engagement {
	m := p.Tweet.PublicMetrics
	return models.Engagement{
		Likes:    m.LikeCount,
		Shares:   m.RetweetCount + m.QuoteCount,
		Comments: m.ReplyCount,
		Views:    m.ImpressionCount,
	}
}

// Search pages through recent results. Locale is pushed into the query with
// the lang: operator; minimum engagement is filtered after fetch.
func (a *TwitterAdapter) Search(ctx context.Context, keyword string, cfg models.SourceConfig, maxResults int) iter.Seq2[models.RawEnvelope, error] {
	return func(yield func(models.RawEnvelope, error) bool) {
		limit := capResults(maxResults, cfg.MaxResults)
		emitted := 0
		nextToken := ""

		for page := 0; page < twitterMaxPages && emitted < limit; page++ {
			var resp twitterSearchResponse
			if err := a.fetch.getJSON(ctx, a.searchURL(keyword, cfg, limit-emitted, nextToken), a.headers(), &resp); err != nil {
				yield(models.RawEnvelope{}, fmt.Errorf("twitter search %q: %w", keyword, err))
				return
			}

			users := make(map[string]twitterUser, len(resp.Includes.Users))
			for _, u := range resp.Includes.Users {
				users[u.ID] = u
			}

			for _, tw := range resp.Data {
				if emitted >= limit {
					return
				}
				payload := twitterPayload{Tweet: tw, Author: users[tw.AuthorID]}
				if payload.engagement().Total() < cfg.MinEngagement {
					continue
				}
				env, err := newEnvelope(models.PlatformTwitter, tw.ID, keyword, payload)
				if !yield(env, err) || err != nil {
					return
				}
				emitted++
			}

			if resp.Meta.NextToken == "" {
				return
			}
			nextToken = resp.Meta.NextToken
		}
	}
}

func (a *TwitterAdapter) searchURL(keyword string, cfg models.SourceConfig, remaining int, nextToken string) string {
	query := fmt.Sprintf("%q -is:retweet", keyword)
	if cfg.Language != "" {
		query += " lang:" + cfg.Language
	}

	// the API accepts 10..100 per page
	pageSize := min(max(remaining, 10), 100)

	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(pageSize))
	q.Set("tweet.fields", "created_at,public_metrics,lang,author_id")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username,name")
	if nextToken != "" {
		q.Set("next_token", nextToken)
	}
	return a.baseURL + "/tweets/search/recent?" + q.Encode()
}

func (a *TwitterAdapter) headers() map[string]string {
	if a.bearerToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.bearerToken}
}

// ParsePayload normalizes a staged tweet.
func (a *TwitterAdapter) ParsePayload(raw json.RawMessage) (models.Content, error) {
	var p twitterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Content{}, extractionError(models.PlatformTwitter, "decode payload: %v", err)
	}
	text := strings.TrimSpace(p.Tweet.Text)
	if p.Tweet.ID == "" || text == "" {
		return models.Content{}, extractionError(models.PlatformTwitter, "tweet has no id or text")
	}

	author := p.Author.Username
	if author == "" {
		author = p.Tweet.AuthorID
	}
	published, _ := time.Parse(time.RFC3339, p.Tweet.CreatedAt)

	link := "https://x.com/i/web/status/" + p.Tweet.ID
	if p.Author.Username != "" {
		link = fmt.Sprintf("https://x.com/%s/status/%s", p.Author.Username, p.Tweet.ID)
	}

	return models.Content{
		ContentID:   p.Tweet.ID,
		Author:      author,
		Text:        text,
		URL:         link,
		PublishedAt: published,
		Metrics:     p.engagement(),
		Language:    p.Tweet.Lang,
		Hashtags:    Hashtags(text),
	}, nil
}
