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

const (
	facebookMaxPages   = 5
	facebookTimeLayout = "2006-01-02T15:04:05-0700"
)

// FacebookAdapter searches public media-page posts through a Graph-style
// search endpoint with cursor pagination.
type FacebookAdapter struct {
	baseURL     string
	accessToken string
	fetch       *fetcher
}

// NewFacebookAdapter creates the media pages adapter.
func NewFacebookAdapter(baseURL, accessToken string, opts HTTPOptions) *FacebookAdapter {
	return &FacebookAdapter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		fetch:       newFetcher(models.PlatformFacebook, opts),
	}
}

func (a *FacebookAdapter) Platform() models.Platform { return models.PlatformFacebook }

type facebookSummary struct {
	Summary struct {
		TotalCount int64 `json:"total_count"`
	} `json:"summary"`
}

type facebookPost struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	Story        string `json:"story,omitempty"`
	CreatedTime  string `json:"created_time"`
	PermalinkURL string `json:"permalink_url"`
	From         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	Reactions facebookSummary `json:"reactions"`
	Comments  facebookSummary `json:"comments"`
	Shares    struct {
		Count int64 `json:"count"`
	} `json:"shares"`
}

func (p facebookPost) engagement() models.Engagement {
	return models.Engagement{
		Likes:    p.Reactions.Summary.TotalCount,
		Shares:   p.Shares.Count,
		Comments: p.Comments.Summary.TotalCount,
	}
}

type facebookSearchResponse struct {
	Data   []facebookPost `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// Search pages through the search service. Locale is sent as a query
// parameter; minimum engagement is filtered after fetch.
func (a *FacebookAdapter) Search(ctx context.Context, keyword string, cfg models.SourceConfig, maxResults int) iter.Seq2[models.RawEnvelope, error] {
	return func(yield func(models.RawEnvelope, error) bool) {
		limit := capResults(maxResults, cfg.MaxResults)
		emitted := 0
		after := ""

		for page := 0; page < facebookMaxPages && emitted < limit; page++ {
			var resp facebookSearchResponse
			if err := a.fetch.getJSON(ctx, a.searchURL(keyword, cfg, limit-emitted, after), nil, &resp); err != nil {
				yield(models.RawEnvelope{}, fmt.Errorf("facebook search %q: %w", keyword, err))
				return
			}

			for _, post := range resp.Data {
				if emitted >= limit {
					return
				}
				if post.ID == "" || post.engagement().Total() < cfg.MinEngagement {
					continue
				}
				env, err := newEnvelope(models.PlatformFacebook, post.ID, keyword, post)
				if !yield(env, err) || err != nil {
					return
				}
				emitted++
			}

			if resp.Paging.Next == "" || resp.Paging.Cursors.After == "" {
				return
			}
			after = resp.Paging.Cursors.After
		}
	}
}

func (a *FacebookAdapter) searchURL(keyword string, cfg models.SourceConfig, remaining int, after string) string {
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("type", "post")
	q.Set("fields", "id,message,story,created_time,permalink_url,from{id,name},reactions.summary(true).limit(0),comments.summary(true).limit(0),shares")
	q.Set("limit", strconv.Itoa(min(max(remaining, 1), 100)))
	if a.accessToken != "" {
		q.Set("access_token", a.accessToken)
	}
	if cfg.Language != "" {
		locale := cfg.Language
		if cfg.Region != "" {
			locale += "_" + strings.ToUpper(cfg.Region)
		}
		q.Set("locale", locale)
	}
	if after != "" {
		q.Set("after", after)
	}
	return a.baseURL + "/search?" + q.Encode()
}

// ParsePayload normalizes a staged page post.
func (a *FacebookAdapter) ParsePayload(raw json.RawMessage) (models.Content, error) {
	var p facebookPost
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Content{}, extractionError(models.PlatformFacebook, "decode payload: %v", err)
	}
	text := strings.TrimSpace(p.Message)
	if text == "" {
		text = strings.TrimSpace(p.Story)
	}
	if p.ID == "" || text == "" {
		return models.Content{}, extractionError(models.PlatformFacebook, "post has no id or message")
	}

	published, err := time.Parse(facebookTimeLayout, p.CreatedTime)
	if err != nil {
		published, _ = time.Parse(time.RFC3339, p.CreatedTime)
	}
	link := p.PermalinkURL
	if link == "" {
		link = "https://www.facebook.com/" + p.ID
	}

	return models.Content{
		ContentID:   p.ID,
		Author:      p.From.Name,
		Text:        text,
		URL:         link,
		PublishedAt: published,
		Metrics:     p.engagement(),
		Hashtags:    Hashtags(text),
	}, nil
}
