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

const youtubeMaxPages = 5

// YouTubeAdapter searches long-form videos and attaches their statistics.
type YouTubeAdapter struct {
	baseURL string
	apiKey  string
	fetch   *fetcher
}

// NewYouTubeAdapter creates the long-video adapter.
func NewYouTubeAdapter(baseURL, apiKey string, opts HTTPOptions) *YouTubeAdapter {
	return &YouTubeAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		fetch:   newFetcher(models.PlatformYouTube, opts),
	}
}

func (a *YouTubeAdapter) Platform() models.Platform { return models.PlatformYouTube }

type youtubeSnippet struct {
	PublishedAt  string `json:"publishedAt"`
	ChannelID    string `json:"channelId"`
	ChannelTitle string `json:"channelTitle"`
	Title        string `json:"title"`
	Description  string `json:"description"`
}

type youtubeSearchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet youtubeSnippet `json:"snippet"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

// counts arrive as decimal strings
type youtubeStatistics struct {
	ViewCount    string `json:"viewCount"`
	LikeCount    string `json:"likeCount"`
	CommentCount string `json:"commentCount"`
}

type youtubeVideosResponse struct {
	Items []struct {
		ID         string            `json:"id"`
		Statistics youtubeStatistics `json:"statistics"`
	} `json:"items"`
}

type youtubePayload struct {
	VideoID    string            `json:"video_id"`
	Snippet    youtubeSnippet    `json:"snippet"`
	Statistics youtubeStatistics `json:"statistics"`
}

func (p youtubePayload) engagement() models.Engagement {
	return models.Engagement{
		Likes:    parseCount(p.Statistics.LikeCount),
		Comments: parseCount(p.Statistics.CommentCount),
		Views:    parseCount(p.Statistics.ViewCount),
	}
}

// Search queries search.list with relevanceLanguage/regionCode, then fetches
// statistics for each page so minimum engagement can be applied.
func (a *YouTubeAdapter) Search(ctx context.Context, keyword string, cfg models.SourceConfig, maxResults int) iter.Seq2[models.RawEnvelope, error] {
	return func(yield func(models.RawEnvelope, error) bool) {
		limit := capResults(maxResults, cfg.MaxResults)
		emitted := 0
		pageToken := ""

		for page := 0; page < youtubeMaxPages && emitted < limit; page++ {
			var resp youtubeSearchResponse
			if err := a.fetch.getJSON(ctx, a.searchURL(keyword, cfg, limit-emitted, pageToken), nil, &resp); err != nil {
				yield(models.RawEnvelope{}, fmt.Errorf("youtube search %q: %w", keyword, err))
				return
			}

			ids := make([]string, 0, len(resp.Items))
			for _, item := range resp.Items {
				if item.ID.VideoID != "" {
					ids = append(ids, item.ID.VideoID)
				}
			}
			stats, err := a.statistics(ctx, ids)
			if err != nil {
				yield(models.RawEnvelope{}, fmt.Errorf("youtube statistics: %w", err))
				return
			}

			for _, item := range resp.Items {
				if emitted >= limit {
					return
				}
				if item.ID.VideoID == "" {
					continue
				}
				payload := youtubePayload{VideoID: item.ID.VideoID, Snippet: item.Snippet, Statistics: stats[item.ID.VideoID]}
				if payload.engagement().Total() < cfg.MinEngagement {
					continue
				}
				env, err := newEnvelope(models.PlatformYouTube, item.ID.VideoID, keyword, payload)
				if !yield(env, err) || err != nil {
					return
				}
				emitted++
			}

			if resp.NextPageToken == "" {
				return
			}
			pageToken = resp.NextPageToken
		}
	}
}

func (a *YouTubeAdapter) searchURL(keyword string, cfg models.SourceConfig, remaining int, pageToken string) string {
	q := url.Values{}
	q.Set("part", "snippet")
	q.Set("type", "video")
	q.Set("order", "date")
	q.Set("q", keyword)
	q.Set("maxResults", strconv.Itoa(min(max(remaining, 1), 50)))
	if a.apiKey != "" {
		q.Set("key", a.apiKey)
	}
	if cfg.Language != "" {
		q.Set("relevanceLanguage", cfg.Language)
	}
	if cfg.Region != "" {
		q.Set("regionCode", strings.ToUpper(cfg.Region))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	return a.baseURL + "/search?" + q.Encode()
}

func (a *YouTubeAdapter) statistics(ctx context.Context, ids []string) (map[string]youtubeStatistics, error) {
	out := make(map[string]youtubeStatistics, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := url.Values{}
	q.Set("part", "statistics")
	q.Set("id", strings.Join(ids, ","))
	if a.apiKey != "" {
		q.Set("key", a.apiKey)
	}

	var resp youtubeVideosResponse
	if err := a.fetch.getJSON(ctx, a.baseURL+"/videos?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	for _, item := range resp.Items {
		out[item.ID] = item.Statistics
	}
	return out, nil
}

// ParsePayload normalizes a staged video. Title and description form the text.
func (a *YouTubeAdapter) ParsePayload(raw json.RawMessage) (models.Content, error) {
	var p youtubePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Content{}, extractionError(models.PlatformYouTube, "decode payload: %v", err)
	}
	text := strings.TrimSpace(strings.TrimSpace(p.Snippet.Title) + "\n" + strings.TrimSpace(p.Snippet.Description))
	if p.VideoID == "" || text == "" {
		return models.Content{}, extractionError(models.PlatformYouTube, "video has no id or text")
	}
	published, _ := time.Parse(time.RFC3339, p.Snippet.PublishedAt)

	return models.Content{
		ContentID:   p.VideoID,
		Author:      p.Snippet.ChannelTitle,
		Text:        text,
		URL:         "https://www.youtube.com/watch?v=" + p.VideoID,
		PublishedAt: published,
		Metrics:     p.engagement(),
		Hashtags:    Hashtags(p.Snippet.Description),
	}, nil
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
