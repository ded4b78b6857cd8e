package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/polwatch/internal/models"
)

// PostgresPostRepository stores canonical posts keyed by (source, content_id).
type PostgresPostRepository struct {
	db *sql.DB
}

// NewPostgresPostRepository creates the post store on the shared pool.
func NewPostgresPostRepository(db *sql.DB) *PostgresPostRepository {
	return &PostgresPostRepository{db: db}
}

// Upsert inserts the post or, when (source, content_id) already exists,
// rewrites only its enrichment block and engagement metrics. Content fields
// are immutable. created reports whether a new row was inserted.
func (r *PostgresPostRepository) Upsert(ctx context.Context, post models.Post) (created bool, err error) {
	if err := post.Validate(); err != nil {
		return false, err
	}
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.EnrichedAt.IsZero() {
		post.EnrichedAt = time.Now().UTC()
	}

	metrics, err := json.Marshal(post.Metrics)
	if err != nil {
		return false, fmt.Errorf("marshal metrics: %w", err)
	}
	hashtags, err := json.Marshal(nonNil(post.Hashtags))
	if err != nil {
		return false, fmt.Errorf("marshal hashtags: %w", err)
	}
	sentiments, err := json.Marshal(post.Sentiments)
	if err != nil {
		return false, fmt.Errorf("marshal sentiments: %w", err)
	}
	topics, err := json.Marshal(nonNil(post.Topics))
	if err != nil {
		return false, fmt.Errorf("marshal topics: %w", err)
	}
	var comparison []byte
	if post.Comparison != nil {
		if comparison, err = json.Marshal(post.Comparison); err != nil {
			return false, fmt.Errorf("marshal comparison: %w", err)
		}
	}

	query := `
		INSERT INTO posts (
			id, source, content_id, cluster_id, envelope_id, keyword, author, text, url, published_at,
			metrics, hashtags, sentiments, overall_sentiment, threat_level, threat_score,
			narrative, topics, language, comparison, enrichment_degraded, degraded_reason, enriched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (source, content_id) DO UPDATE SET
			metrics = EXCLUDED.metrics,
			sentiments = EXCLUDED.sentiments,
			overall_sentiment = EXCLUDED.overall_sentiment,
			threat_level = EXCLUDED.threat_level,
			threat_score = EXCLUDED.threat_score,
			narrative = EXCLUDED.narrative,
			topics = EXCLUDED.topics,
			language = EXCLUDED.language,
			comparison = EXCLUDED.comparison,
			enrichment_degraded = EXCLUDED.enrichment_degraded,
			degraded_reason = EXCLUDED.degraded_reason,
			enriched_at = EXCLUDED.enriched_at
		RETURNING (xmax = 0) AS inserted
	`

	var publishedAt sql.NullTime
	if !post.PublishedAt.IsZero() {
		publishedAt = sql.NullTime{Time: post.PublishedAt, Valid: true}
	}

	err = r.db.QueryRowContext(ctx, query,
		post.ID, post.Source, post.ContentID, post.ClusterID, post.EnvelopeID, post.Keyword,
		post.Author, post.Text, post.URL, publishedAt,
		metrics, hashtags, sentiments, post.OverallSentiment, post.ThreatLevel, post.ThreatScore,
		post.Narrative, topics, post.Language, comparison, post.EnrichmentDegraded, post.DegradedReason,
		post.EnrichedAt,
	).Scan(&created)
	if err != nil {
		return false, classify("upsert post", err)
	}
	return created, nil
}

// Exists reports whether a post with the given identity is stored.
func (r *PostgresPostRepository) Exists(ctx context.Context, key models.PostKey) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE source = $1 AND content_id = $2)`,
		key.Source, key.ContentID,
	).Scan(&exists)
	if err != nil {
		return false, classify("check post exists", err)
	}
	return exists, nil
}

// Get returns the stored post for key.
func (r *PostgresPostRepository) Get(ctx context.Context, key models.PostKey) (*models.Post, error) {
	query := `
		SELECT id, source, content_id, cluster_id, envelope_id, keyword, author, text, url, published_at,
		       metrics, hashtags, sentiments, overall_sentiment, threat_level, threat_score,
		       narrative, topics, language, comparison, enrichment_degraded, degraded_reason,
		       enriched_at, created_at
		FROM posts WHERE source = $1 AND content_id = $2
	`
	var p models.Post
	var publishedAt sql.NullTime
	var metrics, hashtags, sentiments, topics, comparison []byte

	err := r.db.QueryRowContext(ctx, query, key.Source, key.ContentID).Scan(
		&p.ID, &p.Source, &p.ContentID, &p.ClusterID, &p.EnvelopeID, &p.Keyword, &p.Author, &p.Text, &p.URL,
		&publishedAt, &metrics, &hashtags, &sentiments, &p.OverallSentiment, &p.ThreatLevel, &p.ThreatScore,
		&p.Narrative, &topics, &p.Language, &comparison, &p.EnrichmentDegraded, &p.DegradedReason,
		&p.EnrichedAt, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get post", err)
	}

	if publishedAt.Valid {
		p.PublishedAt = publishedAt.Time
	}
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{
		{metrics, &p.Metrics},
		{hashtags, &p.Hashtags},
		{sentiments, &p.Sentiments},
		{topics, &p.Topics},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("post %s: %w", key, err)
		}
	}
	if len(comparison) > 0 {
		p.Comparison = &models.Comparison{}
		if err := json.Unmarshal(comparison, p.Comparison); err != nil {
			return nil, fmt.Errorf("post %s comparison: %w", key, err)
		}
	}
	return &p, nil
}

// CountByPlatform returns post counts per source.
func (r *PostgresPostRepository) CountByPlatform(ctx context.Context) (map[models.Platform]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM posts GROUP BY source`)
	if err != nil {
		return nil, classify("count posts by platform", err)
	}
	defer rows.Close()

	counts := make(map[models.Platform]int)
	for rows.Next() {
		var p models.Platform
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("failed to scan platform count: %w", err)
		}
		counts[p] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate platform counts", err)
	}
	return counts, nil
}

// CountBySentiment buckets posts by overall sentiment.
func (r *PostgresPostRepository) CountBySentiment(ctx context.Context) (map[models.SentimentLabel]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT CASE
		         WHEN overall_sentiment > $1::double precision THEN 'Positive'
		         WHEN overall_sentiment < -$1::double precision THEN 'Negative'
		         ELSE 'Neutral'
		       END AS bucket,
		       COUNT(*)
		FROM posts
		GROUP BY bucket
	`, models.NeutralBand)
	if err != nil {
		return nil, classify("count posts by sentiment", err)
	}
	defer rows.Close()

	counts := make(map[models.SentimentLabel]int)
	for rows.Next() {
		var label models.SentimentLabel
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sentiment count: %w", err)
		}
		counts[label] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate sentiment counts", err)
	}
	return counts, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
