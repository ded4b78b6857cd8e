package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

// PostgresCampaignRepository stores campaigns as JSONB documents with a few
// indexed columns and an optimistic version counter.
type PostgresCampaignRepository struct {
	db *sql.DB
}

// NewPostgresCampaignRepository creates the campaign store on the shared pool.
func NewPostgresCampaignRepository(db *sql.DB) *PostgresCampaignRepository {
	return &PostgresCampaignRepository{db: db}
}

// Create inserts a new campaign at version 1.
func (r *PostgresCampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.Version = 1
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal campaign: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, classification, status, threat_level, document, version, first_detected, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.Classification, c.Status, c.ThreatLevel, doc, c.Version, c.FirstDetected, c.LastUpdated)
	if err != nil {
		return classify("create campaign", err)
	}
	return nil
}

// Update writes c if the stored version still equals c.Version, then bumps
// c.Version. A concurrent writer yields models.ErrVersionConflict.
func (r *PostgresCampaignRepository) Update(ctx context.Context, c *models.Campaign) error {
	expected := c.Version
	next := *c
	next.Version = expected + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal campaign: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, threat_level = $3, document = $4, version = $5, last_updated = $6
		WHERE id = $1 AND version = $7
	`, c.ID, next.Status, next.ThreatLevel, doc, next.Version, next.LastUpdated, expected)
	if err != nil {
		return classify("update campaign", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update campaign", err)
	}
	if n == 0 {
		return fmt.Errorf("campaign %s at version %d: %w", c.ID, expected, models.ErrVersionConflict)
	}
	c.Version = next.Version
	return nil
}

// Get returns one campaign.
func (r *PostgresCampaignRepository) Get(ctx context.Context, id string) (*models.Campaign, error) {
	var doc []byte
	var version int
	err := r.db.QueryRowContext(ctx, `SELECT document, version FROM campaigns WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get campaign", err)
	}
	return decodeCampaign(doc, version)
}

// ListOpen returns non-resolved campaigns of the classification updated at or after since.
func (r *PostgresCampaignRepository) ListOpen(ctx context.Context, classification models.ClusterType, since time.Time) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document, version FROM campaigns
		WHERE classification = $1 AND status <> 'resolved' AND last_updated >= $2
		ORDER BY last_updated DESC
	`, classification, since)
	if err != nil {
		return nil, classify("list open campaigns", err)
	}
	return scanCampaigns(rows)
}

// List returns the most recently updated campaigns.
func (r *PostgresCampaignRepository) List(ctx context.Context, limit int) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document, version FROM campaigns ORDER BY last_updated DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify("list campaigns", err)
	}
	return scanCampaigns(rows)
}

func scanCampaigns(rows *sql.Rows) ([]models.Campaign, error) {
	defer rows.Close()
	var out []models.Campaign
	for rows.Next() {
		var doc []byte
		var version int
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		c, err := decodeCampaign(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate campaigns", err)
	}
	return out, nil
}

func decodeCampaign(doc []byte, version int) (*models.Campaign, error) {
	var c models.Campaign
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("unmarshal campaign: %w", err)
	}
	c.Version = version
	return &c, nil
}
