package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/STRATINT/polwatch/internal/models"
)

// PostgresClusterRepository reads cluster definitions. Clusters are owned by
// the external registry; the pipeline never writes them.
type PostgresClusterRepository struct {
	db *sql.DB
}

// NewPostgresClusterRepository creates a cluster reader on the shared pool.
func NewPostgresClusterRepository(db *sql.DB) *PostgresClusterRepository {
	return &PostgresClusterRepository{db: db}
}

const clusterColumns = `id, name, type, keywords, entities, sources, active`

// Get returns one cluster by id.
func (r *PostgresClusterRepository) Get(ctx context.Context, id string) (*models.Cluster, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get cluster", err)
	}
	return c, nil
}

// ListActive returns active clusters, optionally filtered by type.
func (r *PostgresClusterRepository) ListActive(ctx context.Context, clusterType models.ClusterType) ([]models.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE active = TRUE AND ($1 = '' OR type = $1) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, string(clusterType))
	if err != nil {
		return nil, classify("list active clusters", err)
	}
	defer rows.Close()

	var clusters []models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate clusters", err)
	}
	return clusters, nil
}

// Count returns the total and active cluster counts.
func (r *PostgresClusterRepository) Count(ctx context.Context) (total, active int, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM clusters`,
	).Scan(&total, &active)
	if err != nil {
		return 0, 0, classify("count clusters", err)
	}
	return total, active, nil
}

func scanCluster(scanner interface{ Scan(dest ...interface{}) error }) (*models.Cluster, error) {
	var c models.Cluster
	var keywords, entities, sources []byte
	if err := scanner.Scan(&c.ID, &c.Name, &c.Type, &keywords, &entities, &sources, &c.Active); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywords, &c.Keywords); err != nil {
		return nil, fmt.Errorf("cluster %s keywords: %w", c.ID, err)
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &c.Entities); err != nil {
			return nil, fmt.Errorf("cluster %s entities: %w", c.ID, err)
		}
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &c.Sources); err != nil {
			return nil, fmt.Errorf("cluster %s sources: %w", c.ID, err)
		}
	}
	return &c, nil
}
