package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/STRATINT/polwatch/internal/models"
)

// PostgresEnvelopeRepository is the durable raw store.
type PostgresEnvelopeRepository struct {
	db         *sql.DB
	staleAfter time.Duration
}

// NewPostgresEnvelopeRepository creates the raw store. Claims older than
// staleAfter are treated as abandoned by a crashed worker and may be
// reclaimed; zero disables reclaiming.
func NewPostgresEnvelopeRepository(db *sql.DB, staleAfter time.Duration) *PostgresEnvelopeRepository {
	return &PostgresEnvelopeRepository{db: db, staleAfter: staleAfter}
}

const envelopeColumns = `id, source, content_id, cluster_id, keyword, payload, fetched_at,
	status, error, extracted_count, claimed_at, processed_at`

// Stage persists a freshly fetched envelope as pending. When an in-flight
// envelope for the same content already exists nothing is written, staged is
// false and id is that envelope's id.
func (r *PostgresEnvelopeRepository) Stage(ctx context.Context, env models.RawEnvelope) (id string, staged bool, err error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.FetchedAt.IsZero() {
		env.FetchedAt = time.Now().UTC()
	}

	insert := `
		INSERT INTO raw_envelopes (id, source, content_id, cluster_id, keyword, payload, fetched_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (source, content_id) WHERE status IN ('pending', 'processing') DO NOTHING
		RETURNING id
	`
	inflight := `
		SELECT id FROM raw_envelopes
		WHERE source = $1 AND content_id = $2 AND status IN ('pending', 'processing')
		LIMIT 1
	`
	// the in-flight row can finish between the two statements
	for range 2 {
		err = r.db.QueryRowContext(ctx, insert,
			env.ID, env.Source, env.ContentID, env.ClusterID, env.Keyword, []byte(env.Payload), env.FetchedAt,
		).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, classify("stage envelope", err)
		}

		err = r.db.QueryRowContext(ctx, inflight, env.Source, env.ContentID).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, classify("find in-flight envelope", err)
		}
	}
	return "", false, fmt.Errorf("stage envelope %s:%s: in-flight row kept changing", env.Source, env.ContentID)
}

// ClaimPending atomically moves up to limit pending envelopes to processing
// and returns them. Concurrent callers never receive the same envelope.
func (r *PostgresEnvelopeRepository) ClaimPending(ctx context.Context, limit int) ([]models.RawEnvelope, error) {
	query := `
		UPDATE raw_envelopes
		SET status = 'processing',
		    claimed_at = NOW(),
		    error = NULL
		WHERE id IN (
			SELECT id FROM raw_envelopes
			WHERE status = 'pending'
			   OR ($2::double precision > 0 AND status = 'processing' AND claimed_at < NOW() - make_interval(secs => $2::double precision))
			ORDER BY fetched_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + envelopeColumns

	rows, err := r.db.QueryContext(ctx, query, limit, r.staleAfter.Seconds())
	if err != nil {
		return nil, classify("claim pending envelopes", err)
	}
	return scanEnvelopes(rows)
}

// ClaimByIDs claims specific pending envelopes, used for inline enrichment
// right after staging.
func (r *PostgresEnvelopeRepository) ClaimByIDs(ctx context.Context, ids []string) ([]models.RawEnvelope, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		UPDATE raw_envelopes
		SET status = 'processing', claimed_at = NOW()
		WHERE id = ANY($1::uuid[]) AND status = 'pending'
		RETURNING ` + envelopeColumns

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, classify("claim envelopes by id", err)
	}
	return scanEnvelopes(rows)
}

// MarkCompleted records a successful enrichment.
func (r *PostgresEnvelopeRepository) MarkCompleted(ctx context.Context, id string, extractedCount int) error {
	return r.finish(ctx, "complete", `
		UPDATE raw_envelopes
		SET status = 'completed', extracted_count = $2, error = NULL, processed_at = NOW(), claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, extractedCount)
}

// MarkFailed records a terminal per-item failure.
func (r *PostgresEnvelopeRepository) MarkFailed(ctx context.Context, id, detail string) error {
	return r.finish(ctx, "fail", `
		UPDATE raw_envelopes
		SET status = 'failed', error = $2, processed_at = NOW(), claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, detail)
}

// MarkSkipped records that the envelope duplicates an existing post.
func (r *PostgresEnvelopeRepository) MarkSkipped(ctx context.Context, id, reason string) error {
	return r.finish(ctx, "skip", `
		UPDATE raw_envelopes
		SET status = 'skipped', error = $2, processed_at = NOW(), claimed_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, reason)
}

func (r *PostgresEnvelopeRepository) finish(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op+" envelope", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op+" envelope", err)
	}
	if n == 0 {
		return fmt.Errorf("%s envelope %v: %w", op, args[0], models.ErrInvalidTransition)
	}
	return nil
}

// Release returns claimed but unstarted envelopes to pending.
func (r *PostgresEnvelopeRepository) Release(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE raw_envelopes
		SET status = 'pending', claimed_at = NULL
		WHERE id = ANY($1::uuid[]) AND status = 'processing'
	`, pq.Array(ids))
	if err != nil {
		return 0, classify("release envelopes", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("release envelopes", err)
	}
	return int(n), nil
}

// RequeueFailed moves up to limit failed envelopes back to pending. This is
// an operator action; the pipeline never calls it on its own.
func (r *PostgresEnvelopeRepository) RequeueFailed(ctx context.Context, limit int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE raw_envelopes
		SET status = 'pending', error = NULL, claimed_at = NULL, processed_at = NULL
		WHERE id IN (
			SELECT id FROM raw_envelopes
			WHERE status = 'failed'
			  AND NOT EXISTS (
			    SELECT 1 FROM raw_envelopes inflight
			    WHERE inflight.source = raw_envelopes.source
			      AND inflight.content_id = raw_envelopes.content_id
			      AND inflight.status IN ('pending', 'processing')
			  )
			ORDER BY fetched_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
	`, limit)
	if err != nil {
		return 0, classify("requeue failed envelopes", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("requeue failed envelopes", err)
	}
	return int(n), nil
}

// CountByStatus returns the number of envelopes in each status.
func (r *PostgresEnvelopeRepository) CountByStatus(ctx context.Context) (map[models.EnvelopeStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM raw_envelopes GROUP BY status`)
	if err != nil {
		return nil, classify("count envelopes", err)
	}
	defer rows.Close()

	counts := make(map[models.EnvelopeStatus]int)
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("failed to scan envelope count: %w", err)
		}
		status, err := models.NormalizeLegacyStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[status] += n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate envelope counts", err)
	}
	return counts, nil
}

// Get returns one envelope.
func (r *PostgresEnvelopeRepository) Get(ctx context.Context, id string) (*models.RawEnvelope, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+envelopeColumns+` FROM raw_envelopes WHERE id = $1`, id)
	if err != nil {
		return nil, classify("get envelope", err)
	}
	envs, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("envelope %s: %w", id, models.ErrNotFound)
	}
	return &envs[0], nil
}

func scanEnvelopes(rows *sql.Rows) ([]models.RawEnvelope, error) {
	defer rows.Close()

	var envs []models.RawEnvelope
	for rows.Next() {
		var env models.RawEnvelope
		var status string
		var payload []byte
		var errDetail sql.NullString
		var claimedAt, processedAt sql.NullTime

		if err := rows.Scan(
			&env.ID,
			&env.Source,
			&env.ContentID,
			&env.ClusterID,
			&env.Keyword,
			&payload,
			&env.FetchedAt,
			&status,
			&errDetail,
			&env.ExtractedCount,
			&claimedAt,
			&processedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}

		s, err := models.NormalizeLegacyStatus(status)
		if err != nil {
			return nil, fmt.Errorf("envelope %s: %w", env.ID, err)
		}
		env.Status = s
		env.Payload = payload
		if errDetail.Valid {
			env.Error = errDetail.String
		}
		if claimedAt.Valid {
			env.ClaimedAt = &claimedAt.Time
		}
		if processedAt.Valid {
			env.ProcessedAt = &processedAt.Time
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate envelopes", err)
	}
	return envs, nil
}
