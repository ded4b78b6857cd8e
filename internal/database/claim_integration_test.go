package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/polwatch/internal/models"
)

// TestClaimPendingConcurrentWorkers runs against a real Postgres when
// POLWATCH_TEST_DATABASE_URL is set.
func TestClaimPendingConcurrentWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := setupTestDB(t)
	repo := NewPostgresEnvelopeRepository(db, 15*time.Minute)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		_, staged, err := repo.Stage(ctx, models.RawEnvelope{
			ID:        uuid.NewString(),
			Source:    models.PlatformNews,
			ContentID: fmt.Sprintf("claim-test-%d", i),
			ClusterID: "claim-test",
			Payload:   json.RawMessage(`{}`),
		})
		if err != nil || !staged {
			t.Fatalf("Stage(%d) = %v, %v", i, staged, err)
		}
	}

	var wg sync.WaitGroup
	claims := make([][]models.RawEnvelope, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			claims[idx], errs[idx] = repo.ClaimPending(ctx, total)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i, claimed := range claims {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		for _, env := range claimed {
			seen[env.ID]++
			if seen[env.ID] > 1 {
				t.Errorf("envelope %s claimed by more than one worker", env.ID)
			}
		}
	}
	if len(seen) != total {
		t.Errorf("expected %d claimed envelopes, got %d", total, len(seen))
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbURL := os.Getenv("POLWATCH_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping test: POLWATCH_TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Skipf("Skipping test: cannot connect to test database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("Skipping test: test database not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := RunMigrations(context.Background(), db, filepath.Join("..", "..", "migrations"), logger); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	db.Exec("DELETE FROM posts WHERE cluster_id = 'claim-test'")
	db.Exec("DELETE FROM raw_envelopes WHERE cluster_id = 'claim-test'")
	return db
}
