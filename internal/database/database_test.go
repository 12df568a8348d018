package database_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pocwisper/internal/database"
	"github.com/MrWong99/pocwisper/internal/job"
	"github.com/MrWong99/pocwisper/internal/search"
)

const testDims = 4

// testDSN returns the integration database DSN or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POCWISPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POCWISPER_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{name: "malformed dsn", dsn: "postgres://%zz", want: "database: parse dsn"},
		{name: "unreachable server", dsn: "postgres://u:p@127.0.0.1:1/db?connect_timeout=1", want: "database: ping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pool, err := database.Open(ctx, tt.dsn, false)
			if err == nil {
				pool.Close()
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want prefix %q", err, tt.want)
			}
		})
	}
}

func TestEnsureVectorExtension_BadDSN(t *testing.T) {
	t.Parallel()

	err := database.EnsureVectorExtension(context.Background(), "postgres://%zz")
	if err == nil || !strings.Contains(err.Error(), "database: connect") {
		t.Errorf("err = %v", err)
	}
}

func TestIntegration_StoreAndIndex(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	if err := database.EnsureVectorExtension(ctx, dsn); err != nil {
		t.Fatalf("EnsureVectorExtension: %v", err)
	}
	pool, err := database.Open(ctx, dsn, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS transcript_passages CASCADE",
		"DROP TABLE IF EXISTS transcriptions CASCADE",
		"DROP TABLE IF EXISTS users CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	store := job.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("store Migrate: %v", err)
	}
	index := search.NewPostgresIndex(pool, testDims)
	if err := index.Migrate(ctx); err != nil {
		t.Fatalf("index Migrate: %v", err)
	}

	owner := &job.Owner{Username: "ana", Email: "ana@example.com", HashedPassword: "x"}
	if err := store.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	dup := &job.Owner{Username: "ana", Email: "other@example.com", HashedPassword: "x"}
	if err := store.CreateOwner(ctx, dup); !errors.Is(err, job.ErrDuplicate) {
		t.Errorf("duplicate CreateOwner err = %v, want ErrDuplicate", err)
	}

	j := &job.Job{OwnerID: owner.ID, Title: "Weekly Sync", Date: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), AudioFilePath: "a.wav"}
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.StartProcessing(ctx, owner.ID, j.ID); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if _, err := store.StartProcessing(ctx, owner.ID, j.ID); !errors.Is(err, job.ErrConflict) {
		t.Errorf("second StartProcessing err = %v, want ErrConflict", err)
	}

	passages := []search.Passage{
		{Seq: 0, Content: "budget review", Embedding: []float32{1, 0, 0, 0}},
		{Seq: 1, Content: "hiring plan", Embedding: []float32{0, 1, 0, 0}},
	}
	if err := index.Replace(ctx, owner.ID, j.ID, passages); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	hits, err := index.Search(ctx, owner.ID, []float32{0, 1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 || hits[0].Content != "hiring plan" {
		t.Errorf("hits = %+v", hits)
	}
	if hits, _ := index.Search(ctx, owner.ID+1, []float32{0, 1, 0, 0}, 5); len(hits) != 0 {
		t.Errorf("other owner sees %d hits", len(hits))
	}

	// Deleting the owner cascades to jobs and passages.
	if err := store.DeleteOwner(ctx, owner.ID); err != nil {
		t.Fatalf("DeleteOwner: %v", err)
	}
	if _, err := store.Get(ctx, owner.ID, j.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Get after DeleteOwner err = %v", err)
	}
	var n int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM transcript_passages").Scan(&n); err != nil {
		t.Fatalf("count passages: %v", err)
	}
	if n != 0 {
		t.Errorf("%d passages survived owner deletion", n)
	}
}
