package search

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// DB is the database interface used by [PostgresIndex]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it. The pool must have pgvector types registered.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema returns the DDL for the passage table with the given embedding
// dimensionality. It depends on the transcriptions table of the job store.
func Schema(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS transcript_passages (
    job_id    BIGINT NOT NULL REFERENCES transcriptions(id) ON DELETE CASCADE,
    user_id   BIGINT NOT NULL,
    seq       INT NOT NULL,
    content   TEXT NOT NULL,
    embedding vector(%d) NOT NULL,
    PRIMARY KEY (job_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_passages_user ON transcript_passages(user_id);
CREATE INDEX IF NOT EXISTS idx_passages_embedding ON transcript_passages USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// PostgresIndex is an [Index] stored in a pgvector table.
type PostgresIndex struct {
	db         DB
	dimensions int
}

var _ Index = (*PostgresIndex)(nil)

// NewPostgresIndex returns an index for vectors of the given dimensionality.
func NewPostgresIndex(db DB, dimensions int) *PostgresIndex {
	return &PostgresIndex{db: db, dimensions: dimensions}
}

// Migrate applies [Schema].
func (x *PostgresIndex) Migrate(ctx context.Context) error {
	if x.dimensions <= 0 {
		return fmt.Errorf("search: migrate: invalid embedding dimensions %d", x.dimensions)
	}
	if _, err := x.db.Exec(ctx, Schema(x.dimensions)); err != nil {
		return fmt.Errorf("search: migrate: %w", err)
	}
	return nil
}

// Replace implements [Index]. Callers hold the job's processing guard, so no
// two replacements of the same job run at once.
func (x *PostgresIndex) Replace(ctx context.Context, ownerID, jobID int64, passages []Passage) error {
	if err := x.Delete(ctx, ownerID, jobID); err != nil {
		return err
	}
	const q = `INSERT INTO transcript_passages (job_id, user_id, seq, content, embedding)
		VALUES ($1, $2, $3, $4, $5)`
	for _, p := range passages {
		if len(p.Embedding) != x.dimensions {
			return fmt.Errorf("search: passage %d has %d dimensions, want %d", p.Seq, len(p.Embedding), x.dimensions)
		}
		if _, err := x.db.Exec(ctx, q, jobID, ownerID, p.Seq, p.Content, pgvector.NewVector(p.Embedding)); err != nil {
			return fmt.Errorf("search: insert passage %d of job %d: %w", p.Seq, jobID, err)
		}
	}
	return nil
}

// Search implements [Index].
func (x *PostgresIndex) Search(ctx context.Context, ownerID int64, embedding []float32, limit int) ([]Hit, error) {
	const q = `SELECT job_id, seq, content, embedding <=> $1 AS distance
		FROM transcript_passages
		WHERE user_id = $2
		ORDER BY distance
		LIMIT $3`
	rows, err := x.db.Query(ctx, q, pgvector.NewVector(embedding), ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		err := row.Scan(&h.JobID, &h.Seq, &h.Content, &h.Distance)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("search: scan: %w", err)
	}
	return hits, nil
}

// Delete implements [Index].
func (x *PostgresIndex) Delete(ctx context.Context, ownerID, jobID int64) error {
	const q = `DELETE FROM transcript_passages WHERE job_id = $1 AND user_id = $2`
	if _, err := x.db.Exec(ctx, q, jobID, ownerID); err != nil {
		return fmt.Errorf("search: delete job %d: %w", jobID, err)
	}
	return nil
}
