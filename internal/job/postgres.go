package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the users and transcriptions tables. Execute it
// via [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id              BIGSERIAL PRIMARY KEY,
    username        TEXT NOT NULL UNIQUE,
    email           TEXT NOT NULL UNIQUE,
    hashed_password TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS transcriptions (
    id                 BIGSERIAL PRIMARY KEY,
    user_id            BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    title              TEXT NOT NULL,
    date               TIMESTAMPTZ NOT NULL,
    initial_prompt     TEXT,
    audio_file_path    TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    transcription_text TEXT,
    processed_text     TEXT,
    document_path      TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_user ON transcriptions(user_id, created_at DESC);
`

const jobColumns = `id, user_id, title, date, initial_prompt, audio_file_path, status,
	transcription_text, processed_text, document_path, created_at`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("job: migrate: %w", err)
	}
	return nil
}

// CreateOwner implements [Store.CreateOwner].
func (s *PostgresStore) CreateOwner(ctx context.Context, o *Owner) error {
	const q = `INSERT INTO users (username, email, hashed_password)
		VALUES ($1, $2, $3) RETURNING id, created_at`
	err := s.db.QueryRow(ctx, q, o.Username, o.Email, o.HashedPassword).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("job: create owner: %w", err)
	}
	return nil
}

// Owner implements [Store.Owner].
func (s *PostgresStore) Owner(ctx context.Context, id int64) (*Owner, error) {
	const q = `SELECT id, username, email, hashed_password, created_at FROM users WHERE id = $1`
	return s.queryOwner(ctx, q, id)
}

// OwnerByUsername implements [Store.OwnerByUsername].
func (s *PostgresStore) OwnerByUsername(ctx context.Context, username string) (*Owner, error) {
	const q = `SELECT id, username, email, hashed_password, created_at FROM users WHERE username = $1`
	return s.queryOwner(ctx, q, username)
}

func (s *PostgresStore) queryOwner(ctx context.Context, q string, arg any) (*Owner, error) {
	var o Owner
	err := s.db.QueryRow(ctx, q, arg).Scan(&o.ID, &o.Username, &o.Email, &o.HashedPassword, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("job: get owner: %w", err)
	}
	return &o, nil
}

// DeleteOwner implements [Store.DeleteOwner]. Jobs go with it through the
// ON DELETE CASCADE foreign key.
func (s *PostgresStore) DeleteOwner(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("job: delete owner %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Create implements [Store.Create].
func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = StatusPending
	}
	const q = `INSERT INTO transcriptions (user_id, title, date, initial_prompt, audio_file_path, status)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	err := s.db.QueryRow(ctx, q,
		j.OwnerID, j.Title, j.Date, j.InitialPrompt, j.AudioFilePath, string(j.Status),
	).Scan(&j.ID, &j.CreatedAt)
	if err != nil {
		return fmt.Errorf("job: create: %w", err)
	}
	return nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, ownerID, id int64) (*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM transcriptions WHERE id = $1 AND user_id = $2`
	j, err := scanJob(s.db.QueryRow(ctx, q, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("job: get %d: %w", id, err)
	}
	return j, nil
}

// List implements [Store.List].
func (s *PostgresStore) List(ctx context.Context, ownerID int64) ([]*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM transcriptions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := s.db.Query(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	defer rows.Close()

	result := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job: list scan: %w", err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: list rows: %w", err)
	}
	return result, nil
}

// StartProcessing implements [Store.StartProcessing]. The status check and
// the write are one statement, so concurrent callers serialise on the row
// lock and only the first sees a matching row.
func (s *PostgresStore) StartProcessing(ctx context.Context, ownerID, id int64) (*Job, error) {
	q := `UPDATE transcriptions SET status = 'processing'
		WHERE id = $1 AND user_id = $2 AND status <> 'processing'
		RETURNING ` + jobColumns
	j, err := scanJob(s.db.QueryRow(ctx, q, id, ownerID))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job: start processing %d: %w", id, err)
	}

	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM transcriptions WHERE id = $1 AND user_id = $2`, id, ownerID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("job: start processing %d: %w", id, err)
	default:
		return nil, ErrConflict
	}
}

// Update implements [Store.Update].
func (s *PostgresStore) Update(ctx context.Context, j *Job) error {
	const q = `UPDATE transcriptions
		SET status = $3, transcription_text = $4, processed_text = $5, document_path = $6
		WHERE id = $1 AND user_id = $2`
	tag, err := s.db.Exec(ctx, q, j.ID, j.OwnerID, string(j.Status), j.TranscriptionText, j.ProcessedText, j.DocumentPath)
	if err != nil {
		return fmt.Errorf("job: update %d: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete implements [Store.Delete].
func (s *PostgresStore) Delete(ctx context.Context, ownerID, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM transcriptions WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("job: delete %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j      Job
		status string
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Title, &j.Date, &j.InitialPrompt, &j.AudioFilePath, &status,
		&j.TranscriptionText, &j.ProcessedText, &j.DocumentPath, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	// pgx decodes timestamptz into time.Local.
	j.Date = j.Date.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique-violation error.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
