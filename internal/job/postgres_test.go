package job

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// rowOf returns a row that scans vals into the destinations in order.
func rowOf(vals ...any) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error { return assign(dest, vals) }}
}

func errRow(err error) *mockRow {
	return &mockRow{scanFunc: func(...any) error { return err }}
}

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return r.data[r.idx-1], nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return assign(dest, r.data[r.idx-1]) }

// assign copies vals into the pointer destinations, mimicking pgx scanning.
func assign(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(vals), len(dest))
	}
	for i, v := range vals {
		d := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			d.SetZero()
			continue
		}
		d.Set(reflect.ValueOf(v))
	}
	return nil
}

// mockDB implements DB for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return errRow(pgx.ErrNoRows)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

var testTime = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func jobRow(id int64, status Status, transcript *string) []any {
	return []any{
		id, int64(7), "Weekly Sync", testTime, (*string)(nil), "/audio/7/x.wav", string(status),
		transcript, (*string)(nil), (*string)(nil), testTime,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var got string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		got = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS users", "ON DELETE CASCADE", "document_path"} {
		if !strings.Contains(got, want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestPostgresStore_CreateOwner(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			if !strings.HasPrefix(sql, "INSERT INTO users") || args[0] != "alice" {
				t.Errorf("unexpected query %q %v", sql, args)
			}
			return rowOf(int64(3), testTime)
		}}
		o := &Owner{Username: "alice", Email: "a@example.com", HashedPassword: "h"}
		if err := NewPostgresStore(db).CreateOwner(context.Background(), o); err != nil {
			t.Fatal(err)
		}
		if o.ID != 3 || !o.CreatedAt.Equal(testTime) {
			t.Errorf("owner = %+v", o)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return errRow(&pgconn.PgError{Code: "23505"})
		}}
		err := NewPostgresStore(db).CreateOwner(context.Background(), &Owner{Username: "alice"})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("err = %v, want ErrDuplicate", err)
		}
	})
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{})
	if _, err := s.Get(context.Background(), 7, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: err = %v, want ErrNotFound", err)
	}
	if _, err := s.OwnerByUsername(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("OwnerByUsername: err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_GetScansNullableColumns(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != int64(1) || args[1] != int64(7) {
			t.Errorf("args = %v, want [1 7]", args)
		}
		return rowOf(jobRow(1, StatusCompleted, Ptr("hello"))...)
	}}
	j, err := NewPostgresStore(db).Get(context.Background(), 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusCompleted || j.TranscriptionText == nil || *j.TranscriptionText != "hello" {
		t.Errorf("job = %+v", j)
	}
	if j.ProcessedText != nil || j.InitialPrompt != nil {
		t.Error("NULL columns should scan to nil")
	}
}

func TestPostgresStore_GetNormalisesTimesToUTC(t *testing.T) {
	t.Parallel()

	west := time.FixedZone("EST", -5*60*60)
	meeting := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	row := jobRow(1, StatusPending, nil)
	row[3] = meeting.In(west)
	row[10] = testTime.In(west)

	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row { return rowOf(row...) }}
	j, err := NewPostgresStore(db).Get(context.Background(), 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if j.Date.Location() != time.UTC || !j.Date.Equal(meeting) {
		t.Errorf("Date = %v, want %v", j.Date, meeting)
	}
	if got := j.Date.Format("02/01/2006"); got != "01/03/2024" {
		t.Errorf("meeting day = %s, want 01/03/2024", got)
	}
	if j.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt location = %v, want UTC", j.CreatedAt.Location())
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	rows := &mockRows{data: [][]any{jobRow(2, StatusPending, nil), jobRow(1, StatusFailed, nil)}}
	db := &mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "ORDER BY created_at DESC") {
			t.Errorf("list query not ordered newest first: %q", sql)
		}
		return rows, nil
	}}
	jobs, err := NewPostgresStore(db).List(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != 2 || jobs[1].Status != StatusFailed {
		t.Errorf("jobs = %+v", jobs)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

func TestPostgresStore_StartProcessing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		update     *mockRow
		lookup     *mockRow
		wantErr    error
		wantStatus Status
	}{
		{
			name:       "wins the row",
			update:     rowOf(jobRow(1, StatusProcessing, nil)...),
			wantStatus: StatusProcessing,
		},
		{
			name:    "already processing",
			update:  errRow(pgx.ErrNoRows),
			lookup:  rowOf(string(StatusProcessing)),
			wantErr: ErrConflict,
		},
		{
			name:    "missing or foreign",
			update:  errRow(pgx.ErrNoRows),
			lookup:  errRow(pgx.ErrNoRows),
			wantErr: ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
				if strings.HasPrefix(sql, "UPDATE") {
					if !strings.Contains(sql, "status <> 'processing'") {
						t.Errorf("update is not conditional: %q", sql)
					}
					return tt.update
				}
				return tt.lookup
			}}
			j, err := NewPostgresStore(db).StartProcessing(context.Background(), 7, 1)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && j.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", j.Status, tt.wantStatus)
			}
		})
	}
}

func TestPostgresStore_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	var affected int64 = 1
	var args []any
	db := &mockDB{execFunc: func(_ context.Context, _ string, a ...any) (pgconn.CommandTag, error) {
		args = a
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", affected)), nil
	}}
	s := NewPostgresStore(db)

	j := &Job{ID: 1, OwnerID: 7, Status: StatusFailed, TranscriptionText: Ptr("raw")}
	if err := s.Update(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	if args[2] != "failed" || args[3] != j.TranscriptionText {
		t.Errorf("update args = %v", args)
	}

	affected = 0
	if err := s.Update(context.Background(), j); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update on missing row: err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(context.Background(), 7, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete on missing row: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteOwner(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteOwner on missing row: err = %v, want ErrNotFound", err)
	}
}
