package job_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/pocwisper/internal/job"
)

func newOwner(t *testing.T, s job.Store, name string) *job.Owner {
	t.Helper()
	o := &job.Owner{Username: name, Email: name + "@example.com", HashedPassword: "x"}
	if err := s.CreateOwner(context.Background(), o); err != nil {
		t.Fatalf("CreateOwner(%s): %v", name, err)
	}
	return o
}

func newJob(t *testing.T, s job.Store, ownerID int64, title string) *job.Job {
	t.Helper()
	j := &job.Job{
		OwnerID:       ownerID,
		Title:         title,
		Date:          time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		AudioFilePath: "/tmp/" + title + ".wav",
	}
	if err := s.Create(context.Background(), j); err != nil {
		t.Fatalf("Create(%s): %v", title, err)
	}
	return j
}

func TestMemStore_OwnerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := job.NewMemStore()

	alice := newOwner(t, s, "alice")
	if alice.ID == 0 || alice.CreatedAt.IsZero() {
		t.Fatalf("owner not populated: %+v", alice)
	}

	dup := &job.Owner{Username: "alice", Email: "other@example.com"}
	if err := s.CreateOwner(ctx, dup); !errors.Is(err, job.ErrDuplicate) {
		t.Errorf("duplicate username: err = %v, want ErrDuplicate", err)
	}

	got, err := s.OwnerByUsername(ctx, "alice")
	if err != nil || got.ID != alice.ID {
		t.Fatalf("OwnerByUsername = %v, %v", got, err)
	}
	if _, err := s.Owner(ctx, 999); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Owner(999): err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_DeleteOwnerCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := job.NewMemStore()

	alice := newOwner(t, s, "alice")
	bob := newOwner(t, s, "bob")
	newJob(t, s, alice.ID, "a1")
	newJob(t, s, alice.ID, "a2")
	b1 := newJob(t, s, bob.ID, "b1")

	if err := s.DeleteOwner(ctx, alice.ID); err != nil {
		t.Fatalf("DeleteOwner: %v", err)
	}
	jobs, _ := s.List(ctx, alice.ID)
	if len(jobs) != 0 {
		t.Errorf("alice still has %d jobs", len(jobs))
	}
	if _, err := s.Get(ctx, bob.ID, b1.ID); err != nil {
		t.Errorf("bob's job was removed: %v", err)
	}
	if err := s.DeleteOwner(ctx, alice.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_ScopedToOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := job.NewMemStore()

	alice := newOwner(t, s, "alice")
	bob := newOwner(t, s, "bob")
	j := newJob(t, s, alice.ID, "secret")

	if j.Status != job.StatusPending {
		t.Errorf("new job status = %q, want pending", j.Status)
	}
	if _, err := s.Get(ctx, bob.ID, j.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Get by other owner: err = %v, want ErrNotFound", err)
	}
	if _, err := s.StartProcessing(ctx, bob.ID, j.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("StartProcessing by other owner: err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, bob.ID, j.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Delete by other owner: err = %v, want ErrNotFound", err)
	}
	if err := s.Create(ctx, &job.Job{OwnerID: 42, Title: "x"}); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Create for unknown owner: err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := job.NewMemStore()

	o := newOwner(t, s, "alice")
	first := newJob(t, s, o.ID, "first")
	second := newJob(t, s, o.ID, "second")

	jobs, err := s.List(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != second.ID || jobs[1].ID != first.ID {
		t.Errorf("order = [%d %d], want [%d %d]", jobs[0].ID, jobs[1].ID, second.ID, first.ID)
	}
}

func TestMemStore_StartProcessing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		status  job.Status
		wantErr error
	}{
		{name: "pending", status: job.StatusPending},
		{name: "completed rerun", status: job.StatusCompleted},
		{name: "failed rerun", status: job.StatusFailed},
		{name: "already processing", status: job.StatusProcessing, wantErr: job.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := job.NewMemStore()
			o := newOwner(t, s, "alice")
			j := newJob(t, s, o.ID, "meeting")
			j.Status = tt.status
			if err := s.Update(ctx, j); err != nil {
				t.Fatal(err)
			}

			got, err := s.StartProcessing(ctx, o.ID, j.ID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got.Status != job.StatusProcessing {
				t.Errorf("status = %q, want processing", got.Status)
			}
		})
	}
}

func TestMemStore_StartProcessingRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := job.NewMemStore()
	o := newOwner(t, s, "alice")
	j := newJob(t, s, o.ID, "meeting")

	var (
		wg        sync.WaitGroup
		won       atomic.Int32
		conflicts atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.StartProcessing(ctx, o.ID, j.ID)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, job.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 || conflicts.Load() != 31 {
		t.Errorf("won=%d conflicts=%d, want 1 and 31", won.Load(), conflicts.Load())
	}
}

func TestMemStore_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := job.NewMemStore()
	o := newOwner(t, s, "alice")
	j := newJob(t, s, o.ID, "meeting")

	j.Status = job.StatusCompleted
	j.TranscriptionText = job.Ptr("raw")
	j.ProcessedText = job.Ptr("clean")
	j.DocumentPath = job.Ptr("/docs/1_meeting.docx")
	if err := s.Update(ctx, j); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	*j.ProcessedText = "tampered"

	got, err := s.Get(ctx, o.ID, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCompleted || *got.ProcessedText != "clean" || *got.DocumentPath != "/docs/1_meeting.docx" {
		t.Errorf("stored job = %+v", got)
	}

	if err := s.Delete(ctx, o.ID, j.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, o.ID, j.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.Update(ctx, j); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Update after delete: err = %v, want ErrNotFound", err)
	}
}
