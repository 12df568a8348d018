package job

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is used
// when no database is configured and in tests. Records are copied on the way
// in and out so callers never share memory with the store.
type MemStore struct {
	mu      sync.RWMutex
	owners  map[int64]Owner
	jobs    map[int64]Job
	ownerID int64
	jobID   int64
	now     func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		owners: make(map[int64]Owner),
		jobs:   make(map[int64]Job),
		now:    time.Now,
	}
}

// CreateOwner implements [Store.CreateOwner].
func (s *MemStore) CreateOwner(_ context.Context, o *Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.owners {
		if existing.Username == o.Username || existing.Email == o.Email {
			return ErrDuplicate
		}
	}
	s.ownerID++
	o.ID = s.ownerID
	o.CreatedAt = s.now().UTC()
	s.owners[o.ID] = *o
	return nil
}

// Owner implements [Store.Owner].
func (s *MemStore) Owner(_ context.Context, id int64) (*Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

// OwnerByUsername implements [Store.OwnerByUsername].
func (s *MemStore) OwnerByUsername(_ context.Context, username string) (*Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.owners {
		if o.Username == username {
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteOwner implements [Store.DeleteOwner].
func (s *MemStore) DeleteOwner(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[id]; !ok {
		return ErrNotFound
	}
	delete(s.owners, id)
	for jid, j := range s.jobs {
		if j.OwnerID == id {
			delete(s.jobs, jid)
		}
	}
	return nil
}

// Create implements [Store.Create].
func (s *MemStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[j.OwnerID]; !ok {
		return ErrNotFound
	}
	s.jobID++
	j.ID = s.jobID
	j.CreatedAt = s.now().UTC()
	if j.Status == "" {
		j.Status = StatusPending
	}
	s.jobs[j.ID] = cloneJob(*j)
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, ownerID, id int64) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	out := cloneJob(j)
	return &out, nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context, ownerID int64) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		c := cloneJob(j)
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return result, nil
}

// StartProcessing implements [Store.StartProcessing].
func (s *MemStore) StartProcessing(_ context.Context, ownerID, id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if j.Status == StatusProcessing {
		return nil, ErrConflict
	}
	j.Status = StatusProcessing
	s.jobs[id] = j
	out := cloneJob(j)
	return &out, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[j.ID]
	if !ok || cur.OwnerID != j.OwnerID {
		return ErrNotFound
	}
	cur.Status = j.Status
	cur.TranscriptionText = clonePtr(j.TranscriptionText)
	cur.ProcessedText = clonePtr(j.ProcessedText)
	cur.DocumentPath = clonePtr(j.DocumentPath)
	s.jobs[j.ID] = cur
	return nil
}

// Delete implements [Store.Delete].
func (s *MemStore) Delete(_ context.Context, ownerID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func cloneJob(j Job) Job {
	j.InitialPrompt = clonePtr(j.InitialPrompt)
	j.TranscriptionText = clonePtr(j.TranscriptionText)
	j.ProcessedText = clonePtr(j.ProcessedText)
	j.DocumentPath = clonePtr(j.DocumentPath)
	return j
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
