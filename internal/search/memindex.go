package search

import (
	"context"
	"math"
	"slices"
	"sync"
)

type memPassage struct {
	ownerID int64
	Passage
}

// MemIndex is an in-memory [Index] using brute-force cosine distance.
type MemIndex struct {
	mu   sync.RWMutex
	jobs map[int64][]memPassage
}

var _ Index = (*MemIndex)(nil)

// NewMemIndex returns an empty index.
func NewMemIndex() *MemIndex {
	return &MemIndex{jobs: make(map[int64][]memPassage)}
}

// Replace implements [Index].
func (m *MemIndex) Replace(_ context.Context, ownerID, jobID int64, passages []Passage) error {
	ps := make([]memPassage, len(passages))
	for i, p := range passages {
		p.Embedding = slices.Clone(p.Embedding)
		ps[i] = memPassage{ownerID: ownerID, Passage: p}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ps) == 0 {
		delete(m.jobs, jobID)
		return nil
	}
	m.jobs[jobID] = ps
	return nil
}

// Search implements [Index].
func (m *MemIndex) Search(_ context.Context, ownerID int64, embedding []float32, limit int) ([]Hit, error) {
	m.mu.RLock()
	var hits []Hit
	for jobID, ps := range m.jobs {
		for _, p := range ps {
			if p.ownerID != ownerID {
				continue
			}
			hits = append(hits, Hit{
				JobID:    jobID,
				Seq:      p.Seq,
				Content:  p.Content,
				Distance: cosineDistance(embedding, p.Embedding),
			})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(hits, func(a, b Hit) int {
		if a.Distance != b.Distance {
			if a.Distance < b.Distance {
				return -1
			}
			return 1
		}
		if a.JobID != b.JobID {
			if a.JobID < b.JobID {
				return -1
			}
			return 1
		}
		return a.Seq - b.Seq
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Delete implements [Index].
func (m *MemIndex) Delete(_ context.Context, ownerID, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.jobs[jobID]; ok && len(ps) > 0 && ps[0].ownerID == ownerID {
		delete(m.jobs, jobID)
	}
	return nil
}

// cosineDistance matches pgvector's <=> operator: 1 - cosine similarity.
// Mismatched or zero vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
