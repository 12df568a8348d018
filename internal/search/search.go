// Package search indexes refined transcripts as embedded passages and answers
// natural-language queries over one owner's meetings.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/pocwisper/internal/document"
	"github.com/MrWong99/pocwisper/internal/job"
	"github.com/MrWong99/pocwisper/pkg/provider/embeddings"
)

// DefaultChunkSize is the target passage length in characters.
const DefaultChunkSize = 1200

// MaxLimit caps the number of hits a query may ask for.
const MaxLimit = 50

// Passage is one embedded slice of a transcript.
type Passage struct {
	Seq       int
	Content   string
	Embedding []float32
}

// Hit is a passage matched by a query.
type Hit struct {
	JobID    int64   `json:"job_id"`
	Seq      int     `json:"seq"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// Index stores passages per job and finds the nearest ones to a query vector.
// Every call is scoped to an owner.
type Index interface {
	// Replace swaps all passages of a job for the given ones.
	Replace(ctx context.Context, ownerID, jobID int64, passages []Passage) error

	// Search returns up to limit passages ordered by ascending cosine distance.
	Search(ctx context.Context, ownerID int64, embedding []float32, limit int) ([]Hit, error)

	// Delete drops all passages of a job.
	Delete(ctx context.Context, ownerID, jobID int64) error
}

// Service ties an embeddings provider to an [Index].
type Service struct {
	embedder  embeddings.Provider
	index     Index
	chunkSize int
}

// NewService returns a Service. A chunkSize of zero selects [DefaultChunkSize].
func NewService(embedder embeddings.Provider, index Index, chunkSize int) *Service {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Service{embedder: embedder, index: index, chunkSize: chunkSize}
}

// IndexJob embeds the job's processed text and replaces its passages.
func (s *Service) IndexJob(ctx context.Context, j *job.Job) error {
	text := ""
	if j.ProcessedText != nil {
		text = *j.ProcessedText
	}
	chunks := Chunk(text, s.chunkSize)
	if len(chunks) == 0 {
		return s.index.Delete(ctx, j.OwnerID, j.ID)
	}
	vecs, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("search: embed job %d: %w", j.ID, err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("search: embed job %d: got %d vectors for %d passages", j.ID, len(vecs), len(chunks))
	}
	passages := make([]Passage, len(chunks))
	for i := range chunks {
		passages[i] = Passage{Seq: i, Content: chunks[i], Embedding: vecs[i]}
	}
	return s.index.Replace(ctx, j.OwnerID, j.ID, passages)
}

// Query embeds q and returns the closest passages of the owner's jobs.
func (s *Service) Query(ctx context.Context, ownerID int64, q string, limit int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("%w: query must not be empty", job.ErrBadInput)
	}
	if limit <= 0 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", job.ErrBadInput, MaxLimit)
	}
	vec, err := s.embedder.Embed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	return s.index.Search(ctx, ownerID, vec, limit)
}

// Remove drops a job from the index.
func (s *Service) Remove(ctx context.Context, ownerID, jobID int64) error {
	return s.index.Delete(ctx, ownerID, jobID)
}

// Chunk packs the paragraphs of text into passages of at most size
// characters. A paragraph longer than size is split on word boundaries.
func Chunk(text string, size int) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	add := func(piece, sep string) {
		if cur.Len() > 0 && cur.Len()+len(sep)+len(piece) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(piece)
	}
	for _, para := range document.Paragraphs(text) {
		if len(para) <= size {
			add(para, "\n\n")
			continue
		}
		flush()
		for _, w := range strings.Fields(para) {
			add(w, " ")
		}
		flush()
	}
	flush()
	return out
}

