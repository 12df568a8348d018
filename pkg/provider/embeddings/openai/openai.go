// Package openai embeds transcript passages and search queries with the
// OpenAI embeddings endpoint or any server that speaks the same API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/pocwisper/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// DefaultMaxBatch caps the passages sent in one request. A long meeting is
// embedded with several requests.
const DefaultMaxBatch = 256

var _ embeddings.Provider = (*Provider)(nil)

// Provider embeds text through the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	dims     int
	maxBatch int
}

type settings struct {
	baseURL  string
	timeout  time.Duration
	dims     int
	maxBatch int
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithDimensions asks the model for vectors of n components so they fit an
// existing passage column. Only the text-embedding-3 models honour it.
func WithDimensions(n int) Option {
	return func(s *settings) { s.dims = n }
}

// WithMaxBatch overrides [DefaultMaxBatch].
func WithMaxBatch(n int) Option {
	return func(s *settings) { s.maxBatch = n }
}

// New returns a Provider. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	s := settings{maxBatch: DefaultMaxBatch}
	for _, o := range opts {
		o(&s)
	}
	if s.dims < 0 {
		return nil, fmt.Errorf("openai embeddings: dimensions must be positive, got %d", s.dims)
	}
	if s.maxBatch <= 0 {
		s.maxBatch = DefaultMaxBatch
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(s.timeout))
	}
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		dims:     s.dims,
		maxBatch: s.maxBatch,
	}, nil
}

// Embed returns the vector of a single search query.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per passage, in input order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.maxBatch {
		end := min(start+p.maxBatch, len(texts))
		vecs, err := p.request(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("passages %d-%d: %w", start, end-1, err)
		}
		out = append(out, vecs...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (p *Provider) request(ctx context.Context, texts []string) ([][]float32, error) {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if p.dims > 0 {
		params.Dimensions = oai.Int(int64(p.dims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d passages", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, e := range resp.Data {
		i := int(e.Index)
		if i < 0 || i >= len(texts) || vecs[i] != nil {
			return nil, fmt.Errorf("openai embeddings: bad vector index %d", e.Index)
		}
		v := make([]float32, len(e.Embedding))
		for k, f := range e.Embedding {
			v[k] = float32(f)
		}
		vecs[i] = v
	}
	return vecs, nil
}

// Dimensions is the vector size the passage index is created with.
func (p *Provider) Dimensions() int {
	if p.dims > 0 {
		return p.dims
	}
	if strings.Contains(strings.ToLower(p.model), "text-embedding-3-large") {
		return 3072
	}
	return 1536
}

// ModelID returns the configured model name.
func (p *Provider) ModelID() string { return p.model }
