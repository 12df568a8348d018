// Package ollama provides an LLM provider backed by a local Ollama server.
//
// It talks to Ollama's native /api/generate endpoint with streaming disabled,
// so each call is a single request/response pair:
//
//	POST {base}/api/generate  {"model": "...", "prompt": "...", "stream": false}
//	200 OK                    {"model": "...", "response": "...", "done": true, ...}
//
// Example usage:
//
//	p, err := ollama.New("", "llama2") // connects to http://localhost:11434
//	resp, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "Hello"})
//
// Only standard library packages are used; the wire format is two small JSON
// objects.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/pocwisper/pkg/provider/llm"
)

const (
	// DefaultBaseURL is the default base URL for a locally running Ollama instance.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is used when no model name is configured.
	DefaultModel = "llama2"
)

// Ensure Provider implements the llm.Provider interface at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using a local Ollama server. It is safe for
// concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default); callers usually
// bound the call through the context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Ollama Provider.
//
// baseURL is the base URL of the Ollama server. If empty, DefaultBaseURL is
// used. A trailing slash is stripped automatically. If model is empty,
// DefaultModel is used.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}, nil
}

// generateRequest is the JSON request body sent to /api/generate.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options *generateOption `json:"options,omitempty"`
}

type generateOption struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// generateResponse is the subset of the /api/generate reply that is used.
type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Complete implements llm.Provider. The request honours ctx cancellation.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if req.Prompt == "" {
		return nil, errors.New("ollama: prompt must not be empty")
	}

	body := generateRequest{
		Model:  p.model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: false,
	}
	if req.Temperature != 0 || req.MaxTokens > 0 {
		body.Options = &generateOption{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("ollama: server error: %s", result.Error)
	}

	return &llm.CompletionResponse{
		Content: result.Response,
		Model:   result.Model,
		Usage: llm.Usage{
			PromptTokens:     result.PromptEvalCount,
			CompletionTokens: result.EvalCount,
			TotalTokens:      result.PromptEvalCount + result.EvalCount,
		},
	}, nil
}
