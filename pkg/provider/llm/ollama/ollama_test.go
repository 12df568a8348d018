package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/pocwisper/pkg/provider/llm"
	"github.com/MrWong99/pocwisper/pkg/provider/llm/ollama"
)

// mockGenerateServer starts a test HTTP server that handles /api/generate and
// asserts the non-streaming payload shape.
func mockGenerateServer(t *testing.T, wantModel, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req["model"] != wantModel {
			t.Errorf("model: got %v, want %q", req["model"], wantModel)
		}
		if stream, ok := req["stream"].(bool); !ok || stream {
			t.Errorf("stream: got %v, want false", req["stream"])
		}
		if req["prompt"] == "" {
			t.Error("prompt is empty")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             wantModel,
			"response":          reply,
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	p, err := ollama.New("", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()
	srv := mockGenerateServer(t, "llama2", "Refined meeting notes.")
	defer srv.Close()

	p, err := ollama.New(srv.URL+"/", "")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "raw text"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Refined meeting notes." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestComplete_Non200(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "missing")
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestComplete_ContextTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p, _ := ollama.New(srv.URL, "llama2")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error when context deadline is exceeded")
	}
}

func TestComplete_EmptyPrompt(t *testing.T) {
	t.Parallel()
	p, _ := ollama.New("", "")
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}
