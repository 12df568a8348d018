package refine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pocwisper/internal/observe"
	"github.com/MrWong99/pocwisper/pkg/provider/llm"
	llmmock "github.com/MrWong99/pocwisper/pkg/provider/llm/mock"
)

func TestRefine_ReturnsModelText(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  Alice: Hello.\n\nBob: Hi.  "}}
	r := New(p, WithTemperature(0.2))

	got := r.Refine(context.Background(), "alice hello bob hi", "ACME standup")
	if got != "Alice: Hello.\n\nBob: Hi." {
		t.Errorf("Refine = %q", got)
	}
	if p.CallCount() != 1 {
		t.Fatalf("Complete called %d times, want 1", p.CallCount())
	}
	req := p.CompleteCalls[0].Req
	if req.SystemPrompt != "" {
		t.Error("everything should travel in the single prompt")
	}
	if req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	for _, want := range []string{DefaultInstructions, "ACME standup", "alice hello bob hi"} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRefine_FailuresYieldEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    *llmmock.Provider
	}{
		{name: "error", p: &llmmock.Provider{CompleteErr: errors.New("connection refused")}},
		{name: "nil response", p: &llmmock.Provider{}},
		{name: "blank content", p: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " \n "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := New(tt.p).Refine(context.Background(), "raw", ""); got != "" {
				t.Errorf("Refine = %q, want empty", got)
			}
		})
	}
}

// Not parallel: swaps the default logger.
func TestRefine_FailureLogCarriesJob(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx := observe.WithJob(context.Background(), 7, 42)
	p := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	if got := New(p).Refine(ctx, "raw", ""); got != "" {
		t.Fatalf("Refine = %q, want empty", got)
	}

	out := buf.String()
	for _, want := range []string{"refine: llm request failed", "job_id=42", "owner_id=7"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestRefine_Timeout(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	start := time.Now()
	if got := New(p, WithTimeout(20*time.Millisecond)).Refine(context.Background(), "raw", ""); got != "" {
		t.Errorf("Refine = %q, want empty on timeout", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout was not applied")
	}
}

func TestRefine_EmptyTranscriptSkipsModel(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "x"}}
	if got := New(p).Refine(context.Background(), "   ", "hint"); got != "" {
		t.Errorf("Refine = %q", got)
	}
	if p.CallCount() != 0 {
		t.Error("model should not be called for an empty transcript")
	}
}

func TestRefine_GlossaryAlignmentOnlyTouchesPrompt(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	raw := "we moved the service to kubernetis last week"
	New(p, WithGlossaryAlignment(true)).Refine(context.Background(), raw, "Kubernetes, SLO=service level objective")

	prompt := p.CompleteCalls[0].Req.Prompt
	if !strings.Contains(prompt, "to Kubernetes last week") {
		t.Errorf("prompt was not aligned: %q", prompt)
	}
	if raw != "we moved the service to kubernetis last week" {
		t.Error("raw transcript mutated")
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	got := BuildPrompt("INSTR", "TEXT", "HINT")
	want := "INSTR\n\nContext and acronyms: HINT\n\nTranscript to improve:\nTEXT\n\nPlease produce an improved version of this transcript."
	if got != want {
		t.Errorf("BuildPrompt =\n%q\nwant\n%q", got, want)
	}
}

func TestParseGlossary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		hint string
		want []string
	}{
		{hint: "", want: nil},
		{hint: "API=Application Programming Interface, Kubernetes", want: []string{"API", "Kubernetes"}},
		{hint: "SLO (service level objective);\nJane  Doe: PM\nok", want: []string{"SLO", "Jane Doe"}},
		{hint: "Acme, acme, ACME", want: []string{"Acme"}},
	}
	for _, tt := range tests {
		if got := ParseGlossary(tt.hint); !slices.Equal(got, tt.want) {
			t.Errorf("ParseGlossary(%q) = %q, want %q", tt.hint, got, tt.want)
		}
	}
}

func TestAligner_Align(t *testing.T) {
	t.Parallel()
	a := NewAligner([]string{"Kubernetes", "Jane Doe", "API"})
	tests := []struct {
		name    string
		in      string
		want    string
		changes int
	}{
		{name: "phonetic miss", in: "deployed on kubernetis, then", want: "deployed on Kubernetes, then", changes: 1},
		{name: "case only", in: "the api works.", want: "the API works.", changes: 1},
		{name: "multi word", in: "ask jane doe today", want: "ask Jane Doe today", changes: 1},
		{name: "unrelated words", in: "nothing to see here", want: "nothing to see here"},
		{name: "canonical already", in: "Kubernetes rocks", want: "Kubernetes rocks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, corrections := a.Align(tt.in)
			if got != tt.want {
				t.Errorf("Align(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(corrections) != tt.changes {
				t.Errorf("corrections = %+v, want %d", corrections, tt.changes)
			}
		})
	}

	var nilAligner *Aligner
	if got, _ := nilAligner.Align("as is"); got != "as is" {
		t.Errorf("nil aligner changed text: %q", got)
	}
}
