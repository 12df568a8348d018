// Package refine turns a raw speech-to-text transcript into a cleaned,
// paragraphed text with one LLM call.
//
// [Refiner.Refine] never fails: a transport, protocol or timeout error is
// logged and reported as an empty result so the caller can fall back to the
// raw transcript.
package refine

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/pocwisper/internal/observe"
	"github.com/MrWong99/pocwisper/pkg/provider/llm"
)

// DefaultTimeout bounds a single refinement request.
const DefaultTimeout = 300 * time.Second

// DefaultInstructions is the fixed preamble of every refinement prompt.
const DefaultInstructions = `You are an assistant that improves meeting transcripts.
Your task is to:
1. Fix transcription errors
2. Improve punctuation and structure
3. Organise the text into coherent paragraphs separated by blank lines
4. Identify the speakers where possible
5. Use the context and acronyms provided to improve accuracy`

// Option is a functional option for configuring a Refiner.
type Option func(*Refiner)

// WithTimeout sets the request timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Refiner) { r.timeout = d }
}

// WithInstructions replaces [DefaultInstructions].
func WithInstructions(s string) Option {
	return func(r *Refiner) {
		if strings.TrimSpace(s) != "" {
			r.instructions = s
		}
	}
}

// WithTemperature forwards a sampling temperature to the LLM.
func WithTemperature(t float64) Option {
	return func(r *Refiner) { r.temperature = t }
}

// WithGlossaryAlignment enables rewriting of phonetically close spellings of
// hint terms before the transcript is sent to the LLM.
func WithGlossaryAlignment(enabled bool) Option {
	return func(r *Refiner) { r.align = enabled }
}

// Refiner cleans transcripts with an [llm.Provider]. It is safe for
// concurrent use.
type Refiner struct {
	llm          llm.Provider
	timeout      time.Duration
	instructions string
	temperature  float64
	align        bool
}

// New returns a Refiner backed by p.
func New(p llm.Provider, opts ...Option) *Refiner {
	r := &Refiner{
		llm:          p,
		timeout:      DefaultTimeout,
		instructions: DefaultInstructions,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refine returns the cleaned transcript, or "" if the model could not be
// reached or answered with nothing. hint carries user-supplied context such
// as participant names and acronyms and may be empty.
func (r *Refiner) Refine(ctx context.Context, transcript, hint string) string {
	if strings.TrimSpace(transcript) == "" {
		return ""
	}

	log := observe.Logger(ctx)
	text := transcript
	if r.align {
		aligned, corrections := NewAligner(ParseGlossary(hint)).Align(transcript)
		if len(corrections) > 0 {
			log.Debug("refine: glossary alignment", "corrections", len(corrections))
			text = aligned
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		Prompt:      BuildPrompt(r.instructions, text, hint),
		Temperature: r.temperature,
	})
	if err != nil {
		log.Error("refine: llm request failed", "err", err, "elapsed", time.Since(start))
		return ""
	}
	if resp == nil {
		return ""
	}
	out := strings.TrimSpace(resp.Content)
	log.Debug("refine: done",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed", time.Since(start),
	)
	return out
}

// BuildPrompt assembles the single prompt sent to the model: the instructions,
// a blank line, then the hint and the transcript.
func BuildPrompt(instructions, transcript, hint string) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nContext and acronyms: ")
	b.WriteString(hint)
	b.WriteString("\n\nTranscript to improve:\n")
	b.WriteString(transcript)
	b.WriteString("\n\nPlease produce an improved version of this transcript.")
	return b.String()
}
