// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/pocwisper/pkg/audio"
	"github.com/MrWong99/pocwisper/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// ModelHolder loads a whisper.cpp model on first use and keeps it for the
// life of the process. Concurrent first callers block until the single load
// finishes; afterwards [ModelHolder.Get] costs one atomic load. A failed load
// is not remembered, so the next caller tries again.
type ModelHolder struct {
	path string
	load func(path string) (whisperlib.Model, error)

	ready atomic.Bool
	mu    sync.Mutex
	model whisperlib.Model
	loads atomic.Int32
}

// NewModelHolder returns a holder for the model file at path. Nothing is
// read from disk until [ModelHolder.Get] is first called.
func NewModelHolder(path string) *ModelHolder {
	return &ModelHolder{path: path, load: whisperlib.New}
}

// Get returns the loaded model, loading it if this is the first call.
func (h *ModelHolder) Get() (whisperlib.Model, error) {
	if h.ready.Load() {
		return h.model, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ready.Load() {
		return h.model, nil
	}

	slog.Info("whisper: loading model", "path", h.path)
	h.loads.Add(1)
	m, err := h.load(h.path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", h.path, err)
	}
	h.model = m
	h.ready.Store(true)
	return m, nil
}

// Loaded reports whether the model is resident.
func (h *ModelHolder) Loaded() bool { return h.ready.Load() }

// Loads returns how many load attempts have been made.
func (h *ModelHolder) Loads() int { return int(h.loads.Load()) }

// Close releases the model if it was loaded. Only call at shutdown.
func (h *ModelHolder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready.Load() {
		return nil
	}
	h.ready.Store(false)
	m := h.model
	h.model = nil
	return m.Close()
}

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. Input files must be 16-bit PCM
// WAV; they are down-mixed and resampled to 16 kHz mono before inference.
type NativeProvider struct {
	holder   *ModelHolder
	language string
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription
// (e.g., "en", "de", "fr", or "auto"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithModelHolder injects a pre-built holder, letting several providers share
// one resident model.
func WithModelHolder(h *ModelHolder) NativeOption {
	return func(p *NativeProvider) { p.holder = h }
}

// NewNative creates a NativeProvider for the model file at modelPath. The
// model is not loaded until the first transcription; call [NativeProvider.Warm]
// to load it eagerly.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	p := &NativeProvider{language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	if p.holder == nil {
		p.holder = NewModelHolder(modelPath)
	}
	return p, nil
}

// Warm loads the model now instead of on the first request.
func (p *NativeProvider) Warm() error {
	_, err := p.holder.Get()
	return err
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	return p.holder.Close()
}

// Transcribe decodes the WAV file at audioPath and runs whisper.cpp inference
// on it using a fresh context. The call is not interruptible once inference
// has started.
func (p *NativeProvider) Transcribe(ctx context.Context, audioPath string) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	clip, err := audio.ReadWAVFile(audioPath)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	samples := audio.MonoFloat32(clip, whisperSampleRate)

	model, err := p.holder.Get()
	if err != nil {
		return stt.Transcript{}, err
	}

	// Contexts are not thread-safe, but the model can be shared across goroutines.
	wctx, err := model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	tr := stt.Transcript{Language: p.language, Duration: clip.Duration()}
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		tr.Segments = append(tr.Segments, stt.Segment{Text: text, Start: segment.Start, End: segment.End})
	}
	tr.Text = strings.Join(parts, " ")
	return tr, nil
}
