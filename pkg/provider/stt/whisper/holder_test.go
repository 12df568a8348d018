package whisper

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// fakeModel satisfies whisperlib.Model; only Close is ever called.
type fakeModel struct {
	whisperlib.Model
	closed atomic.Bool
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func TestModelHolder_LoadsOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	model := &fakeModel{}
	h := &ModelHolder{path: "m.bin", load: func(string) (whisperlib.Model, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return model, nil
	}}

	if h.Loaded() {
		t.Fatal("holder should not load before first Get")
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := h.Get()
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			if m != whisperlib.Model(model) {
				t.Error("Get returned a different model instance")
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("load called %d times, want 1", got)
	}
	if h.Loads() != 1 {
		t.Errorf("Loads() = %d, want 1", h.Loads())
	}
}

func TestModelHolder_RetriesAfterFailure(t *testing.T) {
	t.Parallel()

	fail := true
	h := &ModelHolder{path: "m.bin", load: func(string) (whisperlib.Model, error) {
		if fail {
			return nil, errors.New("disk on fire")
		}
		return &fakeModel{}, nil
	}}

	if _, err := h.Get(); err == nil {
		t.Fatal("expected error from failed load")
	}
	if h.Loaded() {
		t.Fatal("failed load must not mark holder as loaded")
	}

	fail = false
	if _, err := h.Get(); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if h.Loads() != 2 {
		t.Errorf("Loads() = %d, want 2", h.Loads())
	}
}

func TestModelHolder_Close(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	h := &ModelHolder{path: "m.bin", load: func(string) (whisperlib.Model, error) { return model, nil }}

	if err := h.Close(); err != nil {
		t.Fatalf("Close before load: %v", err)
	}
	if _, err := h.Get(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !model.closed.Load() {
		t.Error("model was not closed")
	}
	if h.Loaded() {
		t.Error("holder still reports loaded after Close")
	}
}

func TestNativeProvider_SharesInjectedHolder(t *testing.T) {
	t.Parallel()

	h := &ModelHolder{path: "m.bin", load: func(string) (whisperlib.Model, error) { return &fakeModel{}, nil }}
	a, err := NewNative("m.bin", WithModelHolder(h))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewNative("m.bin", WithModelHolder(h))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Warm(); err != nil {
		t.Fatal(err)
	}
	if err := b.Warm(); err != nil {
		t.Fatal(err)
	}
	if h.Loads() != 1 {
		t.Errorf("Loads() = %d, want 1 for shared holder", h.Loads())
	}
}
