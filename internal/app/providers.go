package app

import (
	"context"

	"github.com/MrWong99/pocwisper/internal/observe"
	"github.com/MrWong99/pocwisper/pkg/provider/llm"
	"github.com/MrWong99/pocwisper/pkg/provider/stt"
)

// meteredSTT counts transcription requests per backend and outcome.
type meteredSTT struct {
	next    stt.Provider
	name    string
	metrics *observe.Metrics
}

var _ stt.Provider = (*meteredSTT)(nil)

func (m *meteredSTT) Transcribe(ctx context.Context, audioPath string) (stt.Transcript, error) {
	tr, err := m.next.Transcribe(ctx, audioPath)
	m.metrics.RecordProviderRequest(ctx, m.name, "stt", outcome(err))
	return tr, err
}

// meteredLLM counts completion requests per backend and outcome.
type meteredLLM struct {
	next    llm.Provider
	name    string
	metrics *observe.Metrics
}

var _ llm.Provider = (*meteredLLM)(nil)

func (m *meteredLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := m.next.Complete(ctx, req)
	m.metrics.RecordProviderRequest(ctx, m.name, "llm", outcome(err))
	return resp, err
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
