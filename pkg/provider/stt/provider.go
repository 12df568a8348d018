// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider turns a stored audio recording into plain text. Recordings are
// processed whole: there is no streaming, chunking or batching, and providers
// never retry. Errors are returned to the caller unchanged apart from wrapping.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe reads the audio file at audioPath and returns its transcript.
	// The file format accepted depends on the backend; see each implementation.
	Transcribe(ctx context.Context, audioPath string) (Transcript, error)
}
