package stt

import "time"

// Transcript is the result of transcribing one recording.
type Transcript struct {
	// Text is the full transcribed speech content. Only this field is
	// propagated to the refinement step.
	Text string

	// Language is the detected or configured language code, if known.
	Language string

	// Segments holds timed sub-spans of Text when the backend reports them.
	// May be nil.
	Segments []Segment

	// Duration is the length of the recording, if known.
	Duration time.Duration
}

// Segment is a timed span of recognised speech.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}
