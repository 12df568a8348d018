// Package job defines the owner and transcription job records together with
// their storage backends.
//
// A [Job] moves through the status machine
//
//	pending -> processing -> completed
//	                      -> failed
//
// and may be re-triggered from completed or failed. The transition into
// processing is the only guarded one: [Store.StartProcessing] performs it as a
// single conditional update, so two concurrent triggers on the same job can
// never both win.
package job

import (
	"errors"
	"time"
)

// Status is the processing state of a [Job].
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a job or owner does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("job: not found")

	// ErrConflict is returned when a job is already being processed.
	ErrConflict = errors.New("job: already processing")

	// ErrBadInput is returned for malformed client input.
	ErrBadInput = errors.New("job: bad input")

	// ErrDuplicate is returned when a username or email is already taken.
	ErrDuplicate = errors.New("job: owner already exists")
)

// Owner is an authenticated user. Deleting an owner deletes all of its jobs.
type Owner struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Job is one uploaded recording and everything derived from it.
//
// TranscriptionText, ProcessedText and DocumentPath are nil until the
// corresponding pipeline step has committed.
type Job struct {
	ID                int64     `json:"id"`
	OwnerID           int64     `json:"user_id"`
	Title             string    `json:"title"`
	Date              time.Time `json:"date"`
	InitialPrompt     *string   `json:"initial_prompt"`
	AudioFilePath     string    `json:"audio_file_path"`
	Status            Status    `json:"status"`
	TranscriptionText *string   `json:"transcription_text"`
	ProcessedText     *string   `json:"processed_text"`
	DocumentPath      *string   `json:"document_path"`
	CreatedAt         time.Time `json:"created_at"`
}

// Hint returns the initial prompt, or "" when none was given.
func (j *Job) Hint() string {
	if j.InitialPrompt == nil {
		return ""
	}
	return *j.InitialPrompt
}

// Ptr returns a pointer to s. Handy for the nullable text fields.
func Ptr(s string) *string { return &s }
