package job

import "context"

// Store persists owners and jobs. Every job lookup is scoped to an owner so a
// caller can never observe another owner's records.
type Store interface {
	// CreateOwner inserts o and fills in its ID and CreatedAt. It returns
	// [ErrDuplicate] when the username or email is taken.
	CreateOwner(ctx context.Context, o *Owner) error

	// Owner returns the owner with the given id, or [ErrNotFound].
	Owner(ctx context.Context, id int64) (*Owner, error)

	// OwnerByUsername returns the owner with the given username, or [ErrNotFound].
	OwnerByUsername(ctx context.Context, username string) (*Owner, error)

	// DeleteOwner removes the owner and, by cascade, all of its jobs.
	DeleteOwner(ctx context.Context, id int64) error

	// Create inserts j and fills in its ID and CreatedAt.
	Create(ctx context.Context, j *Job) error

	// Get returns the job owned by ownerID, or [ErrNotFound].
	Get(ctx context.Context, ownerID, id int64) (*Job, error)

	// List returns the owner's jobs, newest first.
	List(ctx context.Context, ownerID int64) ([]*Job, error)

	// StartProcessing atomically moves the job into [StatusProcessing] unless
	// it is already there. It returns [ErrNotFound] for a missing or foreign
	// job and [ErrConflict] when another run holds it. On success the updated
	// job is returned.
	StartProcessing(ctx context.Context, ownerID, id int64) (*Job, error)

	// Update writes the status and the derived fields of j.
	Update(ctx context.Context, j *Job) error

	// Delete removes the job owned by ownerID, or returns [ErrNotFound].
	Delete(ctx context.Context, ownerID, id int64) error
}
