package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Claim identifies the caller of a claim operation and bounds its batch.
// A claimed task is invisible to other claimers until the claim is released
// by Transition or Touch, or until Lease elapses.
type Claim struct {
	Owner string
	Limit int
	Lease time.Duration
}

// Stats maps each status to the number of task rows in it.
type Stats map[Status]int

// Total returns the number of rows across all statuses.
func (s Stats) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// Manager is the durable record store for tasks. Every claim operation
// atomically selects and marks its rows, so a task is handed to at most one
// owner at a time even with several processes sharing the store. Claim
// operations ignore tasks created before the staleness horizon.
type Manager interface {
	// Create persists a new PENDING task and returns its id.
	Create(ctx context.Context, n NewTask) (uuid.UUID, error)

	// Get returns a task by id regardless of age. Returns store.ErrNotFound
	// if the task does not exist.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// ClaimPendingBatch claims up to c.Limit PENDING tasks, oldest first.
	ClaimPendingBatch(ctx context.Context, c Claim) ([]*Task, error)

	// ClaimActiveBatch claims up to c.Limit active tasks, least recently
	// polled first. Never-polled tasks come before polled ones.
	ClaimActiveBatch(ctx context.Context, c Claim) ([]*Task, error)

	// ClaimTimedOutBatch claims up to c.Limit active tasks submitted before cutoff.
	ClaimTimedOutBatch(ctx context.Context, c Claim, cutoff time.Time) ([]*Task, error)

	// ClaimRetryableBatch claims up to c.Limit FAILED or TIMEOUT tasks whose
	// retry budget is not spent.
	ClaimRetryableBatch(ctx context.Context, c Claim) ([]*Task, error)

	// Transition moves a task claimed by owner to the given status, applying
	// the field rules of ValidateTransition atomically, and releases the claim.
	// Returns store.ErrClaimLost if owner does not hold the claim.
	Transition(ctx context.Context, id uuid.UUID, owner string, to Status, f Fields) error

	// Touch records a poll without a status change and releases the claim.
	Touch(ctx context.Context, id uuid.UUID, owner string) error

	// Renew extends owner's claim so it expires lease from now. Only a live
	// claim can be renewed: returns store.ErrClaimLost if owner no longer
	// holds the task or the lease has already run out.
	Renew(ctx context.Context, id uuid.UUID, owner string, lease time.Duration) error

	// Stats counts all task rows by status.
	Stats(ctx context.Context) (Stats, error)

	// CleanupOlderThan deletes finished rows created more than the given
	// number of days ago and returns how many were removed. Rows that may
	// still be retried are kept.
	CleanupOlderThan(ctx context.Context, days int) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
