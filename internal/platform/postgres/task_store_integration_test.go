//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-worker/internal/platform/postgres"
	"github.com/phrazzld/storyboard-worker/internal/store"
	"github.com/phrazzld/storyboard-worker/internal/task"
	"github.com/phrazzld/storyboard-worker/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTask(subject string) task.NewTask {
	return task.NewTask{
		Kind:        task.KindCharacterImage,
		SubjectType: task.SubjectCharacter,
		SubjectID:   subject,
		Prompt:      "portrait of " + subject,
		AspectRatio: "3:4",
		Metadata:    task.Metadata{DramaName: "tides", EpisodeNumber: 3, EntityName: subject},
	}
}

func clockAt(t time.Time) postgres.TaskStoreOption {
	return postgres.WithClock(func() time.Time { return t })
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	db := testdb.Open(t)
	s := postgres.NewTaskStore(db, discard)
	ctx := context.Background()

	id, err := s.Create(ctx, newTask("mira"))
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Empty(t, got.ExternalID)
	assert.Equal(t, "mira", got.Metadata.EntityName)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Duplicates are accepted.
	_, err = s.Create(ctx, newTask("mira"))
	require.NoError(t, err)
}

func TestTaskStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	s := postgres.NewTaskStore(db, discard)

	_, err := s.Create(ctx, newTask("solo"))
	require.NoError(t, err)

	const claimers = 10
	var wg sync.WaitGroup
	results := make([][]*task.Task, claimers)
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ClaimPendingBatch(ctx, task.Claim{
				Owner: fmt.Sprintf("worker-%d", i),
				Limit: 5,
				Lease: time.Minute,
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		winners += len(results[i])
	}
	assert.Equal(t, 1, winners)
}

func TestTaskStore_ConcurrentBatchesPartitionRows(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	s := postgres.NewTaskStore(db, discard)

	const total = 60
	for i := 0; i < total; i++ {
		_, err := s.Create(ctx, newTask(fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]string{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			owner := fmt.Sprintf("worker-%d", w)
			for {
				batch, err := s.ClaimPendingBatch(ctx, task.Claim{Owner: owner, Limit: 7, Lease: time.Minute})
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, tk := range batch {
					_, dup := seen[tk.ID]
					assert.False(t, dup, "task %s claimed twice", tk.ID)
					seen[tk.ID] = owner
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, total)
}

func TestTaskStore_ExpiredLeaseCanBeReclaimed(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := postgres.NewTaskStore(db, discard, clockAt(now))
	later := postgres.NewTaskStore(db, discard, clockAt(now.Add(10*time.Minute)))

	id, err := first.Create(ctx, newTask("lease"))
	require.NoError(t, err)

	claimed, err := first.ClaimPendingBatch(ctx, task.Claim{Owner: "a", Limit: 1, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := first.ClaimPendingBatch(ctx, task.Claim{Owner: "b", Limit: 1, Lease: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, again, "live claim must hide the row")

	reclaimed, err := later.ClaimPendingBatch(ctx, task.Claim{Owner: "b", Limit: 1, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, id, reclaimed[0].ID)

	// The original owner has lost the row.
	err = first.Transition(ctx, id, "a", task.StatusSubmitted, task.Fields{ExternalID: "x"})
	assert.ErrorIs(t, err, store.ErrClaimLost)
	require.NoError(t, later.Transition(ctx, id, "b", task.StatusSubmitted, task.Fields{ExternalID: "y"}))

	got, err := first.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "y", got.ExternalID)
}

func TestTaskStore_RenewKeepsClaimAlive(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := postgres.NewTaskStore(db, discard, clockAt(now))
	mid := postgres.NewTaskStore(db, discard, clockAt(now.Add(50*time.Second)))
	later := postgres.NewTaskStore(db, discard, clockAt(now.Add(90*time.Second)))
	past := postgres.NewTaskStore(db, discard, clockAt(now.Add(10*time.Minute)))

	id, err := first.Create(ctx, newTask("renew"))
	require.NoError(t, err)
	claimed, err := first.ClaimPendingBatch(ctx, task.Claim{Owner: "a", Limit: 1, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, mid.Renew(ctx, id, "a", time.Minute))
	assert.ErrorIs(t, mid.Renew(ctx, id, "b", time.Minute), store.ErrClaimLost)

	// The original lease would have lapsed by now; the renewed one has not.
	stolen, err := later.ClaimPendingBatch(ctx, task.Claim{Owner: "b", Limit: 1, Lease: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, stolen)

	assert.ErrorIs(t, past.Renew(ctx, id, "a", time.Minute), store.ErrClaimLost, "a lapsed claim cannot be revived")
}

func TestTaskStore_StalenessHorizon(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := postgres.NewTaskStore(db, discard, clockAt(now.Add(-40*24*time.Hour)))
	current := postgres.NewTaskStore(db, discard, clockAt(now), postgres.WithStaleAfter(30*24*time.Hour))

	staleID, err := old.Create(ctx, newTask("ancient"))
	require.NoError(t, err)
	freshID, err := current.Create(ctx, newTask("fresh"))
	require.NoError(t, err)

	claimed, err := current.ClaimPendingBatch(ctx, task.Claim{Owner: "w", Limit: 10, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, freshID, claimed[0].ID)

	// Stale rows stay readable and counted.
	got, err := current.Get(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)

	stats, err := current.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[task.StatusPending])
}

func TestTaskStore_LifecycleAndRetry(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	s := postgres.NewTaskStore(db, discard)
	lease := task.Claim{Owner: "w", Limit: 10, Lease: time.Minute}

	one := 1
	n := newTask("retry")
	n.MaxRetries = &one
	id, err := s.Create(ctx, n)
	require.NoError(t, err)

	_, err = s.ClaimPendingBatch(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, "w", task.StatusSubmitted, task.Fields{ExternalID: "ext-1"}))

	active, err := s.ClaimActiveBatch(ctx, lease)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NoError(t, s.Transition(ctx, id, "w", task.StatusFailed, task.Fields{ErrorMessage: "content rejected"}))

	retryable, err := s.ClaimRetryableBatch(ctx, lease)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	require.NoError(t, s.Transition(ctx, id, "w", task.StatusPending, task.Fields{}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ExternalID)
	assert.Nil(t, got.SubmittedAt)

	_, err = s.ClaimPendingBatch(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, "w", task.StatusSubmitted, task.Fields{ExternalID: "ext-2"}))
	_, err = s.ClaimActiveBatch(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, "w", task.StatusFailed, task.Fields{ErrorMessage: "again"}))

	retryable, err = s.ClaimRetryableBatch(ctx, lease)
	require.NoError(t, err)
	assert.Empty(t, retryable, "budget is spent")

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "again", got.ErrorMessage)
}

func TestTaskStore_SuccessRequiresResultRef(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	s := postgres.NewTaskStore(db, discard)
	lease := task.Claim{Owner: "w", Limit: 1, Lease: time.Minute}

	id, err := s.Create(ctx, newTask("art"))
	require.NoError(t, err)
	_, err = s.ClaimPendingBatch(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, "w", task.StatusSubmitted, task.Fields{ExternalID: "e"}))

	_, err = s.ClaimActiveBatch(ctx, lease)
	require.NoError(t, err)
	err = s.Transition(ctx, id, "w", task.StatusSuccess, task.Fields{})
	assert.ErrorIs(t, err, task.ErrMissingResultRef)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSubmitted, got.Status)
	assert.Equal(t, "w", got.ClaimedBy, "failed transition keeps the claim")

	require.NoError(t, s.Transition(ctx, id, "w", task.StatusSuccess, task.Fields{ResultRef: "k.png", ResultURL: "https://cdn/k.png"}))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, "k.png", got.ResultRef)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ClaimedBy)
}

func TestTaskStore_TouchMovesTaskToBackOfActiveQueue(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	s := postgres.NewTaskStore(db, discard)
	lease := task.Claim{Owner: "w", Limit: 10, Lease: time.Minute}

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := s.Create(ctx, newTask(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := s.ClaimPendingBatch(ctx, lease)
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, s.Transition(ctx, id, "w", task.StatusSubmitted, task.Fields{ExternalID: fmt.Sprintf("e%d", i)}))
	}

	// Poll only the first one; the other two have never been polled.
	batch, err := s.ClaimActiveBatch(ctx, task.Claim{Owner: "w", Limit: 1, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, s.Touch(ctx, batch[0].ID, "w"))

	next, err := s.ClaimActiveBatch(ctx, lease)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, batch[0].ID, next[2].ID)
	assert.NotNil(t, next[2].LastPolledAt)

	assert.ErrorIs(t, s.Touch(ctx, uuid.New(), "w"), store.ErrNotFound)
}

func TestTaskStore_CleanupOlderThan(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := postgres.NewTaskStore(db, discard, clockAt(now.Add(-10*24*time.Hour)))
	s := postgres.NewTaskStore(db, discard, clockAt(now))
	lease := task.Claim{Owner: "w", Limit: 10, Lease: time.Minute}

	zero := 0
	spent := newTask("spent")
	spent.MaxRetries = &zero

	doneID, err := past.Create(ctx, newTask("done"))
	require.NoError(t, err)
	spentID, err := past.Create(ctx, spent)
	require.NoError(t, err)
	retryableID, err := past.Create(ctx, newTask("retryable"))
	require.NoError(t, err)
	pendingID, err := past.Create(ctx, newTask("pending"))
	require.NoError(t, err)

	claimed, err := past.ClaimPendingBatch(ctx, lease)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
	for _, id := range []uuid.UUID{doneID, spentID, retryableID} {
		require.NoError(t, past.Transition(ctx, id, "w", task.StatusSubmitted, task.Fields{ExternalID: id.String()}))
	}
	require.NoError(t, past.Touch(ctx, pendingID, "w"))

	_, err = past.ClaimActiveBatch(ctx, lease)
	require.NoError(t, err)
	require.NoError(t, past.Transition(ctx, doneID, "w", task.StatusSuccess, task.Fields{ResultRef: "r"}))
	require.NoError(t, past.Transition(ctx, spentID, "w", task.StatusFailed, task.Fields{ErrorMessage: "x"}))
	require.NoError(t, past.Transition(ctx, retryableID, "w", task.StatusTimeout, task.Fields{ErrorMessage: "y"}))

	deleted, err := s.CleanupOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	_, err = s.Get(ctx, doneID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, spentID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, retryableID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, pendingID)
	assert.NoError(t, err)
}

func TestListener_WakesOnInsert(t *testing.T) {
	db := testdb.Open(t)
	s := postgres.NewTaskStore(db, discard)

	l, err := postgres.NewListener(testdb.URL(), "ai_tasks_created", discard)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	_, err = s.Create(ctx, newTask("wake"))
	require.NoError(t, err)

	select {
	case <-l.C():
	case <-time.After(10 * time.Second):
		t.Fatal("listener did not wake after insert")
	}
}
