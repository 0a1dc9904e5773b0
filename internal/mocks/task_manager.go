package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-worker/internal/store"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

// TransitionCall records one Transition invocation.
type TransitionCall struct {
	ID     uuid.UUID
	Owner  string
	To     task.Status
	Fields task.Fields
	Err    error
}

// TaskManager is an in-memory task.Manager.
type TaskManager struct {
	// Now is the clock used for every timestamp. Defaults to time.Now.
	Now func() time.Time
	// StaleAfter is the staleness horizon for claims.
	StaleAfter time.Duration
	// DefaultMaxRetries applies when NewTask.MaxRetries is nil.
	DefaultMaxRetries int

	// TransitionFn runs before a transition is applied. A non-nil error
	// aborts the transition.
	TransitionFn func(ctx context.Context, id uuid.UUID, to task.Status, f task.Fields) error

	mu          sync.Mutex
	tasks       map[uuid.UUID]*task.Task
	err         error
	transitions []TransitionCall
	touches     []uuid.UUID
	renewals    []uuid.UUID
	closed      bool
}

var _ task.Manager = (*TaskManager)(nil)

// NewTaskManager returns an empty manager with a 30 day staleness horizon
// and a default retry budget of 3.
func NewTaskManager() *TaskManager {
	return &TaskManager{
		Now:               time.Now,
		StaleAfter:        30 * 24 * time.Hour,
		DefaultMaxRetries: 3,
		tasks:             make(map[uuid.UUID]*task.Task),
	}
}

// SetErr makes every subsequent call fail with err until cleared with nil.
func (m *TaskManager) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Seed stores a copy of t as is, bypassing validation.
func (m *TaskManager) Seed(t task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = clone(&t)
}

// Task returns a copy of the stored task, or nil.
func (m *TaskManager) Task(id uuid.UUID) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	return clone(t)
}

// Transitions returns the recorded Transition calls.
func (m *TaskManager) Transitions() []TransitionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransitionCall(nil), m.transitions...)
}

// Touches returns the ids passed to Touch.
func (m *TaskManager) Touches() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.touches...)
}

// Renewals returns the ids passed to Renew.
func (m *TaskManager) Renewals() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.renewals...)
}

// Closed reports whether Close was called.
func (m *TaskManager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *TaskManager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Create implements task.Manager.
func (m *TaskManager) Create(_ context.Context, n task.NewTask) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return uuid.Nil, m.err
	}
	if err := n.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	maxRetries := m.DefaultMaxRetries
	if n.MaxRetries != nil {
		maxRetries = *n.MaxRetries
	}
	now := m.now()
	t := &task.Task{
		ID:          uuid.New(),
		Kind:        n.Kind,
		SubjectType: n.SubjectType,
		SubjectID:   n.SubjectID,
		Status:      task.StatusPending,
		Prompt:      n.Prompt,
		AspectRatio: n.AspectRatio,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxRetries:  maxRetries,
		Metadata:    n.Metadata,
	}
	m.tasks[t.ID] = t
	return t.ID, nil
}

// Get implements task.Manager.
func (m *TaskManager) Get(_ context.Context, id uuid.UUID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return clone(t), nil
}

// ClaimPendingBatch implements task.Manager.
func (m *TaskManager) ClaimPendingBatch(_ context.Context, c task.Claim) ([]*task.Task, error) {
	return m.claim(c,
		func(t *task.Task) bool { return t.Status == task.StatusPending },
		func(a, b *task.Task) bool { return a.CreatedAt.Before(b.CreatedAt) },
	)
}

// ClaimActiveBatch implements task.Manager.
func (m *TaskManager) ClaimActiveBatch(_ context.Context, c task.Claim) ([]*task.Task, error) {
	return m.claim(c,
		func(t *task.Task) bool { return t.Status.IsActive() },
		func(a, b *task.Task) bool {
			switch {
			case a.LastPolledAt == nil && b.LastPolledAt != nil:
				return true
			case a.LastPolledAt != nil && b.LastPolledAt == nil:
				return false
			case a.LastPolledAt != nil && !a.LastPolledAt.Equal(*b.LastPolledAt):
				return a.LastPolledAt.Before(*b.LastPolledAt)
			}
			return before(a.SubmittedAt, b.SubmittedAt)
		},
	)
}

// ClaimTimedOutBatch implements task.Manager.
func (m *TaskManager) ClaimTimedOutBatch(_ context.Context, c task.Claim, cutoff time.Time) ([]*task.Task, error) {
	return m.claim(c,
		func(t *task.Task) bool { return t.TimedOut(cutoff) },
		func(a, b *task.Task) bool { return before(a.SubmittedAt, b.SubmittedAt) },
	)
}

// ClaimRetryableBatch implements task.Manager.
func (m *TaskManager) ClaimRetryableBatch(_ context.Context, c task.Claim) ([]*task.Task, error) {
	return m.claim(c,
		func(t *task.Task) bool { return t.CanRetry() },
		func(a, b *task.Task) bool { return a.CreatedAt.Before(b.CreatedAt) },
	)
}

func (m *TaskManager) claim(c task.Claim, match func(*task.Task) bool, less func(a, b *task.Task) bool) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if c.Limit <= 0 {
		return nil, nil
	}
	if c.Owner == "" {
		return nil, fmt.Errorf("%w: claim owner is required", store.ErrInvalidEntity)
	}

	now := m.now()
	horizon := now.Add(-m.StaleAfter)

	var due []*task.Task
	for _, t := range m.tasks {
		if match(t) && !t.CreatedAt.Before(horizon) && !t.ClaimLive(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if less(due[i], due[j]) {
			return true
		}
		if less(due[j], due[i]) {
			return false
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if len(due) > c.Limit {
		due = due[:c.Limit]
	}

	expires := now.Add(c.Lease)
	claimed := make([]*task.Task, 0, len(due))
	for _, t := range due {
		t.ClaimedBy = c.Owner
		t.ClaimExpiresAt = &expires
		claimed = append(claimed, clone(t))
	}
	return claimed, nil
}

// Transition implements task.Manager.
func (m *TaskManager) Transition(ctx context.Context, id uuid.UUID, owner string, to task.Status, f task.Fields) error {
	err := m.transition(ctx, id, owner, to, f)

	m.mu.Lock()
	m.transitions = append(m.transitions, TransitionCall{ID: id, Owner: owner, To: to, Fields: f, Err: err})
	m.mu.Unlock()
	return err
}

func (m *TaskManager) transition(ctx context.Context, id uuid.UUID, owner string, to task.Status, f task.Fields) error {
	if m.TransitionFn != nil {
		if err := m.TransitionFn(ctx, id, to, f); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.ClaimedBy != owner {
		return store.NewStoreError("task", "transition", fmt.Sprintf("claim held by %q", t.ClaimedBy), store.ErrClaimLost)
	}

	next := clone(t)
	if err := next.Apply(to, f, m.now()); err != nil {
		return fmt.Errorf("failed to transition task %s to %s: %w", id, to, err)
	}
	m.tasks[id] = next
	return nil
}

// Touch implements task.Manager.
func (m *TaskManager) Touch(_ context.Context, id uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches = append(m.touches, id)
	if m.err != nil {
		return m.err
	}
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.ClaimedBy != owner {
		return store.ErrClaimLost
	}
	now := m.now()
	t.LastPolledAt = &now
	t.UpdatedAt = now
	t.ClaimedBy = ""
	t.ClaimExpiresAt = nil
	return nil
}

// Renew implements task.Manager.
func (m *TaskManager) Renew(_ context.Context, id uuid.UUID, owner string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewals = append(m.renewals, id)
	if m.err != nil {
		return m.err
	}
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	now := m.now()
	if t.ClaimedBy != owner || !t.ClaimLive(now) {
		return store.ErrClaimLost
	}
	expires := now.Add(lease)
	t.ClaimExpiresAt = &expires
	return nil
}

// Stats implements task.Manager.
func (m *TaskManager) Stats(context.Context) (task.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	stats := make(task.Stats, len(task.AllStatuses))
	for _, s := range task.AllStatuses {
		stats[s] = 0
	}
	for _, t := range m.tasks {
		stats[t.Status]++
	}
	return stats, nil
}

// CleanupOlderThan implements task.Manager.
func (m *TaskManager) CleanupOlderThan(_ context.Context, days int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if days <= 0 {
		return 0, fmt.Errorf("%w: cleanup age must be positive, got %d", store.ErrInvalidEntity, days)
	}

	now := m.now()
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	horizon := now.Add(-m.StaleAfter)

	var deleted int64
	for id, t := range m.tasks {
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		spent := t.RetryCount >= t.MaxRetries || t.CreatedAt.Before(horizon)
		if t.Status == task.StatusSuccess || (t.Status.IsTerminal() && spent) {
			delete(m.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// Ping implements task.Manager.
func (m *TaskManager) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements task.Manager.
func (m *TaskManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func before(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	}
	return a.Before(*b)
}

func clone(t *task.Task) *task.Task {
	c := *t
	c.SubmittedAt = copyTime(t.SubmittedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	c.LastPolledAt = copyTime(t.LastPolledAt)
	c.ClaimExpiresAt = copyTime(t.ClaimExpiresAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
