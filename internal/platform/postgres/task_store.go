package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-worker/internal/platform/logger"
	"github.com/phrazzld/storyboard-worker/internal/store"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

var taskColumns = []string{
	"id", "external_id", "kind", "subject_type", "subject_id", "status",
	"prompt", "aspect_ratio", "result_ref", "result_url", "error_message",
	"retry_count", "max_retries", "drama_name", "episode_number", "entity_name",
	"claimed_by", "claim_expires_at", "created_at", "submitted_at",
	"completed_at", "last_polled_at", "updated_at",
}

func columnList(prefix string) string {
	cols := make([]string, len(taskColumns))
	for i, c := range taskColumns {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

// TaskStore implements task.Manager on the ai_tasks table.
type TaskStore struct {
	db                *sql.DB
	logger            *slog.Logger
	staleAfter        time.Duration
	defaultMaxRetries int
	now               func() time.Time
}

var _ task.Manager = (*TaskStore)(nil)

// TaskStoreOption configures a TaskStore.
type TaskStoreOption func(*TaskStore)

// WithStaleAfter sets the staleness horizon applied to claim queries.
func WithStaleAfter(d time.Duration) TaskStoreOption {
	return func(s *TaskStore) { s.staleAfter = d }
}

// WithDefaultMaxRetries sets the retry budget of tasks created without one.
func WithDefaultMaxRetries(n int) TaskStoreOption {
	return func(s *TaskStore) { s.defaultMaxRetries = n }
}

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) TaskStoreOption {
	return func(s *TaskStore) { s.now = now }
}

// NewTaskStore creates a TaskStore. The store owns db and closes it on Close.
func NewTaskStore(db *sql.DB, logger *slog.Logger, opts ...TaskStoreOption) *TaskStore {
	s := &TaskStore{
		db:                db,
		logger:            logger.With("component", "task_store"),
		staleAfter:        30 * 24 * time.Hour,
		defaultMaxRetries: 3,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new PENDING task.
func (s *TaskStore) Create(ctx context.Context, n task.NewTask) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := n.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	maxRetries := s.defaultMaxRetries
	if n.MaxRetries != nil {
		maxRetries = *n.MaxRetries
	}

	id := uuid.New()
	now := s.now()

	query := `
		INSERT INTO ai_tasks (
			id, kind, subject_type, subject_id, status, prompt, aspect_ratio,
			retry_count, max_retries, drama_name, episode_number, entity_name,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $12, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		id, n.Kind, n.SubjectType, n.SubjectID, task.StatusPending, n.Prompt, n.AspectRatio,
		maxRetries, n.Metadata.DramaName, n.Metadata.EpisodeNumber, n.Metadata.EntityName,
		now,
	)
	if err != nil {
		log.Error("failed to create task",
			"kind", n.Kind,
			"subject_type", n.SubjectType,
			"subject_id", n.SubjectID,
			"error", err)
		return uuid.Nil, fmt.Errorf("failed to create task: %w", MapError(err))
	}

	log.Debug("task created", "task_id", id, "kind", n.Kind, "subject_id", n.SubjectID)
	return id, nil
}

// Get returns a task by id.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `SELECT ` + columnList("") + ` FROM ai_tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, MapError(err))
	}
	return t, nil
}

// ClaimPendingBatch claims PENDING tasks, oldest first.
func (s *TaskStore) ClaimPendingBatch(ctx context.Context, c task.Claim) ([]*task.Task, error) {
	return s.claim(ctx, "pending", c,
		`status = 'PENDING'`,
		`created_at ASC, id ASC`,
		byCreatedAt,
	)
}

// ClaimActiveBatch claims active tasks, least recently polled first.
func (s *TaskStore) ClaimActiveBatch(ctx context.Context, c task.Claim) ([]*task.Task, error) {
	return s.claim(ctx, "active", c,
		`status IN ('SUBMITTED', 'QUEUED', 'RUNNING')`,
		`last_polled_at ASC NULLS FIRST, submitted_at ASC, id ASC`,
		byLastPolled,
	)
}

// ClaimTimedOutBatch claims active tasks submitted before cutoff.
func (s *TaskStore) ClaimTimedOutBatch(ctx context.Context, c task.Claim, cutoff time.Time) ([]*task.Task, error) {
	return s.claim(ctx, "timed_out", c,
		`status IN ('SUBMITTED', 'QUEUED', 'RUNNING') AND submitted_at < $6`,
		`submitted_at ASC, id ASC`,
		bySubmittedAt,
		cutoff,
	)
}

// ClaimRetryableBatch claims FAILED and TIMEOUT tasks with retry budget left.
func (s *TaskStore) ClaimRetryableBatch(ctx context.Context, c task.Claim) ([]*task.Task, error) {
	return s.claim(ctx, "retryable", c,
		`status IN ('FAILED', 'TIMEOUT') AND retry_count < max_retries`,
		`created_at ASC, id ASC`,
		byCreatedAt,
	)
}

// claim selects and marks rows in one statement. Rows locked by a concurrent
// claimer are skipped rather than waited on, and rows under a live claim are
// not eligible. Placeholders $1-$5 are reserved; extra args start at $6.
func (s *TaskStore) claim(
	ctx context.Context,
	name string,
	c task.Claim,
	where string,
	orderBy string,
	less func(a, b *task.Task) bool,
	extra ...any,
) ([]*task.Task, error) {
	if c.Limit <= 0 {
		return nil, nil
	}
	if c.Owner == "" {
		return nil, fmt.Errorf("%w: claim owner is required", store.ErrInvalidEntity)
	}

	log := logger.FromContextOrDefault(ctx, s.logger)
	now := s.now()

	query := `
		WITH candidates AS (
			SELECT id FROM ai_tasks
			WHERE ` + where + `
			  AND created_at >= $1
			  AND (claim_expires_at IS NULL OR claim_expires_at <= $2)
			ORDER BY ` + orderBy + `
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ai_tasks t
		SET claimed_by = $4, claim_expires_at = $5
		FROM candidates
		WHERE t.id = candidates.id
		RETURNING ` + columnList("t.")

	args := append([]any{now.Add(-s.staleAfter), now, c.Limit, c.Owner, now.Add(c.Lease)}, extra...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to claim tasks", "batch", name, "owner", c.Owner, "error", err)
		return nil, fmt.Errorf("failed to claim %s tasks: %w", name, MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed %s task: %w", name, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed %s tasks: %w", name, MapError(err))
	}

	// RETURNING does not preserve the candidate order.
	sort.SliceStable(tasks, func(i, j int) bool { return less(tasks[i], tasks[j]) })

	if len(tasks) > 0 {
		log.Debug("claimed tasks", "batch", name, "owner", c.Owner, "count", len(tasks))
	}
	return tasks, nil
}

// Transition applies a status change to a task claimed by owner.
func (s *TaskStore) Transition(
	ctx context.Context,
	id uuid.UUID,
	owner string,
	to task.Status,
	f task.Fields,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)
	now := s.now()

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		t, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}

		if t.ClaimedBy != owner {
			return store.NewStoreError("task", "transition",
				fmt.Sprintf("claim held by %q", t.ClaimedBy), store.ErrClaimLost)
		}

		from := t.Status
		if err := t.Apply(to, f, now); err != nil {
			return err
		}

		update := `
			UPDATE ai_tasks SET
				status = $2,
				external_id = $3,
				result_ref = $4,
				result_url = $5,
				error_message = $6,
				retry_count = $7,
				submitted_at = $8,
				completed_at = $9,
				last_polled_at = $10,
				updated_at = $11,
				claimed_by = NULL,
				claim_expires_at = NULL
			WHERE id = $1
		`
		result, err := tx.ExecContext(ctx, update,
			t.ID,
			t.Status,
			nullString(t.ExternalID),
			nullString(t.ResultRef),
			nullString(t.ResultURL),
			nullString(t.ErrorMessage),
			t.RetryCount,
			nullTime(t.SubmittedAt),
			nullTime(t.CompletedAt),
			nullTime(t.LastPolledAt),
			t.UpdatedAt,
		)
		if err != nil {
			return MapError(err)
		}
		if err := CheckRowsAffected(result, "task"); err != nil {
			return err
		}

		log.Debug("task transitioned", "task_id", id, "from", from, "to", to, "owner", owner)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to transition task %s to %s: %w", id, to, err)
	}
	return nil
}

// Touch records a poll and releases owner's claim without changing status.
func (s *TaskStore) Touch(ctx context.Context, id uuid.UUID, owner string) error {
	now := s.now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE ai_tasks
		SET last_polled_at = $1, updated_at = $1, claimed_by = NULL, claim_expires_at = NULL
		WHERE id = $2 AND claimed_by = $3
	`, now, id, owner)
	if err != nil {
		return fmt.Errorf("failed to touch task %s: %w", id, MapError(err))
	}

	if err := s.claimHeld(ctx, result, id); err != nil {
		return fmt.Errorf("failed to touch task %s: %w", id, err)
	}
	return nil
}

// Renew pushes the expiry of owner's live claim to lease from now.
func (s *TaskStore) Renew(ctx context.Context, id uuid.UUID, owner string, lease time.Duration) error {
	now := s.now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE ai_tasks
		SET claim_expires_at = $1
		WHERE id = $2 AND claimed_by = $3 AND claim_expires_at > $4
	`, now.Add(lease), id, owner, now)
	if err != nil {
		return fmt.Errorf("failed to renew claim on task %s: %w", id, MapError(err))
	}
	if err := s.claimHeld(ctx, result, id); err != nil {
		return fmt.Errorf("failed to renew claim on task %s: %w", id, err)
	}
	return nil
}

// claimHeld interprets an owner-guarded update. No affected rows means the
// task is gone or the claim belongs to someone else.
func (s *TaskStore) claimHeld(ctx context.Context, result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ai_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return MapError(err)
	}
	if !exists {
		return store.ErrTaskNotFound
	}
	return store.ErrClaimLost
}

// Stats counts all rows by status. Every known status is present in the result.
func (s *TaskStore) Stats(ctx context.Context) (task.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ai_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task stats: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	stats := make(task.Stats, len(task.AllStatuses))
	for _, st := range task.AllStatuses {
		stats[st] = 0
	}
	for rows.Next() {
		var status task.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task stats: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task stats: %w", MapError(err))
	}
	return stats, nil
}

// CleanupOlderThan deletes SUCCESS rows, and FAILED or TIMEOUT rows that can
// no longer be retried, created more than days ago. A failed row outside the
// staleness horizon can no longer be retried even with budget left.
func (s *TaskStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if days <= 0 {
		return 0, fmt.Errorf("%w: cleanup age must be positive, got %d", store.ErrInvalidEntity, days)
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	horizon := now.Add(-s.staleAfter)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM ai_tasks
		WHERE created_at < $1
		  AND (
			status = 'SUCCESS'
			OR (status IN ('FAILED', 'TIMEOUT') AND (retry_count >= max_retries OR created_at < $2))
		  )
	`, cutoff, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tasks: %w", MapError(err))
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	log.Info("cleaned up old tasks", "days", days, "deleted", deleted)
	return deleted, nil
}

// Ping verifies the database is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// lockTask reads a task and holds its row lock until q's transaction ends.
func lockTask(ctx context.Context, q store.DBTX, id uuid.UUID) (*task.Task, error) {
	query := `SELECT ` + columnList("") + ` FROM ai_tasks WHERE id = $1 FOR UPDATE`
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var externalID, resultRef, resultURL, errMessage, claimedBy sql.NullString
	var claimExpires, submitted, completed, lastPolled sql.NullTime

	err := row.Scan(
		&t.ID, &externalID, &t.Kind, &t.SubjectType, &t.SubjectID, &t.Status,
		&t.Prompt, &t.AspectRatio, &resultRef, &resultURL, &errMessage,
		&t.RetryCount, &t.MaxRetries, &t.Metadata.DramaName, &t.Metadata.EpisodeNumber, &t.Metadata.EntityName,
		&claimedBy, &claimExpires, &t.CreatedAt, &submitted,
		&completed, &lastPolled, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ExternalID = externalID.String
	t.ResultRef = resultRef.String
	t.ResultURL = resultURL.String
	t.ErrorMessage = errMessage.String
	t.ClaimedBy = claimedBy.String
	t.ClaimExpiresAt = timePtr(claimExpires)
	t.SubmittedAt = timePtr(submitted)
	t.CompletedAt = timePtr(completed)
	t.LastPolledAt = timePtr(lastPolled)
	return &t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func byCreatedAt(a, b *task.Task) bool {
	return a.CreatedAt.Before(b.CreatedAt)
}

func bySubmittedAt(a, b *task.Task) bool {
	return timeBefore(a.SubmittedAt, b.SubmittedAt)
}

func byLastPolled(a, b *task.Task) bool {
	if a.LastPolledAt == nil || b.LastPolledAt == nil {
		if a.LastPolledAt == nil && b.LastPolledAt == nil {
			return timeBefore(a.SubmittedAt, b.SubmittedAt)
		}
		return a.LastPolledAt == nil
	}
	if a.LastPolledAt.Equal(*b.LastPolledAt) {
		return timeBefore(a.SubmittedAt, b.SubmittedAt)
	}
	return a.LastPolledAt.Before(*b.LastPolledAt)
}

// timeBefore orders nil before any time.
func timeBefore(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b != nil
	}
	return a.Before(*b)
}
