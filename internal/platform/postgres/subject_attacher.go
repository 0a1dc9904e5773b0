package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/phrazzld/storyboard-worker/internal/events"
	"github.com/phrazzld/storyboard-worker/internal/platform/logger"
	"github.com/phrazzld/storyboard-worker/internal/store"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

// SubjectAttacher is an events.EventHandler that writes a succeeded task's
// artifact key into image_url, and the task's prompt into image_prompt, on
// the row of the entity the image depicts. Each subject type maps to its own
// table; subjects without a table are left alone.
type SubjectAttacher struct {
	db      *sql.DB
	queries map[task.SubjectType]string
	logger  *slog.Logger
}

var _ events.EventHandler = (*SubjectAttacher)(nil)

// NewSubjectAttacher builds an attacher for the given subject type to table
// mapping. Table names may be schema-qualified ("public.props").
func NewSubjectAttacher(db *sql.DB, tables map[string]string, logger *slog.Logger) (*SubjectAttacher, error) {
	queries := make(map[task.SubjectType]string, len(tables))
	for subject, table := range tables {
		st := task.SubjectType(subject)
		if !st.IsValid() {
			return nil, fmt.Errorf("%w: unknown subject type %q", store.ErrInvalidEntity, subject)
		}
		ident, err := tableIdentifier(table)
		if err != nil {
			return nil, err
		}
		// Subject ids travel as text; comparing on id::text matches integer
		// and uuid keys alike.
		queries[st] = fmt.Sprintf(
			`UPDATE %s SET image_url = $1, image_prompt = (SELECT prompt FROM ai_tasks WHERE id = $2) WHERE id::text = $3`,
			ident)
	}
	return &SubjectAttacher{
		db:      db,
		queries: queries,
		logger:  logger.With("component", "subject_attacher"),
	}, nil
}

func tableIdentifier(table string) (string, error) {
	parts := strings.Split(strings.TrimSpace(table), ".")
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w: invalid table name %q", store.ErrInvalidEntity, table)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

// HandleEvent implements events.EventHandler. Only task.succeeded events are
// acted on.
func (a *SubjectAttacher) HandleEvent(ctx context.Context, e *events.TaskEvent) error {
	if e == nil || e.Type != events.TypeTaskSucceeded {
		return nil
	}
	query, ok := a.queries[e.SubjectType]
	if !ok {
		return nil
	}
	log := logger.FromContextOrDefault(ctx, a.logger)

	result, err := a.db.ExecContext(ctx, query, e.ResultRef, e.TaskID, e.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to attach result to %s %s: %w", e.SubjectType, e.SubjectID, MapError(err))
	}
	if err := CheckRowsAffected(result, string(e.SubjectType)); err != nil {
		return fmt.Errorf("failed to attach result to %s %s: %w", e.SubjectType, e.SubjectID, err)
	}

	log.Info("attached result to subject",
		"subject_type", e.SubjectType,
		"subject_id", e.SubjectID,
		"result_ref", e.ResultRef)
	return nil
}

// Close releases the attacher's database handle.
func (a *SubjectAttacher) Close() error {
	return a.db.Close()
}
