package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

// Event types.
const (
	TypeTaskSucceeded = "task.succeeded"
	TypeTaskFailed    = "task.failed"
	TypeTaskTimedOut  = "task.timed_out"
)

// TaskEvent reports that a task reached an outcome status.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`

	TaskID      uuid.UUID        `json:"task_id"`
	Kind        task.Kind        `json:"kind"`
	SubjectType task.SubjectType `json:"subject_type"`
	SubjectID   string           `json:"subject_id"`
	Status      task.Status      `json:"status"`
	ResultRef   string           `json:"result_ref,omitempty"`
	ResultURL   string           `json:"result_url,omitempty"`
	Error       string           `json:"error,omitempty"`
	RetryCount  int              `json:"retry_count"`
	// Retryable is true when the retry sweep will pick the task up again.
	Retryable bool `json:"retryable"`

	DramaName     string `json:"drama_name,omitempty"`
	EpisodeNumber int    `json:"episode_number,omitempty"`
	EntityName    string `json:"entity_name,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent builds the event for t, which must already carry its outcome
// status. It returns nil for non-outcome statuses.
func NewTaskEvent(t *task.Task, at time.Time) *TaskEvent {
	var typ string
	switch t.Status {
	case task.StatusSuccess:
		typ = TypeTaskSucceeded
	case task.StatusFailed:
		typ = TypeTaskFailed
	case task.StatusTimeout:
		typ = TypeTaskTimedOut
	default:
		return nil
	}

	return &TaskEvent{
		ID:            uuid.New(),
		Type:          typ,
		TaskID:        t.ID,
		Kind:          t.Kind,
		SubjectType:   t.SubjectType,
		SubjectID:     t.SubjectID,
		Status:        t.Status,
		ResultRef:     t.ResultRef,
		ResultURL:     t.ResultURL,
		Error:         t.ErrorMessage,
		RetryCount:    t.RetryCount,
		Retryable:     t.CanRetry(),
		DramaName:     t.Metadata.DramaName,
		EpisodeNumber: t.Metadata.EpisodeNumber,
		EntityName:    t.Metadata.EntityName,
		OccurredAt:    at,
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}
