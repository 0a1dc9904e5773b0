package events

import (
	"context"
	"log/slog"
)

// LogHandler writes each event as a structured log line.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With("component", "task_events")}
}

// HandleEvent implements EventHandler.
func (h *LogHandler) HandleEvent(ctx context.Context, event *TaskEvent) error {
	level := slog.LevelInfo
	if event.Type != TypeTaskSucceeded {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "task outcome",
		"event_id", event.ID,
		"event_type", event.Type,
		"task_id", event.TaskID,
		"kind", event.Kind,
		"subject_type", event.SubjectType,
		"subject_id", event.SubjectID,
		"status", event.Status,
		"result_ref", event.ResultRef,
		"error", event.Error,
		"retryable", event.Retryable)
	return nil
}
