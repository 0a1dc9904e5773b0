package postgres

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/storyboard-worker/internal/events"
	"github.com/phrazzld/storyboard-worker/internal/store"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

func newMockAttacher(t *testing.T, tables map[string]string) (*SubjectAttacher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := NewSubjectAttacher(db, tables, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a, mock
}

func succeeded(subject task.SubjectType, id string) *events.TaskEvent {
	return &events.TaskEvent{
		ID:          uuid.New(),
		Type:        events.TypeTaskSucceeded,
		TaskID:      uuid.New(),
		SubjectType: subject,
		SubjectID:   id,
		Status:      task.StatusSuccess,
		ResultRef:   "sb/tides/2/characters/mira-0a1b2c3d.png",
	}
}

func attachQuery(ident string) string {
	return regexp.QuoteMeta(`UPDATE ` + ident + ` SET image_url = $1, image_prompt = (SELECT prompt FROM ai_tasks WHERE id = $2) WHERE id::text = $3`)
}

func TestSubjectAttacher_WritesResultToMappedTable(t *testing.T) {
	a, mock := newMockAttacher(t, map[string]string{
		"character": "character_portraits",
		"prop":      "public.props",
	})
	ctx := context.Background()

	e := succeeded(task.SubjectCharacter, "12")
	mock.ExpectExec(attachQuery(`"character_portraits"`)).
		WithArgs(e.ResultRef, e.TaskID, "12").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, a.HandleEvent(ctx, e))

	p := succeeded(task.SubjectProp, "7")
	mock.ExpectExec(attachQuery(`"public"."props"`)).
		WithArgs(p.ResultRef, p.TaskID, "7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, a.HandleEvent(ctx, p))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectAttacher_IgnoresOtherEvents(t *testing.T) {
	a, mock := newMockAttacher(t, map[string]string{"character": "character_portraits"})
	ctx := context.Background()

	failed := succeeded(task.SubjectCharacter, "12")
	failed.Type = events.TypeTaskFailed
	assert.NoError(t, a.HandleEvent(ctx, failed))
	assert.NoError(t, a.HandleEvent(ctx, succeeded(task.SubjectScene, "3")), "no table for scenes")
	assert.NoError(t, a.HandleEvent(ctx, nil))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectAttacher_MissingSubject(t *testing.T) {
	a, mock := newMockAttacher(t, map[string]string{"scene": "scene_definitions"})

	mock.ExpectExec(attachQuery(`"scene_definitions"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	err := a.HandleEvent(context.Background(), succeeded(task.SubjectScene, "404"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSubjectAttacher_RejectsBadMapping(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err = NewSubjectAttacher(db, map[string]string{"villain": "villains"}, log)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)

	_, err = NewSubjectAttacher(db, map[string]string{"prop": "public."}, log)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}
