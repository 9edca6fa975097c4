package projection_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/daily-survey/internal/model"
	"github.com/sakif/daily-survey/internal/notify"
	"github.com/sakif/daily-survey/internal/projection"
	"github.com/sakif/daily-survey/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed writes all three singletons with the given authorization status and
// edit flag, then rebuilds the projection, in one transaction.
func seed(t *testing.T, s *store.Store, status notify.AuthorizationStatus, editing bool) {
	t.Helper()
	err := s.Transact(context.Background(), func(tx *store.Tx) error {
		now := tx.Now()

		survey, err := tx.Survey()
		if err != nil {
			return err
		}
		if survey == nil {
			survey = &model.Survey{URL: "https://example.org/en/"}
		}
		survey.UpdatedAt = now
		if err := tx.PutSurvey(survey); err != nil {
			return err
		}

		auth, err := tx.Authorization()
		if err != nil {
			return err
		}
		if auth == nil {
			auth = &model.AuthorizationRecord{}
		}
		auth.Settings = notify.Settings{Status: status}
		auth.UpdatedAt = now
		if err := tx.PutAuthorization(auth); err != nil {
			return err
		}

		reminder, err := tx.Reminder()
		if err != nil {
			return err
		}
		if reminder == nil {
			reminder = &model.Reminder{Request: notify.NewRequest("t", "b", 12, 0)}
		}
		reminder.IsBeingEdited = editing
		reminder.UpdatedAt = now
		if err := tx.PutReminder(reminder); err != nil {
			return err
		}

		return projection.Rebuild(tx)
	})
	require.NoError(t, err)
}

type cell struct {
	section int
	index   int
	rowType model.RowType
}

func layout(rows []model.Row) []cell {
	out := make([]cell, 0, len(rows))
	for _, r := range rows {
		out = append(out, cell{r.Section, r.Index, r.Type})
	}
	return out
}

func TestRebuildLayoutByStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  notify.AuthorizationStatus
		editing bool
		want    []cell
	}{
		{
			name:   "not determined",
			status: notify.StatusNotDetermined,
			want: []cell{
				{0, 0, model.RowFillSurvey},
				{1, 0, model.RowAuthorizationStatus},
				{1, 1, model.RowRequestAuthorization},
			},
		},
		{
			name:   "provisional",
			status: notify.StatusProvisional,
			want: []cell{
				{0, 0, model.RowFillSurvey},
				{1, 0, model.RowAuthorizationStatus},
				{1, 1, model.RowRequestAuthorization},
				{2, 0, model.RowReminder},
			},
		},
		{
			name:    "provisional editing",
			status:  notify.StatusProvisional,
			editing: true,
			want: []cell{
				{0, 0, model.RowFillSurvey},
				{1, 0, model.RowAuthorizationStatus},
				{1, 1, model.RowRequestAuthorization},
				{2, 0, model.RowReminder},
				{2, 1, model.RowReminderTimeSelection},
			},
		},
		{
			name:   "authorized",
			status: notify.StatusAuthorized,
			want: []cell{
				{0, 0, model.RowFillSurvey},
				{1, 0, model.RowAuthorizationStatus},
				{2, 0, model.RowReminder},
			},
		},
		{
			name:    "authorized editing",
			status:  notify.StatusAuthorized,
			editing: true,
			want: []cell{
				{0, 0, model.RowFillSurvey},
				{1, 0, model.RowAuthorizationStatus},
				{2, 0, model.RowReminder},
				{2, 1, model.RowReminderTimeSelection},
			},
		},
		{
			name:    "denied ignores editing",
			status:  notify.StatusDenied,
			editing: true,
			want: []cell{
				{0, 0, model.RowFillSurvey},
				{1, 0, model.RowAuthorizationStatus},
				{1, 1, model.RowOpenNotificationSettings},
			},
		},
		{
			name:   "ephemeral has no auxiliaries and no reminder",
			status: notify.StatusEphemeral,
			want: []cell{
				{0, 0, model.RowFillSurvey},
				{1, 0, model.RowAuthorizationStatus},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			seed(t, s, tt.status, tt.editing)
			assert.Equal(t, tt.want, layout(s.Snapshot().Rows))
			assertInvariants(t, s.Snapshot())
		})
	}
}

// assertInvariants checks the structural invariants every committed state
// must satisfy: unique positions, exactly one owner per row, owner present,
// owner kind matching row type.
func assertInvariants(t *testing.T, snap store.Snapshot) {
	t.Helper()

	positions := make(map[cell]bool)
	owners := map[model.OwnerKind]string{}
	if snap.Survey != nil {
		owners[model.OwnerSurvey] = snap.Survey.ID
	}
	if snap.Authorization != nil {
		owners[model.OwnerAuthorization] = snap.Authorization.ID
	}
	if snap.Reminder != nil {
		owners[model.OwnerReminder] = snap.Reminder.ID
	}

	for _, r := range snap.Rows {
		key := cell{r.Section, r.Index, 0}
		assert.False(t, positions[key], "duplicate position (%d,%d)", r.Section, r.Index)
		positions[key] = true

		ownerID, ok := owners[r.OwnerKind]
		assert.True(t, ok, "row %s has no live owner", r.ID)
		assert.Equal(t, ownerID, r.OwnerID, "row %s owned by wrong entity", r.ID)

		switch r.Type {
		case model.RowFillSurvey:
			assert.Equal(t, model.OwnerSurvey, r.OwnerKind)
		case model.RowAuthorizationStatus, model.RowRequestAuthorization, model.RowOpenNotificationSettings:
			assert.Equal(t, model.OwnerAuthorization, r.OwnerKind)
		case model.RowReminder, model.RowReminderTimeSelection:
			assert.Equal(t, model.OwnerReminder, r.OwnerKind)
		}
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, notify.StatusAuthorized, true)

	before := s.Snapshot().Rows

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := s.Observe(ctx)

	// A second rebuild over unchanged entities must write nothing.
	err := s.Transact(context.Background(), projection.Rebuild)
	require.NoError(t, err)

	select {
	case batch := <-stream.Events():
		t.Fatalf("second rebuild emitted events: %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, before, s.Snapshot().Rows)
}

func TestRebuildReusesRowsAcrossStatusChange(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, notify.StatusProvisional, false)

	idByType := map[model.RowType]string{}
	for _, r := range s.Snapshot().Rows {
		idByType[r.Type] = r.ID
	}
	require.Contains(t, idByType, model.RowRequestAuthorization)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := s.Observe(ctx)

	seed(t, s, notify.StatusAuthorized, false)

	after := map[model.RowType]string{}
	for _, r := range s.Snapshot().Rows {
		after[r.Type] = r.ID
	}

	// Surviving rows keep their identity — the renderer gets updates, not
	// delete-and-recreate churn.
	assert.Equal(t, idByType[model.RowFillSurvey], after[model.RowFillSurvey])
	assert.Equal(t, idByType[model.RowAuthorizationStatus], after[model.RowAuthorizationStatus])
	assert.Equal(t, idByType[model.RowReminder], after[model.RowReminder])
	assert.NotContains(t, after, model.RowRequestAuthorization)

	select {
	case batch := <-stream.Events():
		var kinds []store.ChangeKind
		for _, c := range batch.Changes {
			kinds = append(kinds, c.Kind)
			assert.NotEqual(t, store.ChangeInsert, c.Kind, "status change must not insert rows")
		}
		assert.Contains(t, kinds, store.ChangeDelete)
	case <-time.After(time.Second):
		t.Fatal("no batch for status change")
	}
}

func TestRebuildRemovesRowsOfDeletedOwner(t *testing.T) {
	s := newTestStore(t)

	// Survey only; no authorization record, no reminder.
	err := s.Transact(context.Background(), func(tx *store.Tx) error {
		if err := tx.PutSurvey(&model.Survey{URL: "https://example.org", UpdatedAt: tx.Now()}); err != nil {
			return err
		}
		return projection.Rebuild(tx)
	})
	require.NoError(t, err)

	rows := s.Snapshot().Rows
	require.Len(t, rows, 1)
	assert.Equal(t, model.RowFillSurvey, rows[0].Type)
}
