package service_test

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
	"github.com/sakif/daily-survey/internal/service"
	"github.com/sakif/daily-survey/internal/store"
)

// countingCapability wraps the in-process center to count scheduler calls.
type countingCapability struct {
	*notify.Center
	scheduleCalls   int
	unscheduleCalls int
	lastScheduled   notify.Request
}

func (c *countingCapability) Schedule(ctx context.Context, req notify.Request) error {
	c.scheduleCalls++
	c.lastScheduled = req
	return c.Center.Schedule(ctx, req)
}

func (c *countingCapability) Unschedule(ctx context.Context, req notify.Request) error {
	c.unscheduleCalls++
	return c.Center.Unschedule(ctx, req)
}

// capturingAdapter records what a renderer would have presented.
type capturingAdapter struct {
	openedURLs    []string
	settingsOpens int
}

func (a *capturingAdapter) OpenURL(_ context.Context, url string) error {
	a.openedURLs = append(a.openedURLs, url)
	return nil
}

func (a *capturingAdapter) OpenSystemSettings(_ context.Context) error {
	a.settingsOpens++
	return nil
}

// quietly answers provisional prompts with a quiet grant and alerting
// prompts with full authorization.
func quietly(opts notify.Options) notify.AuthorizationStatus {
	if opts.Provisional {
		return notify.StatusProvisional
	}
	return notify.StatusAuthorized
}

// undecided leaves provisional prompts unanswered (platforms without quiet
// grants) and answers alerting prompts per the given status.
func undecided(onAlert notify.AuthorizationStatus) notify.DecisionFunc {
	return func(opts notify.Options) notify.AuthorizationStatus {
		if opts.Provisional {
			return notify.StatusNotDetermined
		}
		return onAlert
	}
}

func newTestService(t *testing.T, decide notify.DecisionFunc) (*service.SurveyService, *store.Store, *countingCapability, *capturingAdapter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	capability := &countingCapability{Center: notify.NewCenter(decide, nil, logger)}
	adapter := &capturingAdapter{}
	urls := map[string]string{
		"en": "https://coronaisrael.org/en/",
		"he": "https://coronaisrael.org",
	}
	svc := service.NewSurveyService(st, capability, adapter, "en", urls, logger)
	return svc, st, capability, adapter
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

func TestFreshLaunchProvisionalGrant(t *testing.T) {
	svc, st, _, _ := newTestService(t, quietly)

	require.NoError(t, svc.Setup(context.Background()))

	snap := st.Snapshot()
	assert.Equal(t, []cell{
		{0, 0, model.RowFillSurvey},
		{1, 0, model.RowAuthorizationStatus},
		{1, 1, model.RowRequestAuthorization},
		{2, 0, model.RowReminder},
	}, layout(snap.Rows))

	require.NotNil(t, snap.Survey)
	assert.Equal(t, "https://coronaisrael.org/en/", snap.Survey.URL)
	require.NotNil(t, snap.Authorization)
	assert.Equal(t, notify.StatusProvisional, snap.Authorization.Settings.Status)
	require.NotNil(t, snap.Reminder)
	assert.Equal(t, service.DefaultReminderHour, snap.Reminder.Request.Trigger.Hour)
	assert.Equal(t, service.DefaultReminderMinute, snap.Reminder.Request.Trigger.Minute)
}

func TestFreshLaunchNoQuietGrant(t *testing.T) {
	svc, st, capability, _ := newTestService(t, undecided(notify.StatusAuthorized))

	require.NoError(t, svc.Setup(context.Background()))

	snap := st.Snapshot()
	assert.Equal(t, []cell{
		{0, 0, model.RowFillSurvey},
		{1, 0, model.RowAuthorizationStatus},
		{1, 1, model.RowRequestAuthorization},
	}, layout(snap.Rows))
	assert.Equal(t, notify.StatusNotDetermined, snap.Authorization.Settings.Status)
	assert.Zero(t, capability.scheduleCalls)
}

func TestGrantAuthorization(t *testing.T) {
	svc, st, capability, _ := newTestService(t, undecided(notify.StatusAuthorized))
	ctx := context.Background()

	require.NoError(t, svc.Setup(ctx))

	// The user taps the request-authorization row.
	granted, err := capability.RequestAuthorization(ctx, notify.Options{Alert: true, Sound: true})
	require.NoError(t, err)
	assert.True(t, granted)
	require.NoError(t, svc.RefreshAuthorization(ctx))

	snap := st.Snapshot()
	assert.Equal(t, []cell{
		{0, 0, model.RowFillSurvey},
		{1, 0, model.RowAuthorizationStatus},
		{2, 0, model.RowReminder},
	}, layout(snap.Rows))

	assert.Equal(t, 1, capability.scheduleCalls)
	assert.Equal(t, service.DefaultReminderHour, capability.lastScheduled.Trigger.Hour)
	assert.Equal(t, service.DefaultReminderMinute, capability.lastScheduled.Trigger.Minute)
	assert.True(t, capability.Pending(snap.Reminder.Request.ID))
}

func TestDenyAuthorization(t *testing.T) {
	svc, st, capability, _ := newTestService(t, undecided(notify.StatusDenied))
	ctx := context.Background()

	require.NoError(t, svc.Setup(ctx))

	granted, err := capability.RequestAuthorization(ctx, notify.Options{Alert: true, Sound: true})
	require.NoError(t, err)
	assert.False(t, granted)
	require.NoError(t, svc.RefreshAuthorization(ctx))

	snap := st.Snapshot()
	assert.Equal(t, []cell{
		{0, 0, model.RowFillSurvey},
		{1, 0, model.RowAuthorizationStatus},
		{1, 1, model.RowOpenNotificationSettings},
	}, layout(snap.Rows))

	assert.Zero(t, capability.scheduleCalls)
	assert.GreaterOrEqual(t, capability.unscheduleCalls, 1)
	assert.False(t, capability.Pending(snap.Reminder.Request.ID))
}

func TestEditReminderTime(t *testing.T) {
	svc, st, capability, _ := newTestService(t, quietly)
	ctx := context.Background()

	require.NoError(t, svc.Setup(ctx))
	// Upgrade to full authorization so the reminder section is live.
	_, err := capability.RequestAuthorization(ctx, notify.Options{Alert: true, Sound: true})
	require.NoError(t, err)
	require.NoError(t, svc.RefreshAuthorization(ctx))

	oldRequest := st.Snapshot().Reminder.Request

	require.NoError(t, svc.SetReminderEditMode(ctx, true))
	snap := st.Snapshot()
	assert.Contains(t, layout(snap.Rows), cell{2, 1, model.RowReminderTimeSelection})

	// Watch the commit stream across the time change: the reminder row must
	// surface as an update, never as a move or delete+insert.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := st.Observe(streamCtx)

	require.NoError(t, svc.UpdateReminder(ctx, 7, 30))

	snap = st.Snapshot()
	assert.NotEqual(t, oldRequest.ID, snap.Reminder.Request.ID)
	assert.Equal(t, 7, snap.Reminder.Request.Trigger.Hour)
	assert.Equal(t, 30, snap.Reminder.Request.Trigger.Minute)
	assert.False(t, capability.Pending(oldRequest.ID))
	assert.True(t, capability.Pending(snap.Reminder.Request.ID))

	select {
	case batch := <-stream.Events():
		for _, c := range batch.Changes {
			assert.Equal(t, store.ChangeUpdate, c.Kind, "time change produced %s", c.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no batch for reminder time change")
	}

	require.NoError(t, svc.SetReminderEditMode(ctx, false))
	assert.NotContains(t, layout(st.Snapshot().Rows), cell{2, 1, model.RowReminderTimeSelection})
}

func TestUpdateReminderValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t, quietly)
	ctx := context.Background()
	require.NoError(t, svc.Setup(ctx))

	assert.Error(t, svc.UpdateReminder(ctx, 24, 0))
	assert.Error(t, svc.UpdateReminder(ctx, -1, 0))
	assert.Error(t, svc.UpdateReminder(ctx, 12, 60))
}

func TestOpenSurvey(t *testing.T) {
	svc, st, _, adapter := newTestService(t, quietly)
	ctx := context.Background()

	require.NoError(t, svc.Setup(ctx))

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := st.Observe(streamCtx)

	url, err := svc.OpenSurvey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://coronaisrael.org/en/", url)
	assert.Equal(t, []string{"https://coronaisrael.org/en/"}, adapter.openedURLs)

	snap := st.Snapshot()
	require.NotNil(t, snap.Survey.LastOpened)
	first := *snap.Survey.LastOpened

	select {
	case batch := <-stream.Events():
		require.Len(t, batch.Changes, 1)
		assert.Equal(t, store.ChangeUpdate, batch.Changes[0].Kind)
		assert.Equal(t, model.RowFillSurvey, batch.Changes[0].Type)
	case <-time.After(time.Second):
		t.Fatal("no update event for survey open")
	}

	// lastOpened only moves forward.
	_, err = svc.OpenSurvey(ctx)
	require.NoError(t, err)
	second := *st.Snapshot().Survey.LastOpened
	assert.True(t, second.After(first), "lastOpened did not increase: %v then %v", first, second)
}

func TestForegroundRevocation(t *testing.T) {
	svc, st, capability, _ := newTestService(t, quietly)
	ctx := context.Background()

	require.NoError(t, svc.Setup(ctx))
	_, err := capability.RequestAuthorization(ctx, notify.Options{Alert: true, Sound: true})
	require.NoError(t, err)
	require.NoError(t, svc.RefreshAuthorization(ctx))
	requestID := st.Snapshot().Reminder.Request.ID
	require.True(t, capability.Pending(requestID))

	// The user flips notifications off in the system settings, then the app
	// comes back to the foreground.
	capability.SetAuthorizationStatus(notify.StatusDenied)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := st.Observe(streamCtx)

	require.NoError(t, svc.RefreshAuthorization(ctx))

	snap := st.Snapshot()
	assert.Equal(t, []cell{
		{0, 0, model.RowFillSurvey},
		{1, 0, model.RowAuthorizationStatus},
		{1, 1, model.RowOpenNotificationSettings},
	}, layout(snap.Rows))
	assert.False(t, capability.Pending(requestID))

	select {
	case batch := <-stream.Events():
		assert.Equal(t, []int{2}, batch.SectionDeletes)

		var deleted, inserted []model.RowType
		for _, c := range batch.Changes {
			switch c.Kind {
			case store.ChangeDelete:
				deleted = append(deleted, c.Type)
			case store.ChangeInsert:
				inserted = append(inserted, c.Type)
			}
		}
		assert.Contains(t, deleted, model.RowReminder)
		assert.Contains(t, inserted, model.RowOpenNotificationSettings)
	case <-time.After(time.Second):
		t.Fatal("no batch for revocation refresh")
	}
}

// TestScheduleStateLaw: after any refresh or reminder mutation, the request
// is pending exactly while the status allows delivery.
func TestScheduleStateLaw(t *testing.T) {
	svc, st, capability, _ := newTestService(t, quietly)
	ctx := context.Background()

	check := func() {
		t.Helper()
		snap := st.Snapshot()
		wantPending := snap.Authorization.Settings.Status.Granted()
		assert.Equal(t, wantPending, capability.Pending(snap.Reminder.Request.ID))
	}

	require.NoError(t, svc.Setup(ctx))
	require.NoError(t, svc.RefreshAuthorization(ctx))
	check()

	require.NoError(t, svc.UpdateReminder(ctx, 9, 15))
	check()

	capability.SetAuthorizationStatus(notify.StatusDenied)
	require.NoError(t, svc.RefreshAuthorization(ctx))
	check()

	require.NoError(t, svc.UpdateReminder(ctx, 21, 45))
	check()

	capability.SetAuthorizationStatus(notify.StatusAuthorized)
	require.NoError(t, svc.RefreshAuthorization(ctx))
	check()

	require.NoError(t, svc.SetReminderEditMode(ctx, true))
	check()
}

func TestSetupIsRepeatable(t *testing.T) {
	svc, st, _, _ := newTestService(t, quietly)
	ctx := context.Background()

	require.NoError(t, svc.Setup(ctx))
	first := st.Snapshot()
	require.NoError(t, svc.Setup(ctx))
	second := st.Snapshot()

	// Singletons, not duplicates.
	assert.Equal(t, first.Survey.ID, second.Survey.ID)
	assert.Equal(t, first.Authorization.ID, second.Authorization.ID)
	assert.Equal(t, first.Reminder.ID, second.Reminder.ID)
	assert.Equal(t, layout(first.Rows), layout(second.Rows))
}
