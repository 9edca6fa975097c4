// Package service contains the operation layer: each public method is one
// logical operation composing store transactions with notification-
// capability calls.
//
// CONCURRENCY CONTRACT:
// Every operation runs its whole body — entity mutations, capability calls,
// the projection rewrite — inside a single store.Transact. The store's
// writer goroutine serializes those bodies, so operations are totally
// ordered and at most one is ever in flight, with no locking here and none
// required of callers. Capability calls therefore happen on the writer's
// goroutine too; they are in-process and quick.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/daily-survey/internal/apperror"
	"github.com/sakif/daily-survey/internal/model"
	"github.com/sakif/daily-survey/internal/notify"
	"github.com/sakif/daily-survey/internal/projection"
	"github.com/sakif/daily-survey/internal/store"
	"github.com/sakif/daily-survey/internal/view"
)

// The reminder defaults to noon until the user picks a time.
const (
	DefaultReminderHour   = 12
	DefaultReminderMinute = 0
)

// FallbackLanguage is used when the configured language has no survey URL.
const FallbackLanguage = "en"

// SurveyService orchestrates the survey, authorization and reminder state.
type SurveyService struct {
	store    *store.Store
	center   notify.Capability
	view     view.Adapter
	language string
	urls     map[string]string
	logger   *slog.Logger
	now      func() time.Time
}

// NewSurveyService wires the orchestrator. urls maps language codes to
// survey URLs; language is the user's language code.
func NewSurveyService(st *store.Store, center notify.Capability, adapter view.Adapter,
	language string, urls map[string]string, logger *slog.Logger) *SurveyService {
	return &SurveyService{
		store:    st,
		center:   center,
		view:     adapter,
		language: language,
		urls:     urls,
		logger:   logger,
		now:      time.Now,
	}
}

// surveyURL resolves the survey URL for the configured language, falling
// back to English. Empty when neither entry exists; the survey row is then
// rendered non-interactive.
func (s *SurveyService) surveyURL() string {
	if url, ok := s.urls[s.language]; ok {
		return url
	}
	return s.urls[FallbackLanguage]
}

// Setup is the app-launch operation: it creates the missing singletons,
// assigns the survey URL, requests provisional authorization if the user has
// never been asked, and projects the rows — all in one transaction.
func (s *SurveyService) Setup(ctx context.Context) error {
	return s.store.Transact(ctx, func(tx *store.Tx) error {
		now := tx.Now()

		survey, err := tx.Survey()
		if err != nil {
			return err
		}
		if survey == nil {
			survey = &model.Survey{}
		}
		survey.URL = s.surveyURL()
		survey.UpdatedAt = now
		if err := tx.PutSurvey(survey); err != nil {
			return err
		}

		settings := s.center.GetSettings(ctx)
		if settings.Status == notify.StatusNotDetermined {
			// Ask quietly on first launch; a provisional grant delivers
			// reminders without ever showing a permission prompt.
			if _, err := s.center.RequestAuthorization(ctx, notify.Options{
				Alert:       true,
				Sound:       true,
				Provisional: true,
			}); err != nil {
				return apperror.Permission(err)
			}
			settings = s.center.GetSettings(ctx)
		}

		auth, err := tx.Authorization()
		if err != nil {
			return err
		}
		if auth == nil {
			auth = &model.AuthorizationRecord{}
		}
		auth.Settings = settings
		auth.UpdatedAt = now
		if err := tx.PutAuthorization(auth); err != nil {
			return err
		}

		reminder, err := tx.Reminder()
		if err != nil {
			return err
		}
		if reminder == nil {
			reminder = &model.Reminder{
				Request: s.center.CreateRecurringRequest(DefaultReminderHour, DefaultReminderMinute),
			}
			reminder.UpdatedAt = now
			if err := tx.PutReminder(reminder); err != nil {
				return err
			}
		}

		s.logger.Info("setup complete",
			slog.String("status", settings.Status.String()),
			slog.Bool("surveyURL", survey.URL != ""))

		return projection.Rebuild(tx)
	})
}

// RefreshAuthorization is the app-became-active operation: it captures a
// fresh settings snapshot, reconciles the reminder's scheduled state against
// it, and projects.
func (s *SurveyService) RefreshAuthorization(ctx context.Context) error {
	return s.store.Transact(ctx, func(tx *store.Tx) error {
		now := tx.Now()

		settings := s.center.GetSettings(ctx)

		auth, err := tx.Authorization()
		if err != nil {
			return err
		}
		if auth == nil {
			return apperror.NotFound("authorization record")
		}
		if auth.Settings != settings {
			auth.Settings = settings
			auth.UpdatedAt = now
			if err := tx.PutAuthorization(auth); err != nil {
				return err
			}
		}

		reminder, err := tx.Reminder()
		if err != nil {
			return err
		}
		if reminder != nil {
			if err := s.syncSchedule(ctx, reminder, settings); err != nil {
				return err
			}
		}

		return projection.Rebuild(tx)
	})
}

// UpdateReminder replaces the recurring request with one firing daily at
// (hour, minute), reconciles the scheduled state, and projects.
func (s *SurveyService) UpdateReminder(ctx context.Context, hour, minute int) error {
	if hour < 0 || hour > 23 {
		return apperror.ValidationFailed("hour", "hour must be between 0 and 23")
	}
	if minute < 0 || minute > 59 {
		return apperror.ValidationFailed("minute", "minute must be between 0 and 59")
	}

	return s.store.Transact(ctx, func(tx *store.Tx) error {
		now := tx.Now()

		reminder, err := tx.Reminder()
		if err != nil {
			return err
		}
		if reminder == nil {
			return apperror.NotFound("reminder")
		}

		if err := s.center.Unschedule(ctx, reminder.Request); err != nil {
			return apperror.Permission(err)
		}
		reminder.Request = s.center.CreateRecurringRequest(hour, minute)
		reminder.UpdatedAt = now
		if err := tx.PutReminder(reminder); err != nil {
			return err
		}

		auth, err := tx.Authorization()
		if err != nil {
			return err
		}
		if auth == nil {
			return apperror.NotFound("authorization record")
		}
		if err := s.syncSchedule(ctx, reminder, auth.Settings); err != nil {
			return err
		}

		s.logger.Info("reminder time updated",
			slog.Int("hour", hour), slog.Int("minute", minute))

		return projection.Rebuild(tx)
	})
}

// SetReminderEditMode toggles the time picker row.
func (s *SurveyService) SetReminderEditMode(ctx context.Context, editing bool) error {
	return s.store.Transact(ctx, func(tx *store.Tx) error {
		now := tx.Now()

		reminder, err := tx.Reminder()
		if err != nil {
			return err
		}
		if reminder == nil {
			return apperror.NotFound("reminder")
		}
		if reminder.IsBeingEdited == editing {
			return nil
		}
		reminder.IsBeingEdited = editing
		reminder.UpdatedAt = now
		if err := tx.PutReminder(reminder); err != nil {
			return err
		}

		auth, err := tx.Authorization()
		if err != nil {
			return err
		}
		if auth == nil {
			return apperror.NotFound("authorization record")
		}
		if err := s.syncSchedule(ctx, reminder, auth.Settings); err != nil {
			return err
		}

		return projection.Rebuild(tx)
	})
}

// OpenSurvey hands the survey URL to the renderer and, once the
// presentation completes, stamps lastOpened. Returns the URL that was
// opened; empty when no URL is configured (the operation is then a no-op).
func (s *SurveyService) OpenSurvey(ctx context.Context) (string, error) {
	snap := s.store.Snapshot()
	if snap.Survey == nil {
		return "", apperror.NotFound("survey")
	}
	url := snap.Survey.URL
	if url == "" {
		return "", nil
	}

	if err := s.view.OpenURL(ctx, url); err != nil {
		return "", err
	}

	return url, s.UpdateLastOpened(ctx)
}

// UpdateLastOpened stamps the survey's lastOpened and projects; the fill-
// survey row emits an update event so the renderer refreshes its subtitle.
func (s *SurveyService) UpdateLastOpened(ctx context.Context) error {
	return s.store.Transact(ctx, func(tx *store.Tx) error {
		now := tx.Now()

		survey, err := tx.Survey()
		if err != nil {
			return err
		}
		if survey == nil {
			return apperror.NotFound("survey")
		}
		survey.LastOpened = &now
		survey.UpdatedAt = now
		if err := tx.PutSurvey(survey); err != nil {
			return err
		}

		return projection.Rebuild(tx)
	})
}

// syncSchedule enforces the schedule-state law: the request is pending with
// the notification subsystem exactly while the authorization status allows
// delivery. Schedule and Unschedule are idempotent, so no state tracking is
// needed here.
func (s *SurveyService) syncSchedule(ctx context.Context, reminder *model.Reminder, settings notify.Settings) error {
	if settings.Status.Granted() {
		if err := s.center.Schedule(ctx, reminder.Request); err != nil {
			return apperror.Permission(err)
		}
		return nil
	}
	if err := s.center.Unschedule(ctx, reminder.Request); err != nil {
		return apperror.Permission(err)
	}
	return nil
}
