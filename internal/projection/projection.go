// Package projection derives the row set from the domain entities.
//
// Rebuild is the display policy in one place: given whatever the current
// Survey, AuthorizationRecord and Reminder look like, it mutates the store's
// rows — inside the caller's transaction — until they match the target
// layout. It never computes a diff itself; the store's change stream does
// that by comparing committed states. Because the rewrite happens in the
// same transaction as the entity mutations, readers never observe a
// transient empty or half-built list.
package projection

import (
	"time"

	"github.com/sakif/daily-survey/internal/model"
	"github.com/sakif/daily-survey/internal/notify"
	"github.com/sakif/daily-survey/internal/store"
)

// target is one desired row: who owns it, what it renders as, where it sits.
type target struct {
	ownerID   string
	ownerKind model.OwnerKind
	rowType   model.RowType
	section   int
	index     int
	updatedAt time.Time // owner's stamp; becomes the row's LastModified
}

// Rebuild rewrites the row set to match the current entity state.
//
// Rows are matched by (owner, type) and reused: an existing match keeps its
// identity and is repositioned or touched rather than deleted and recreated,
// so the renderer sees moves and updates instead of churn. Running Rebuild
// twice over unchanged entities writes nothing the second time.
func Rebuild(tx *store.Tx) error {
	survey, err := tx.Survey()
	if err != nil {
		return err
	}
	auth, err := tx.Authorization()
	if err != nil {
		return err
	}
	reminder, err := tx.Reminder()
	if err != nil {
		return err
	}

	targets := computeTargets(survey, auth, reminder)

	rows, err := tx.Rows()
	if err != nil {
		return err
	}

	type ownerType struct {
		ownerID string
		rowType model.RowType
	}
	existing := make(map[ownerType]model.Row, len(rows))
	for _, r := range rows {
		existing[ownerType{r.OwnerID, r.Type}] = r
	}

	// Deletes first: a row type vacating a position must be gone before
	// another type is inserted there, or UNIQUE(section, row) trips inside
	// the transaction.
	wanted := make(map[ownerType]bool, len(targets))
	for _, tg := range targets {
		wanted[ownerType{tg.ownerID, tg.rowType}] = true
	}
	for _, r := range rows {
		if !wanted[ownerType{r.OwnerID, r.Type}] {
			if err := tx.DeleteRow(r.ID); err != nil {
				return err
			}
		}
	}

	for _, tg := range targets {
		row, ok := existing[ownerType{tg.ownerID, tg.rowType}]
		if !ok {
			row = model.Row{
				OwnerID:      tg.ownerID,
				OwnerKind:    tg.ownerKind,
				Type:         tg.rowType,
				Section:      tg.section,
				Index:        tg.index,
				LastModified: tg.updatedAt,
			}
			if err := tx.PutRow(&row); err != nil {
				return err
			}
			continue
		}

		moved := row.Section != tg.section || row.Index != tg.index
		touched := tg.updatedAt.After(row.LastModified)
		if !moved && !touched {
			continue
		}
		row.Section = tg.section
		row.Index = tg.index
		if touched {
			row.LastModified = tg.updatedAt
		}
		if err := tx.PutRow(&row); err != nil {
			return err
		}
	}
	return nil
}

// computeTargets encodes the display policy:
//
//	section 0: the survey row, always (when the survey exists).
//	section 1: the status row, plus one auxiliary row driven by the
//	           authorization status — ask for permission while it can still
//	           be granted in-app, point at the system settings once denied,
//	           nothing once fully authorized.
//	section 2: the reminder row only while notifications may actually fire,
//	           plus the time picker while the user is editing.
func computeTargets(survey *model.Survey, auth *model.AuthorizationRecord, reminder *model.Reminder) []target {
	var targets []target

	if survey != nil {
		targets = append(targets, target{
			ownerID:   survey.ID,
			ownerKind: model.OwnerSurvey,
			rowType:   model.RowFillSurvey,
			section:   model.SectionSurvey,
			index:     0,
			updatedAt: survey.UpdatedAt,
		})
	}

	granted := false
	if auth != nil {
		status := auth.Settings.Status
		granted = status.Granted()

		targets = append(targets, target{
			ownerID:   auth.ID,
			ownerKind: model.OwnerAuthorization,
			rowType:   model.RowAuthorizationStatus,
			section:   model.SectionNotifications,
			index:     0,
			updatedAt: auth.UpdatedAt,
		})

		switch status {
		case notify.StatusNotDetermined, notify.StatusProvisional:
			// Permission can still be requested (or upgraded) in-app.
			targets = append(targets, target{
				ownerID:   auth.ID,
				ownerKind: model.OwnerAuthorization,
				rowType:   model.RowRequestAuthorization,
				section:   model.SectionNotifications,
				index:     1,
				updatedAt: auth.UpdatedAt,
			})
		case notify.StatusDenied:
			// Only the system settings can undo a denial.
			targets = append(targets, target{
				ownerID:   auth.ID,
				ownerKind: model.OwnerAuthorization,
				rowType:   model.RowOpenNotificationSettings,
				section:   model.SectionNotifications,
				index:     1,
				updatedAt: auth.UpdatedAt,
			})
		}
	}

	if reminder != nil && granted {
		targets = append(targets, target{
			ownerID:   reminder.ID,
			ownerKind: model.OwnerReminder,
			rowType:   model.RowReminder,
			section:   model.SectionReminder,
			index:     0,
			updatedAt: reminder.UpdatedAt,
		})
		if reminder.IsBeingEdited {
			targets = append(targets, target{
				ownerID:   reminder.ID,
				ownerKind: model.OwnerReminder,
				rowType:   model.RowReminderTimeSelection,
				section:   model.SectionReminder,
				index:     1,
				updatedAt: reminder.UpdatedAt,
			})
		}
	}

	return targets
}
