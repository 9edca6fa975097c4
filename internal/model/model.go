// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data — similar to classes in other
// languages, but without inheritance. Go favours composition over inheritance.
//
// Three singleton entities back the UI: Survey, AuthorizationRecord and
// Reminder. Each owns one or more Row records — the flat, ordered projection
// the renderer displays. Rows are derived state: the projection package
// rewrites them from the entities; nothing else creates them.
package model

import (
	"time"

	"github.com/sakif/daily-survey/internal/notify"
)

// Section indices are fixed by display policy.
const (
	SectionSurvey        = 0
	SectionNotifications = 1
	SectionReminder      = 2
)

// RowType tags what kind of cell a Row renders as.
type RowType int

const (
	RowFillSurvey RowType = iota
	RowAuthorizationStatus
	RowRequestAuthorization
	RowOpenNotificationSettings
	RowReminder
	RowReminderTimeSelection
)

func (t RowType) String() string {
	switch t {
	case RowFillSurvey:
		return "fill_survey"
	case RowAuthorizationStatus:
		return "authorization_status"
	case RowRequestAuthorization:
		return "request_authorization"
	case RowOpenNotificationSettings:
		return "open_notification_settings"
	case RowReminder:
		return "reminder"
	case RowReminderTimeSelection:
		return "reminder_time_selection"
	default:
		return "unknown"
	}
}

// OwnerKind identifies which entity table a Row's owner lives in.
type OwnerKind int

const (
	OwnerSurvey OwnerKind = iota
	OwnerAuthorization
	OwnerReminder
)

// Survey is the singleton pointing at the remote survey site.
// URL is empty when no entry matched the configured language; the survey row
// is then rendered non-interactive.
type Survey struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	LastOpened *time.Time `json:"lastOpened,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// AuthorizationRecord is the singleton holding the last captured notification
// settings snapshot. The snapshot is opaque to the store; only the
// authorization status inside it drives the projection.
type AuthorizationRecord struct {
	ID        string          `json:"id"`
	Settings  notify.Settings `json:"settings"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Reminder is the singleton holding the recurring notification request and
// the transient time-picker state.
type Reminder struct {
	ID            string         `json:"id"`
	Request       notify.Request `json:"request"`
	IsBeingEdited bool           `json:"isBeingEdited"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Row is one cell of the rendered list: a position, a type tag, and a
// back-reference to the entity whose state fills the cell. The owner side is
// a plain id, never a pointer — deleting an owner cascades to its rows
// through the store, so no strong cycle exists.
//
// LastModified is the move/update tiebreaker: a row observed at the same
// position with a newer stamp is an update, at a new position a move.
type Row struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	OwnerKind    OwnerKind `json:"ownerKind"`
	Type         RowType   `json:"type"`
	Section      int       `json:"section"`
	Index        int       `json:"row"`
	LastModified time.Time `json:"lastModified"`
}
