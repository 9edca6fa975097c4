// Package notify wraps the notification subsystem behind a small capability
// interface.
//
// The rest of the application never talks to a concrete notification backend
// directly — it programs against the Capability interface defined here. That
// keeps the orchestration layer testable (tests inject a mock capability) and
// lets the backend be swapped: the in-process Center in this package, or
// nothing at all.
package notify

import (
	"context"

	"github.com/google/uuid"
)

// AuthorizationStatus is the user's standing notification-permission decision.
type AuthorizationStatus int

const (
	// StatusNotDetermined means the user has never been asked.
	StatusNotDetermined AuthorizationStatus = iota
	// StatusDenied means the user explicitly refused notifications.
	StatusDenied
	// StatusAuthorized means full, alerting notifications are allowed.
	StatusAuthorized
	// StatusProvisional means quiet notifications were granted without a prompt.
	StatusProvisional
	// StatusEphemeral covers transient app-clip style grants; reminders are
	// not scheduled against it.
	StatusEphemeral
)

// Granted reports whether the status allows reminders to be scheduled.
func (s AuthorizationStatus) Granted() bool {
	return s == StatusAuthorized || s == StatusProvisional
}

func (s AuthorizationStatus) String() string {
	switch s {
	case StatusNotDetermined:
		return "not_determined"
	case StatusDenied:
		return "denied"
	case StatusAuthorized:
		return "authorized"
	case StatusProvisional:
		return "provisional"
	case StatusEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// Settings is a snapshot of the notification subsystem's state at one moment.
// It is persisted as an opaque blob by the store; only the authorization
// status is interpreted by the core.
type Settings struct {
	Status AuthorizationStatus `json:"status"`
	Alert  bool                `json:"alert"`
	Sound  bool                `json:"sound"`
	Badge  bool                `json:"badge"`
}

// Options selects what an authorization request asks for.
// Provisional requests are granted quietly, without interrupting the user.
type Options struct {
	Alert       bool
	Sound       bool
	Badge       bool
	Provisional bool
}

// Trigger is a calendar trigger that repeats daily at a fixed local time.
type Trigger struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Request is a scheduled notification request. The identifier is assigned at
// creation time and is the unit of schedule/unschedule idempotence.
type Request struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	Trigger Trigger `json:"trigger"`
}

// Capability is the asynchronous facade over the notification subsystem.
//
// GetSettings never fails. RequestAuthorization fails only on a subsystem
// error — a plain denial is not an error, it is a valid settings snapshot
// with StatusDenied. Schedule and Unschedule are idempotent; Unschedule also
// removes already-delivered notifications carrying the same identifier.
type Capability interface {
	GetSettings(ctx context.Context) Settings
	RequestAuthorization(ctx context.Context, opts Options) (bool, error)
	CreateRecurringRequest(hour, minute int) Request
	Schedule(ctx context.Context, req Request) error
	Unschedule(ctx context.Context, req Request) error
}

// NewRequest builds a recurring request with a fresh unique identifier.
// Pure: it does not touch any scheduler state.
func NewRequest(title, body string, hour, minute int) Request {
	return Request{
		ID:      uuid.NewString(),
		Title:   title,
		Body:    body,
		Trigger: Trigger{Hour: hour, Minute: minute},
	}
}
