package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DecisionFunc decides the outcome of an authorization request when the
// current status is StatusNotDetermined. A provisional request is typically
// answered with StatusProvisional (granted quietly); an alerting request is
// answered by the user with StatusAuthorized or StatusDenied.
type DecisionFunc func(opts Options) AuthorizationStatus

// Sender delivers a fired notification somewhere the user can see it.
type Sender interface {
	Send(ctx context.Context, title, body string) error
}

// DeliveryFunc is invoked on the delivery goroutine each time a scheduled
// request fires. The application uses it as the "notification delivered while
// foregrounded" trigger.
type DeliveryFunc func(req Request)

// Center is an in-process notification center: it owns the authorization
// state, the set of pending recurring requests, and a delivery loop that
// fires each request daily at its trigger time.
//
// EVENT-DRIVEN DELIVERY LOOP:
// Rather than polling, Run keeps a single timer armed for the earliest
// pending trigger and re-arms it whenever the pending set changes (signalled
// through a non-blocking refresh channel). One timer, no busy loop.
type Center struct {
	mu        sync.Mutex
	settings  Settings
	pending   map[string]Request
	delivered map[string]Request

	decide    DecisionFunc
	sender    Sender
	onDeliver DeliveryFunc

	refresh chan struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// NewCenter creates a Center with StatusNotDetermined and no pending
// requests. decide may be nil, in which case every request is granted
// (provisionally when asked for).
func NewCenter(decide DecisionFunc, sender Sender, logger *slog.Logger) *Center {
	if decide == nil {
		decide = func(opts Options) AuthorizationStatus {
			if opts.Provisional {
				return StatusProvisional
			}
			return StatusAuthorized
		}
	}
	return &Center{
		settings:  Settings{Status: StatusNotDetermined},
		pending:   make(map[string]Request),
		delivered: make(map[string]Request),
		decide:    decide,
		sender:    sender,
		refresh:   make(chan struct{}, 1),
		logger:    logger,
		now:       time.Now,
	}
}

// SetDeliveryHandler registers fn to run whenever a request fires.
// Must be called before Run.
func (c *Center) SetDeliveryHandler(fn DeliveryFunc) {
	c.onDeliver = fn
}

// GetSettings returns the current settings snapshot. Never fails.
func (c *Center) GetSettings(_ context.Context) Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// RequestAuthorization resolves a permission request. If the status is
// already determined the existing decision stands; otherwise the decision
// function is consulted and the resulting status recorded. The returned bool
// reports whether notifications are now allowed.
func (c *Center) RequestAuthorization(_ context.Context, opts Options) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settings.Status == StatusNotDetermined ||
		(c.settings.Status == StatusProvisional && !opts.Provisional) {
		status := c.decide(opts)
		c.settings = Settings{
			Status: status,
			Alert:  opts.Alert && status == StatusAuthorized,
			Sound:  opts.Sound && status == StatusAuthorized,
			Badge:  opts.Badge && status == StatusAuthorized,
		}
	}
	return c.settings.Status.Granted(), nil
}

// SetAuthorizationStatus overrides the authorization status, the way the
// system settings app would behind the process's back. The next GetSettings
// snapshot observes the change.
func (c *Center) SetAuthorizationStatus(status AuthorizationStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Status = status
	if !status.Granted() {
		c.settings.Alert = false
		c.settings.Sound = false
		c.settings.Badge = false
	}
}

// CreateRecurringRequest builds a daily recurring request. Pure.
func (c *Center) CreateRecurringRequest(hour, minute int) Request {
	return NewRequest("Daily survey", "Time to fill out today's health survey.", hour, minute)
}

// Schedule adds req to the pending set. Scheduling an already-pending
// identifier is a no-op.
func (c *Center) Schedule(_ context.Context, req Request) error {
	c.mu.Lock()
	if _, ok := c.pending[req.ID]; !ok {
		c.pending[req.ID] = req
	}
	c.mu.Unlock()
	c.signal()
	return nil
}

// Unschedule removes req from the pending set and drops any delivered
// notifications with the same identifier. Idempotent.
func (c *Center) Unschedule(_ context.Context, req Request) error {
	c.mu.Lock()
	delete(c.pending, req.ID)
	delete(c.delivered, req.ID)
	c.mu.Unlock()
	c.signal()
	return nil
}

// Pending reports whether the request identifier is currently scheduled.
func (c *Center) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Delivered reports whether a notification with the identifier has fired and
// not been removed.
func (c *Center) Delivered(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.delivered[id]
	return ok
}

func (c *Center) signal() {
	select {
	case c.refresh <- struct{}{}:
	default:
		// A refresh is already queued; the loop will re-read the pending set.
	}
}

// Run drives the delivery loop until ctx is cancelled.
func (c *Center) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		next, ok := c.nextFire()
		if ok {
			d := next.Sub(c.now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			if c.logger != nil {
				c.logger.Debug("next reminder armed",
					slog.Time("at", next))
			}
		}

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			return
		case <-c.refresh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			c.fireDue(ctx)
		}
	}
}

// nextFire returns the earliest upcoming trigger among pending requests.
func (c *Center) nextFire() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next time.Time
	now := c.now()
	for _, req := range c.pending {
		at := nextOccurrence(now, req.Trigger)
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, !next.IsZero()
}

// fireDue delivers every pending request whose trigger time has arrived.
// Recurring requests stay pending and fire again the next day.
func (c *Center) fireDue(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var due []Request
	for _, req := range c.pending {
		at := time.Date(now.Year(), now.Month(), now.Day(),
			req.Trigger.Hour, req.Trigger.Minute, 0, 0, now.Location())
		if !now.Before(at) {
			due = append(due, req)
			c.delivered[req.ID] = req
		}
	}
	c.mu.Unlock()

	for _, req := range due {
		if c.logger != nil {
			c.logger.Info("reminder fired",
				slog.String("id", req.ID),
				slog.Int("hour", req.Trigger.Hour),
				slog.Int("minute", req.Trigger.Minute))
		}
		if c.sender != nil {
			if err := c.sender.Send(ctx, req.Title, req.Body); err != nil && c.logger != nil {
				c.logger.Error("reminder delivery failed",
					slog.String("id", req.ID),
					slog.String("error", err.Error()))
			}
		}
		if c.onDeliver != nil {
			c.onDeliver(req)
		}
	}
}

// nextOccurrence computes the next time the trigger fires strictly after now:
// today at hour:minute if that is still ahead, otherwise the same time
// tomorrow. Uses the calendar, so it stays correct across DST changes.
func nextOccurrence(now time.Time, t Trigger) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour, t.Minute, 0, 0, now.Location())
	if at.After(now) {
		return at
	}
	return time.Date(now.Year(), now.Month(), now.Day()+1,
		t.Hour, t.Minute, 0, 0, now.Location())
}
