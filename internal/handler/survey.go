// Package handler exposes the core over a local HTTP API. It plays the role
// of the table-view controller: it renders the committed row set, translates
// taps into operations, and relays the change stream to the client.
package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/daily-survey/internal/model"
	"github.com/sakif/daily-survey/internal/notify"
	"github.com/sakif/daily-survey/internal/service"
	"github.com/sakif/daily-survey/internal/store"
	"github.com/sakif/daily-survey/internal/view"
)

// SurveyHandler handles the row list, tap dispatch and event stream.
type SurveyHandler struct {
	svc    *service.SurveyService
	store  *store.Store
	center notify.Capability
	view   view.Adapter
	logger *slog.Logger
}

// NewSurveyHandler creates a SurveyHandler.
func NewSurveyHandler(svc *service.SurveyService, st *store.Store,
	center notify.Capability, adapter view.Adapter, logger *slog.Logger) *SurveyHandler {
	return &SurveyHandler{
		svc:    svc,
		store:  st,
		center: center,
		view:   adapter,
		logger: logger,
	}
}

// RowPayload is one rendered cell.
type RowPayload struct {
	Section  int    `json:"section"`
	Row      int    `json:"row"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Tappable bool   `json:"tappable"`
	URL      string `json:"url,omitempty"`
	Status   string `json:"status,omitempty"`
	Hour     *int   `json:"hour,omitempty"`
	Minute   *int   `json:"minute,omitempty"`
}

// HandleRows returns the committed row set in (section, row) order, each row
// joined with its owner's display state.
func (h *SurveyHandler) HandleRows(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()

	payload := make([]RowPayload, 0, len(snap.Rows))
	for _, row := range snap.Rows {
		payload = append(payload, renderRow(snap, row))
	}
	writeJSON(w, http.StatusOK, payload)
}

// renderRow fills the cell content the way the original table view did.
func renderRow(snap store.Snapshot, row model.Row) RowPayload {
	p := RowPayload{
		Section: row.Section,
		Row:     row.Index,
		Type:    row.Type.String(),
	}

	switch row.Type {
	case model.RowFillSurvey:
		p.Title = "Fill Survey"
		if snap.Survey != nil {
			p.URL = snap.Survey.URL
			p.Tappable = snap.Survey.URL != ""
			if snap.Survey.LastOpened != nil {
				p.Subtitle = "Last opened: " + snap.Survey.LastOpened.Format("January 2, 2006")
			}
		}
	case model.RowAuthorizationStatus:
		if snap.Authorization != nil {
			status := snap.Authorization.Settings.Status
			p.Status = status.String()
			switch status {
			case notify.StatusAuthorized:
				p.Title = "Notifications Enabled"
			case notify.StatusProvisional:
				p.Title = "Silent Notifications Enabled"
			default:
				p.Title = "Notifications Disabled"
			}
		}
	case model.RowRequestAuthorization:
		p.Title = "Enable Notifications"
		p.Tappable = true
	case model.RowOpenNotificationSettings:
		p.Title = "Open Notification Settings"
		p.Tappable = true
	case model.RowReminder:
		p.Title = "Daily Reminder"
		if snap.Reminder != nil {
			t := snap.Reminder.Request.Trigger
			p.Subtitle = fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
			hour, minute := t.Hour, t.Minute
			p.Hour, p.Minute = &hour, &minute
		}
	case model.RowReminderTimeSelection:
		p.Title = "Pick a time"
		if snap.Reminder != nil {
			hour, minute := snap.Reminder.Request.Trigger.Hour, snap.Reminder.Request.Trigger.Minute
			p.Hour, p.Minute = &hour, &minute
		}
	}
	return p
}

// HandleTap dispatches a tap on the cell at (section, row).
func (h *SurveyHandler) HandleTap(w http.ResponseWriter, r *http.Request) {
	section, err := strconv.Atoi(chi.URLParam(r, "section"))
	if err != nil {
		http.Error(w, "invalid section", http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		http.Error(w, "invalid row", http.StatusBadRequest)
		return
	}

	snap := h.store.Snapshot()
	var tapped *model.Row
	for i := range snap.Rows {
		if snap.Rows[i].Section == section && snap.Rows[i].Index == index {
			tapped = &snap.Rows[i]
			break
		}
	}
	if tapped == nil {
		http.Error(w, "no row at that position", http.StatusNotFound)
		return
	}

	switch tapped.Type {
	case model.RowFillSurvey:
		url, err := h.svc.OpenSurvey(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})

	case model.RowRequestAuthorization:
		granted, err := h.center.RequestAuthorization(r.Context(), notify.Options{
			Alert: true,
			Sound: true,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if err := h.svc.RefreshAuthorization(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})

	case model.RowOpenNotificationSettings:
		if err := h.view.OpenSystemSettings(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		// Status, reminder and picker rows don't react to plain taps.
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleReminderTime sets the reminder's daily trigger time.
func (h *SurveyHandler) HandleReminderTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hour   int `json:"hour"`
		Minute int `json:"minute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.svc.UpdateReminder(r.Context(), req.Hour, req.Minute); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReminderEditing toggles the time-picker row.
func (h *SurveyHandler) HandleReminderEditing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Editing bool `json:"editing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.svc.SetReminderEditMode(r.Context(), req.Editing); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRefresh is the "app became active" trigger: re-capture the
// authorization snapshot and reconcile.
func (h *SurveyHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RefreshAuthorization(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams change batches as server-sent events, one event per
// commit, in commit order. The client renders GET /api/rows first, then
// applies batches as they arrive.
func (h *SurveyHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := h.store.Observe(r.Context())
	for batch := range stream.Events() {
		data, err := json.Marshal(batch)
		if err != nil {
			h.logger.Error("failed to encode change batch", slog.String("error", err.Error()))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}
