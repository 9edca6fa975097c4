package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// LogSender writes delivered notifications to the application log. It is the
// default delivery path when no remote sender is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, title, body string) error {
	s.Logger.Info("notification delivered",
		slog.String("title", title),
		slog.String("body", body))
	return nil
}

// PushoverSender delivers notifications through the Pushover message API, so
// reminders reach the user's devices even though this process has no UI.
type PushoverSender struct {
	Token string
	User  string
}

const pushoverAPI = "https://api.pushover.net/1/messages.json"

func (s *PushoverSender) Send(ctx context.Context, title, body string) error {
	params := url.Values{}
	params.Set("token", s.Token)
	params.Set("user", s.User)
	params.Set("title", title)
	params.Set("message", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pushoverAPI,
		strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("pushover api error: status %s, body %s", resp.Status, string(payload))
	}
	return nil
}
