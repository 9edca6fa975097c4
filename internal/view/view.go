// Package view declares the contract a renderer implements. The core calls
// out through it; it never knows what actually presents a URL.
package view

import (
	"context"
	"log/slog"
)

// Adapter is implemented by whatever front end displays the survey.
//
// OpenURL presents the survey site; it returns once the presentation is
// dismissed or has failed. OpenSystemSettings navigates the user to the
// platform's notification settings.
type Adapter interface {
	OpenURL(ctx context.Context, url string) error
	OpenSystemSettings(ctx context.Context) error
}

// LogAdapter is the headless renderer: it records what a UI would have done.
// The HTTP surface hands the URL back to its client instead, so logging is
// all that is left to do here.
type LogAdapter struct {
	Logger *slog.Logger
}

func (a *LogAdapter) OpenURL(_ context.Context, url string) error {
	a.Logger.Info("survey opened", slog.String("url", url))
	return nil
}

func (a *LogAdapter) OpenSystemSettings(_ context.Context) error {
	a.Logger.Info("system notification settings requested")
	return nil
}
