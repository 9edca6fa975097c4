// Package server is the composition root: it wires the store, the
// notification center, the orchestrator and the HTTP surface, and owns their
// lifecycles.
//
// DEPENDENCY CHAIN:
//
//	config → store.Open → notify.Center → service.SurveyService → handler
//
// Each layer only receives what it needs; the handler never touches the
// database, the service never touches HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/daily-survey/internal/config"
	"github.com/sakif/daily-survey/internal/handler"
	"github.com/sakif/daily-survey/internal/middleware"
	"github.com/sakif/daily-survey/internal/notify"
	"github.com/sakif/daily-survey/internal/service"
	"github.com/sakif/daily-survey/internal/store"
	"github.com/sakif/daily-survey/internal/view"
)

// Server owns the HTTP router and all core dependencies.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	center *notify.Center
	svc    *service.SurveyService
}

// New assembles the application from its configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var sender notify.Sender = &notify.LogSender{Logger: logger}
	if cfg.Notifications.Pushover.Token != "" && cfg.Notifications.Pushover.User != "" {
		sender = &notify.PushoverSender{
			Token: cfg.Notifications.Pushover.Token,
			User:  cfg.Notifications.Pushover.User,
		}
	}

	center := notify.NewCenter(decisionPolicy(cfg.Notifications.Decision), sender, logger)
	adapter := &view.LogAdapter{Logger: logger}
	svc := service.NewSurveyService(st, center, adapter,
		cfg.Survey.Language, cfg.Survey.URLs, logger)

	// A reminder firing while the process is up re-evaluates the scheduled
	// state; this process does not present it a second time.
	center.SetDeliveryHandler(func(req notify.Request) {
		if err := svc.UpdateReminder(context.Background(),
			req.Trigger.Hour, req.Trigger.Minute); err != nil {
			logger.Error("reminder re-evaluation failed", slog.String("error", err.Error()))
		}
	})

	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		logger: logger,
		store:  st,
		center: center,
		svc:    svc,
	}
	s.setupRoutes(adapter)
	return s, nil
}

// decisionPolicy maps the configured decision string onto an authorization
// outcome for prompts this headless process cannot show.
func decisionPolicy(decision string) notify.DecisionFunc {
	switch decision {
	case "grant":
		return func(notify.Options) notify.AuthorizationStatus {
			return notify.StatusAuthorized
		}
	case "deny":
		return func(notify.Options) notify.AuthorizationStatus {
			return notify.StatusDenied
		}
	default: // "provisional"
		return func(opts notify.Options) notify.AuthorizationStatus {
			if opts.Provisional {
				return notify.StatusProvisional
			}
			return notify.StatusAuthorized
		}
	}
}

func (s *Server) setupRoutes(adapter view.Adapter) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	h := handler.NewSurveyHandler(s.svc, s.store, s.center, adapter, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/rows", h.HandleRows)
		r.Post("/rows/{section}/{row}/tap", h.HandleTap)
		r.Post("/reminder/time", h.HandleReminderTime)
		r.Post("/reminder/editing", h.HandleReminderEditing)
		r.Post("/refresh", h.HandleRefresh)
		r.Get("/events", h.HandleEvents)
	})
}

// Start runs the application until SIGINT/SIGTERM: the notification
// delivery loop, the launch-time operations, then the HTTP server with
// graceful shutdown. The store is closed last.
func (s *Server) Start() error {
	defer s.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.center.Run(ctx)

	// App-launch trigger, then the first app-became-active trigger.
	if err := s.svc.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := s.svc.RefreshAuthorization(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}

	// No WriteTimeout: /api/events streams for the client's lifetime.
	srv := &http.Server{
		Addr:        s.cfg.Server.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", s.cfg.Server.Addr),
			slog.String("database", s.cfg.Database.Path))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
