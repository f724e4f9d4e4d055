// Package gateway exposes the daemon's HTTP API: task submission and
// inspection, queue status, and usage reporting.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sleeplessd/sleepless/internal/events"
	"github.com/sleeplessd/sleepless/internal/livestatus"
	"github.com/sleeplessd/sleepless/internal/queue"
	"github.com/sleeplessd/sleepless/internal/schedule"
	"github.com/sleeplessd/sleepless/internal/usage"
)

// Config wires the server's collaborators.
type Config struct {
	Store     *queue.Store
	Scheduler *schedule.Scheduler
	Budget    *schedule.BudgetManager
	Checker   usage.Checker       // optional
	Live      *livestatus.Tracker // optional
	Bus       *events.Bus         // optional

	Host string
	Port int
	Log  *slog.Logger
}

// Server is the daemon's HTTP API server.
type Server struct {
	httpServer *http.Server
	store      *queue.Store
	scheduler  *schedule.Scheduler
	budget     *schedule.BudgetManager
	checker    usage.Checker
	live       *livestatus.Tracker
	bus        *events.Bus
	log        *slog.Logger
}

// NewServer builds the router and server from cfg.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		budget:    cfg.Budget,
		checker:   cfg.Checker,
		live:      cfg.Live,
		bus:       cfg.Bus,
		log:       cfg.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/usage", s.handleUsage)
	r.Get("/api/events", s.handleEvents)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleAddTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleCancelTask)
		r.Get("/{id}/results", s.handleTaskResults)
	})
	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Get("/{id}", s.handleGetProject)
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Handler exposes the router; test hook.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("gateway: listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Status()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	payload := map[string]any{"queue": st}
	if s.scheduler != nil {
		if remaining, paused := s.scheduler.PauseRemaining(); paused {
			payload["paused"] = true
			payload["pause_remaining_seconds"] = int(remaining.Seconds())
		} else {
			payload["paused"] = false
		}
	}
	if s.live != nil {
		payload["active"] = s.live.Entries()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if s.budget != nil {
		percent, err := s.budget.UsagePercent()
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		spent, err := s.budget.CurrentPeriodUsage()
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		remaining, err := s.budget.RemainingBudget()
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		payload["budget"] = map[string]any{
			"used_percent":  percent,
			"spent_usd":     spent.StringFixed(4),
			"remaining_usd": remaining.StringFixed(4),
			"quota_usd":     s.budget.CurrentQuota().StringFixed(4),
		}
	}
	if s.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if reading, err := s.checker.Check(ctx); err == nil {
			payload["plan"] = reading
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.bus.History(limit))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
