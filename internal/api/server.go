// Package api exposes runs and token budgets over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/taskpilot/internal/budget"
	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/orchestrator"
	"github.com/example/taskpilot/internal/storage"
)

// Tokens is the part of budget.Gate the API serves.
type Tokens interface {
	Initialize(ctx context.Context, sessionID string) models.TokenStatus
	Status(ctx context.Context, sessionID string) models.TokenStatus
	Consume(ctx context.Context, sessionID string, amount int) (budget.ConsumeResult, error)
}

// Logs reads back persisted session messages. *storage.DB implements it.
type Logs interface {
	Logs(ctx context.Context, sessionID string, limit int) ([]storage.LogEntry, error)
}

type Options struct {
	Tokens Tokens
	Logs   Logs
	Logger *slog.Logger
	// AllowOrigin is sent as Access-Control-Allow-Origin; empty means "*".
	AllowOrigin string
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

type Server struct {
	orch *orchestrator.Orchestrator
	opts Options
	log  *slog.Logger
	mux  *http.ServeMux
}

func New(orch *orchestrator.Orchestrator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	s := &Server{orch: orch, opts: opts, log: opts.Logger.With("component", "api"), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.mux.HandleFunc("POST /agents", s.startRun)
	s.mux.HandleFunc("GET /agents", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, s.orch.List())
	})
	s.mux.HandleFunc("GET /agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		h, ok := s.orch.Get(r.PathValue("id"))
		if !ok {
			respondError(w, http.StatusNotFound, orchestrator.ErrRunNotFound.Error())
			return
		}
		respondJSON(w, http.StatusOK, h.Agent.Snapshot())
	})
	s.mux.HandleFunc("POST /agents/{id}/stop", s.control(s.orch.Stop))
	s.mux.HandleFunc("POST /agents/{id}/pause", s.control(s.orch.Pause))
	s.mux.HandleFunc("POST /agents/{id}/resume", s.control(s.orch.Resume))
	s.mux.HandleFunc("GET /agents/{id}/events", s.events)

	s.mux.HandleFunc("GET /tokens/{session}", s.tokenStatus)
	s.mux.HandleFunc("POST /tokens/{session}/init", s.tokenInit)
	s.mux.HandleFunc("POST /tokens/{session}/consume", s.tokenConsume)

	s.mux.HandleFunc("GET /sessions/{session}/logs", s.sessionLogs)
}

// Handler returns the routes wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	return s.cors(s.logRequests(s.mux))
}

type startRequest struct {
	Goal      string               `json:"goal"`
	Language  string               `json:"language"`
	SessionID string               `json:"session_id"`
	Mode      string               `json:"mode"`
	Settings  models.ModelSettings `json:"settings"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	h, err := s.orch.Start(r.Context(), orchestrator.StartRequest{
		Goal:      req.Goal,
		Language:  req.Language,
		SessionID: req.SessionID,
		Mode:      orchestrator.ParseMode(req.Mode),
		Settings:  req.Settings,
	})
	if err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, h.Agent.Snapshot())
}

func (s *Server) control(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := fn(id); err != nil {
			respondError(w, httpStatus(err), err.Error())
			return
		}
		h, _ := s.orch.Get(id)
		respondJSON(w, http.StatusOK, h.Agent.Snapshot())
	}
}

// events streams a run as server-sent events until it finishes or the
// client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, ok := s.orch.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, orchestrator.ErrRunNotFound.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, unsubscribe, err := s.orch.Subscribe(id)
	if err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The current state first, so late subscribers can render the run.
	snap, _ := json.Marshal(orchestrator.Event{Event: orchestrator.EventState, RunID: id, Payload: h.Agent.Snapshot()})
	writeEvent(w, orchestrator.EventState, snap)
	flusher.Flush()

	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	done := h.Done()
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, eventName(b), b)
			flusher.Flush()
		case <-done:
			// Drain what was published before the run ended.
			for {
				select {
				case b := <-ch:
					writeEvent(w, eventName(b), b)
				default:
					flusher.Flush()
					return
				}
			}
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func eventName(b []byte) string {
	var ev struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(b, &ev) != nil || ev.Event == "" {
		return orchestrator.EventMessage
	}
	return ev.Event
}

func (s *Server) tokenStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tokens == nil {
		respondError(w, http.StatusNotImplemented, "token budget disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Tokens.Status(r.Context(), r.PathValue("session")))
}

func (s *Server) tokenInit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tokens == nil {
		respondError(w, http.StatusNotImplemented, "token budget disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Tokens.Initialize(r.Context(), r.PathValue("session")))
}

func (s *Server) tokenConsume(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tokens == nil {
		respondError(w, http.StatusNotImplemented, "token budget disabled")
		return
	}
	var req struct {
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, err := s.opts.Tokens.Consume(r.Context(), r.PathValue("session"), req.Amount)
	if err != nil {
		if errors.IsBudget(err) {
			respondJSON(w, http.StatusConflict, res)
			return
		}
		respondError(w, httpStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// maxLogLimit bounds the ?limit= of the session log route.
const maxLogLimit = 1000

func (s *Server) sessionLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		respondError(w, http.StatusNotImplemented, "session log disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := s.opts.Logs.Logs(r.Context(), r.PathValue("session"), limit)
	if err != nil {
		s.log.Error("read session log", "error", err)
		respondError(w, http.StatusInternalServerError, "could not read session log")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return http.StatusNotFound
	case errors.IsConfig(err):
		return http.StatusBadRequest
	case errors.IsBudget(err):
		return http.StatusConflict
	case errors.IsRateLimit(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
