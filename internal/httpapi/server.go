// Package httpapi is the HTTP control surface: engine state, queue and
// history reads, lifecycle commands, manual enqueue, config updates and a
// server-sent event stream.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"refreshbot/internal/controller"
	"refreshbot/internal/eventbus"
	"refreshbot/internal/storage"
	"refreshbot/internal/task/policy"
	"refreshbot/internal/task/queue"
	"refreshbot/pkg/logx"
)

// Engine is the part of the controller the API drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	Configure(cfg controller.Config) error
	Enqueue(ctx context.Context, rawURL string, priority *queue.Priority) (bool, error)
	Snapshot() controller.State
	// SubscribeState returns the state and a subscription starting right
	// after it, so a client folding deltas onto it never counts one twice.
	SubscribeState(buffer int) (controller.State, <-chan eventbus.Event, func())
}

type HistoryReader interface {
	RecentHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error)
}

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every /api route.
	Token     string
	Heartbeat time.Duration
	// Pprof mounts net/http/pprof under /debug/pprof/, behind Token.
	Pprof bool
}

type Server struct {
	cfg     Config
	engine  Engine
	history HistoryReader
	log     logx.Logger
	srv     *http.Server
	addr    string

	// closing ends open event streams; Shutdown does not cancel them.
	closing   chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, engine Engine, history HistoryReader, log logx.Logger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		history: history,
		log:     log.With(logx.String("comp", "http")),
		closing: make(chan struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.engine.Snapshot())
		})
		r.Get("/queue", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.engine.Snapshot().Queue)
		})
		r.Post("/queue", s.handleEnqueue)
		r.Get("/activity", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.engine.Snapshot().Activity)
		})
		r.Get("/history", s.handleHistory)

		r.Post("/start", s.command(func(r *http.Request) error { return s.engine.Start(r.Context()) }))
		r.Post("/stop", s.command(func(r *http.Request) error { return s.engine.Stop(r.Context()) }))
		r.Post("/pause", s.command(func(*http.Request) error { return s.engine.Pause() }))
		r.Post("/resume", s.command(func(*http.Request) error { return s.engine.Resume() }))

		r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.engine.Snapshot().Config)
		})
		r.Put("/config", s.handleConfig)
		r.Get("/events", s.handleEvents)
	})

	if s.cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Use(s.requireToken)
			r.HandleFunc("/cmdline", hpprof.Cmdline)
			r.HandleFunc("/profile", hpprof.Profile)
			r.HandleFunc("/symbol", hpprof.Symbol)
			r.HandleFunc("/trace", hpprof.Trace)
			// Index also serves named profiles such as /debug/pprof/heap.
			r.HandleFunc("/*", hpprof.Index)
		})
	}
	return r
}

// Start listens on cfg.Addr and serves until Shutdown. It returns once the
// listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.srv.RegisterOnShutdown(s.closeStreams)
	s.addr = ln.Addr().String()
	s.log.Info("http api listening", logx.String("addr", s.addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped", logx.Err(err))
		}
	}()
	return nil
}

// Addr is the bound listen address, empty before Start.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		s.closeStreams()
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) command(fn func(*http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		snap := s.engine.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{"status": snap.Status, "phase": snap.Phase})
	}
}

type enqueueRequest struct {
	URL      string `json:"url"`
	Priority string `json:"priority,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var prio *queue.Priority
	if req.Priority != "" {
		p, ok := queue.ParsePriority(req.Priority)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown priority %q", req.Priority))
			return
		}
		prio = &p
	}
	added, err := s.engine.Enqueue(r.Context(), req.URL, prio)
	switch {
	case errors.Is(err, controller.ErrDeferred):
		writeJSON(w, http.StatusAccepted, map[string]any{"added": false, "deferred": true})
	case err != nil:
		writeError(w, statusFor(err), err)
	case !added:
		writeJSON(w, http.StatusOK, map[string]any{"added": false, "reason": "already queued"})
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"added": true})
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, 1000)
	}
	if s.history == nil {
		h := s.engine.Snapshot().History
		writeJSON(w, http.StatusOK, h[:min(limit, len(h))])
		return
	}
	recs, err := s.history.RecentHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleConfig merges the body over the current engine config, so a
// partial document changes only the fields it names.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Snapshot().Config
	if err := decodeStrict(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Configure(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	// New clients start from a full state.
	state, events, unsub := s.engine.SubscribeState(256)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "state", state); err != nil {
		return
	}
	flusher.Flush()

	tick := time.NewTicker(s.cfg.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e.Type, e.Data); err != nil {
				s.log.Debug("sse write failed", logx.Err(err))
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, typ string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, b)
	return err
}

func statusFor(err error) int {
	switch {
	case policy.IsFatal(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, controller.ErrInvalidTransition), errors.Is(err, controller.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, controller.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrExcluded), errors.Is(err, queue.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeStrict(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("missing or invalid token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("req_id", middleware.GetReqID(r.Context())),
			logx.Duration("took", time.Since(start)))
	})
}
