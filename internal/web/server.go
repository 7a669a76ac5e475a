// Package web serves the farm's status plane: current state, manual
// commands, sensor history, metrics and a websocket state stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dottedmag/tj"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dottedmag/farm"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/control"
	"github.com/dottedmag/farm/internal/history"
	"github.com/dottedmag/farm/internal/logger"
)

const (
	DefaultStreamInterval = 2 * time.Second
	defaultHistoryLimit   = 100
	maxHistoryLimit       = 10000
)

type Controller interface {
	Status() control.Status
	HandleCommand(c farm.Command) error
}

type History interface {
	Recent(ctx context.Context, key string, limit int) ([]history.Reading, error)
}

type Options struct {
	Control Controller
	Store   *config.Store
	// History may be nil when no database is configured.
	History        History
	Log            logger.Logger
	StreamInterval time.Duration
}

type Server struct {
	control  Controller
	store    *config.Store
	history  History
	log      logger.Logger
	interval time.Duration
	upgrader websocket.Upgrader
}

func NewServer(o Options) *Server {
	interval := o.StreamInterval
	if interval == 0 {
		interval = DefaultStreamInterval
	}
	return &Server{
		control:  o.Control,
		store:    o.Store,
		history:  o.History,
		log:      o.Log,
		interval: interval,
	}
}

// logWriter feeds the access log into the farm's logger.
type logWriter struct {
	log logger.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Debug("HTTP: %s", strings.TrimSpace(string(p)))
	return len(p), nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.basicAuth)

	r.HandleFunc("/api/state", s.getState).Methods("GET")
	r.HandleFunc("/api/command/{command}", s.postCommand).Methods("POST")
	r.HandleFunc("/api/history/{key}", s.getHistory).Methods("GET")
	r.HandleFunc("/ws", s.stream).Methods("GET")
	r.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}).Methods("GET")

	return handlers.LoggingHandler(logWriter{log: s.log}, r)
}

// httpServer derives request contexts from ctx, so hijacked websocket
// connections, which Shutdown does not track, end with it too.
func (s *Server) httpServer(ctx context.Context, addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := s.httpServer(ctx, addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("Status plane listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// basicAuth protects every route once web credentials are set in the
// Passwords section.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantUser, _ := s.store.String(config.Passwords, config.KeyWebUser)
		wantPassword, _ := s.store.String(config.Passwords, config.KeyWebPassword)
		if wantUser == "" && wantPassword == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(wantPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="farm"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, tj.O{"error": msg})
}

func (s *Server) state() tj.O {
	return tj.O{
		"status":  s.control.Status(),
		"sensors": s.store.Snapshot(config.Data),
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	c, err := farm.ParseCommand(mux.Vars(r)["command"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("Command %s received over HTTP", c)
	if err := s.control.HandleCommand(c); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, control.ErrNotInitialized):
			code = http.StatusConflict
		case errors.Is(err, control.ErrUnknownActuator):
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tj.O{"command": c.String(), "ok": true})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(v))
			return
		}
		limit = n
	}
	readings, err := s.history.Recent(r.Context(), mux.Vars(r)["key"], limit)
	if err != nil {
		s.log.Error("Failed to query history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// stream pushes the state to a websocket client every interval until it
// goes away or the server stops.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warning("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(s.state()); err != nil {
			s.log.Debug("Websocket client went away: %v", err)
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-t.C:
		}
	}
}
