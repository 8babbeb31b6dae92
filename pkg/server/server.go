// Package server exposes note rooms over websockets along with a few
// read-only HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/access"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/presence"
	"github.com/astromechza/notesync/pkg/room"
	"github.com/astromechza/notesync/pkg/store"
)

type Options struct {
	Gate     *access.Gate
	Rooms    *room.Registry
	Presence *presence.Registry
	// Snapshots serves /latest for notes without a live room.
	Snapshots store.SnapshotStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Healthy reports readiness problems, e.g. a failing fan-out transport.
	Healthy func() error

	MaxFrameSize  int64
	OutboundQueue int
	PingInterval  time.Duration
	WriteTimeout  time.Duration
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*conn
	draining bool
	wg       sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Presence == nil {
		opts.Presence = presence.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = 1 << 20
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// Handler returns the HTTP routes of the sync service.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "path", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/rooms/{noteId}").HandlerFunc(s.joinRoom)
	r.Methods(http.MethodGet).Path("/rooms/{noteId}/presence").HandlerFunc(s.getPresence)
	r.Methods(http.MethodGet).Path("/rooms/{noteId}/latest").HandlerFunc(s.getLatest)
	return r
}

// tokenFrom reads the bearer credential from the Authorization header or,
// for browsers that cannot set headers on websockets, the token query
// parameter.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return t
		}
	}
	return r.URL.Query().Get("token")
}

// authorize runs the gate and writes the HTTP error itself when the caller
// is refused.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, noteID string) (access.Grant, bool) {
	grant, err := s.opts.Gate.Authorize(r.Context(), tokenFrom(r), noteID)
	if err == nil {
		return grant, true
	}
	status := http.StatusForbidden
	if errors.Is(err, access.ErrUnauthenticated) {
		status = http.StatusUnauthorized
	}
	s.logger.Info("refused", "note", noteID, "status", status, "err", err)
	s.opts.Metrics.AuthRejected(status)
	http.Error(w, http.StatusText(status), status)
	return grant, false
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Healthy != nil {
		if err := s.opts.Healthy(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["noteId"]
	if _, ok := s.authorize(w, r, noteID); !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"userIds": s.opts.Presence.Users(noteID)})
}

// getLatest returns the encoded document: the live room's state when the
// note is open here, otherwise the last snapshot.
func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["noteId"]
	if _, ok := s.authorize(w, r, noteID); !ok {
		return
	}
	var state []byte
	if rm, ok := s.opts.Rooms.Lookup(noteID); ok {
		if snap, err := rm.Snapshot(r.Context()); err == nil {
			state = snap.State
		}
	}
	if state == nil && s.opts.Snapshots != nil {
		snap, err := s.opts.Snapshots.LoadSnapshot(r.Context(), noteID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			s.logger.Error("failed to load snapshot", "note", noteID, "err", err)
			http.Error(w, "failed to load snapshot", http.StatusInternalServerError)
			return
		}
		state = snap.State
	}
	if state == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(state)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

// joinRoom authorizes the caller before upgrading, so refused callers never
// reach a room, then serves the connection until it ends.
func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["noteId"]
	grant, ok := s.authorize(w, r, noteID)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade", "note", noteID, "err", err)
		return
	}
	c := &conn{
		id:      uuid.NewString(),
		noteID:  noteID,
		userID:  grant.Identity.UserID,
		canEdit: grant.Permission.CanEdit(),
		ws:      ws,
		srv:     s,
		out:     make(chan outFrame, s.opts.OutboundQueue),
		closing: make(chan struct{}),
		written: make(chan struct{}),
	}
	c.logger = s.logger.With("conn", c.id, "note", noteID, "user", c.userID)
	go c.writePump()
	if !s.track(c) {
		c.Close(websocket.CloseGoingAway, "server shutting down")
		<-c.written
		return
	}
	defer s.untrack(c)
	s.serve(r.Context(), c)
}

func (s *Server) serve(ctx context.Context, c *conn) {
	rm, err := s.opts.Rooms.Acquire(ctx, c.noteID)
	if err != nil {
		c.logger.Warn("failed to open room", "err", err)
		c.Close(websocket.CloseTryAgainLater, "room unavailable")
		<-c.written
		return
	}
	s.opts.Presence.Add(c.id, c.noteID, c.userID)
	s.opts.Metrics.ConnectionOpened()
	c.logger.Info("connected", "permission", c.canEditString())
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("connection handler panicked", "panic", p)
			c.Close(websocket.CloseInternalServerErr, "internal error")
		}
		// presence first so the user disappears as soon as the socket ends
		s.opts.Presence.Remove(c.id)
		s.opts.Rooms.Release(context.Background(), c.noteID, c.id)
		c.Close(websocket.CloseNormalClosure, "")
		<-c.written
		s.opts.Metrics.ConnectionClosed()
		c.logger.Info("disconnected")
	}()

	if err := rm.Attach(ctx, c); err == nil {
		c.readLoop(rm)
	} else {
		c.Close(websocket.CloseTryAgainLater, "room unavailable")
	}
}

func (c *conn) canEditString() string {
	if c.canEdit {
		return string(access.Edit)
	}
	return string(access.Read)
}

// Shutdown closes every connection with 1001 and waits for their handlers
// to release their rooms. New connections are refused.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
