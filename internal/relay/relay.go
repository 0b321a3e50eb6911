// Package relay serves canvas sessions to wsclient clients over WebSocket.
// Every session has one sequencer: each durable write gets the next sequence
// number, is applied to the canonical replica, persisted and fanned out to
// every connected peer, origin included. Signals skip sequencing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/dispatcher"
	"github.com/feltcanvas/felt/internal/storage"
	"github.com/feltcanvas/felt/pkg/core"
)

// InstrumentationName names the relay meter.
const InstrumentationName = "github.com/feltcanvas/felt/internal/relay"

const (
	defaultSendBuffer   = 256
	defaultJoinTimeout  = 10 * time.Second
	defaultPersistQueue = 1000
)

var (
	// ErrUnknownMessage is reported to a peer that sends a message type the
	// relay does not handle.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("relay closed")
	// ErrExportUnsupported is returned by Export when the backend cannot
	// write standalone files.
	ErrExportUnsupported = errors.New("storage backend does not support export")
)

// Stats is a snapshot of relay traffic and occupancy.
type Stats struct {
	Sessions       int    `json:"sessions"`
	Members        int    `json:"members"`
	Shapes         int    `json:"shapes"`
	Ops            uint64 `json:"ops"`
	DroppedWrites  uint64 `json:"droppedWrites"`
	Rejected       uint64 `json:"rejected"`
	Signals        uint64 `json:"signals"`
	SignalsDropped uint64 `json:"signalsDropped"`
	Kicked         uint64 `json:"kicked"`
	PersistErrors  uint64 `json:"persistErrors"`
	PersistPending int    `json:"persistPending"`
}

// SessionInfo describes one session known to the relay.
type SessionInfo struct {
	ID      string `json:"id"`
	Live    bool   `json:"live"`
	Members int    `json:"members"`
	Shapes  int    `json:"shapes"`
	Counter int64  `json:"counter"`
	Seq     uint64 `json:"seq"`
}

// SessionDetail is the full state of one session.
type SessionDetail struct {
	SessionInfo
	State  core.SessionState `json:"state"`
	Roster []core.Member     `json:"roster"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPersistLogger sets the logger of the persistence loop.
func WithPersistLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.persistLog = logger
	}
}

// WithMeter sets the meter relay instruments are created from. Defaults to
// the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(s *Server) {
		s.meter = m
	}
}

type counters struct {
	ops            atomic.Uint64
	droppedWrites  atomic.Uint64
	rejected       atomic.Uint64
	signals        atomic.Uint64
	signalsDropped atomic.Uint64
	kicked         atomic.Uint64
	persistErrors  atomic.Uint64
}

// Server is the relay. Create it with New, mount Handler on an HTTP server
// or call Run, and Close it on shutdown.
type Server struct {
	cfg        config.RelayConfig
	backend    storage.Backend
	logger     *slog.Logger
	persistLog zerolog.Logger
	meter      metric.Meter
	engine     *gin.Engine

	persist     *dispatcher.Dispatcher
	stopPersist context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	stats counters

	// OTel instruments
	opsSequenced   metric.Int64Counter
	signalsSent    metric.Int64Counter
	signalsDropped metric.Int64Counter
	peersConnected metric.Int64UpDownCounter
}

// New creates a relay persisting through backend. The backend must already
// be initialised; the caller closes it after Close returns.
func New(cfg config.RelayConfig, backend storage.Backend, opts ...Option) (*Server, error) {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = defaultPersistQueue
	}

	s := &Server{
		cfg:        cfg,
		backend:    backend,
		logger:     slog.Default(),
		persistLog: zerolog.Nop(),
		rooms:      make(map[string]*room),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.meter == nil {
		s.meter = otel.Meter(InstrumentationName)
	}

	if err := s.initMetrics(); err != nil {
		return nil, err
	}

	persist, err := s.newPersister()
	if err != nil {
		return nil, err
	}
	s.persist = persist

	ctx, cancel := context.WithCancel(context.Background())
	s.stopPersist = cancel
	go func() {
		_ = persist.Run(ctx)
	}()

	s.engine = s.routes()
	return s, nil
}

func (s *Server) initMetrics() error {
	var err error

	s.opsSequenced, err = s.meter.Int64Counter(
		"relay.ops.sequenced",
		metric.WithDescription("Durable writes sequenced and broadcast"),
	)
	if err != nil {
		return fmt.Errorf("creating ops counter: %w", err)
	}

	s.signalsSent, err = s.meter.Int64Counter(
		"relay.signals.forwarded",
		metric.WithDescription("Signals accepted for fan-out"),
	)
	if err != nil {
		return fmt.Errorf("creating signals counter: %w", err)
	}

	s.signalsDropped, err = s.meter.Int64Counter(
		"relay.signals.dropped",
		metric.WithDescription("Signal deliveries dropped on a full send buffer"),
	)
	if err != nil {
		return fmt.Errorf("creating dropped signals counter: %w", err)
	}

	s.peersConnected, err = s.meter.Int64UpDownCounter(
		"relay.peers",
		metric.WithDescription("Currently joined peers"),
	)
	if err != nil {
		return fmt.Errorf("creating peers counter: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint and the
// REST API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts the HTTP server down.
// It does not Close the relay.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Relay listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Sync waits until every write queued for persistence so far has reached
// the backend.
func (s *Server) Sync(ctx context.Context) error {
	return s.persist.Do(ctx, func() {})
}

// Close disconnects every peer, waits for pending persistence and stops the
// persistence loop.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		r.disconnectAll()
	}

	err := s.Sync(ctx)
	s.stopPersist()
	<-s.persist.Done()
	if err != nil && !errors.Is(err, dispatcher.ErrStopped) {
		return fmt.Errorf("waiting for persistence: %w", err)
	}
	s.logger.Info("Relay closed", "sessions", len(rooms))
	return nil
}

// room returns the resident room of a session, loading it from the backend
// on first use.
func (s *Server) room(id string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if r, ok := s.rooms[id]; ok {
		return r, nil
	}

	state, err := s.backend.LoadSession(id)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	r := newRoom(s, id, state)
	s.rooms[id] = r
	s.logger.Info("Session opened", "session", id, "shapes", len(state.Shapes), "counter", state.Counter)
	return r, nil
}

func (s *Server) residentRooms() []*room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Server) resident(id string) (*room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

// Stats returns a snapshot of relay counters and occupancy.
func (s *Server) Stats() Stats {
	st := Stats{
		Ops:            s.stats.ops.Load(),
		DroppedWrites:  s.stats.droppedWrites.Load(),
		Rejected:       s.stats.rejected.Load(),
		Signals:        s.stats.signals.Load(),
		SignalsDropped: s.stats.signalsDropped.Load(),
		Kicked:         s.stats.kicked.Load(),
		PersistErrors:  s.stats.persistErrors.Load(),
		PersistPending: s.persist.Len(),
	}
	for _, r := range s.residentRooms() {
		info := r.info()
		st.Sessions++
		st.Members += info.Members
		st.Shapes += info.Shapes
	}
	return st
}

// Sessions lists resident sessions and those only in storage, sorted by id.
func (s *Server) Sessions() ([]SessionInfo, error) {
	seen := make(map[string]bool)
	var out []SessionInfo
	for _, r := range s.residentRooms() {
		out = append(out, r.info())
		seen[r.id] = true
	}

	stored, err := s.backend.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("listing stored sessions: %w", err)
	}
	for _, id := range stored {
		if !seen[id] {
			out = append(out, SessionInfo{ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Session returns the state of one session. Resident sessions answer from
// the canonical replica; others are read from storage.
func (s *Server) Session(id string) (SessionDetail, error) {
	if r, ok := s.resident(id); ok {
		return r.detail(), nil
	}
	state, err := s.backend.LoadSession(id)
	if err != nil {
		return SessionDetail{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	return SessionDetail{
		SessionInfo: SessionInfo{ID: id, Shapes: len(state.Shapes), Counter: state.Counter},
		State:       state,
		Roster:      []core.Member{},
	}, nil
}

// Export writes a session to a standalone file through the backend.
func (s *Server) Export(ctx context.Context, id string) (string, error) {
	exp, ok := s.backend.(storage.Exportable)
	if !ok {
		return "", ErrExportUnsupported
	}
	if err := s.Sync(ctx); err != nil {
		return "", err
	}
	path, err := exp.Export(id)
	if err != nil {
		return "", fmt.Errorf("exporting session %s: %w", id, err)
	}
	s.logger.Info("Session exported", "session", id, "path", path)
	return path, nil
}
