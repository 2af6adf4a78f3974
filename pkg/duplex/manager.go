// Package duplex accepts websocket sessions and streams every broadcast hub message to each of them.
package duplex

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/recordsync/pkg/hub"
	"github.com/astromechza/recordsync/pkg/metrics"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("session manager closed")

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Notify receives human readable session events for the lifecycle log.
	Notify func(message string, isError bool)

	WriteWait      time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

type Manager struct {
	hub      *hub.Hub[string]
	log      *slog.Logger
	metrics  *metrics.Metrics
	notify   func(string, bool)
	upgrader websocket.Upgrader

	writeWait      time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration
	maxMessageSize int64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func NewManager(h *hub.Hub[string], opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notify == nil {
		opts.Notify = func(string, bool) {}
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &Manager{
		hub:     h,
		log:     opts.Logger.With("component", "duplex"),
		metrics: opts.Metrics,
		notify:  opts.Notify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeWait:      opts.WriteWait,
		pingInterval:   opts.PingInterval,
		pongWait:       opts.PingInterval * 2,
		maxMessageSize: opts.MaxMessageSize,
		sessions:       make(map[string]*Session),
	}
}

// Reset reopens a manager after CloseAll so the same instance can serve a restarted listener.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

func (m *Manager) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := m.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		m.log.Error("failed to upgrade", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:      uuid.NewString(),
		Remote:  request.RemoteAddr,
		Started: time.Now(),
		conn:    conn,
		manager: m,
		cancel:  cancel,
	}

	if err := m.register(s); err != nil {
		cancel()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return
	}
	defer m.unregister(s)

	m.log.Info("session opened", "session", s.ID, "remote", s.Remote)
	m.notify("WebSocket connection opened: "+s.Remote, false)
	if err := s.run(ctx); err != nil && !isNormalEnd(err) {
		m.log.Warn("session ended", "session", s.ID, "err", err)
		m.notify("WebSocket connection error: "+err.Error(), true)
	}
	m.log.Info("session closed", "session", s.ID, "duration", time.Since(s.Started))
	m.notify("WebSocket connection closed: "+s.Remote, false)
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s.sub = m.hub.Subscribe()
	s.alive.Store(true)
	m.sessions[s.ID] = s
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.Sessions.Inc()
	}
	return nil
}

func (m *Manager) unregister(s *Session) {
	s.teardown()
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Sessions.Dec()
	}
	m.wg.Done()
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll refuses new sessions, tears down every open one and waits for their tasks to finish.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.teardown()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isNormalEnd(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, errSubscriptionEnded) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
