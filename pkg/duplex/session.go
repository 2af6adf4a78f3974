package duplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/recordsync/pkg/hub"
)

var errSubscriptionEnded = errors.New("hub subscription ended")

// Session is one accepted duplex connection. The hub only holds its subscription; the manager owns
// the session and its socket.
type Session struct {
	ID      string
	Remote  string
	Started time.Time

	conn    *websocket.Conn
	sub     *hub.Subscription[string]
	manager *Manager
	cancel  context.CancelFunc

	alive     atomic.Bool
	closeOnce sync.Once
}

func (s *Session) Alive() bool {
	return s.alive.Load()
}

// run blocks until both the forward and the read task have ended. Whichever ends first tears the
// session down, which unblocks the other.
func (s *Session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.teardown()
		return s.forward(gctx)
	})
	g.Go(func() error {
		defer s.teardown()
		return s.read()
	})
	return g.Wait()
}

func (s *Session) forward(ctx context.Context) error {
	ticker := time.NewTicker(s.manager.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-s.sub.C():
			if !ok {
				return errSubscriptionEnded
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.manager.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.manager.writeWait)); err != nil {
				return fmt.Errorf("failed to write ping: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) read() error {
	s.conn.SetReadLimit(s.manager.maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.manager.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.manager.pongWait))
	})
	for {
		mt, p, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.manager.pongWait))
		if mt == websocket.TextMessage {
			s.manager.log.Debug("message from client", "session", s.ID, "text", string(p))
		}
	}
}

// teardown is idempotent: it cancels the task group, drops the hub subscription, says goodbye and
// closes the socket.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		s.cancel()
		s.sub.Close()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
	})
}
