package client

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/recordsync/pkg/record"
)

// ConnectDuplex opens the duplex connection in the background and hands every pushed record to
// onMessage. It returns false, and does nothing else, when a connection task is already active.
func (a *Agent) ConnectDuplex(onMessage func(record.Record)) bool {
	if onMessage == nil {
		onMessage = func(record.Record) {}
	}

	a.mu.Lock()
	if a.done != nil {
		select {
		case <-a.done:
		default:
			a.mu.Unlock()
			a.log.Warn("duplex connection already active")
			return false
		}
	}
	u := a.baseURL.JoinPath("ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.log.Info("connecting duplex", "url", u.String())
	go a.runDuplex(ctx, u.String(), onMessage, done)
	return true
}

// Disconnect cancels the duplex task and waits for it to release the socket. It is safe to call
// when nothing is connected. While an onMessage callback is running, including from inside that
// callback, it only cancels: the task releases the socket once the callback returns.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if a.dispatching.Load() > 0 {
		return
	}
	<-done
}

func (a *Agent) runDuplex(ctx context.Context, u string, onMessage func(record.Record), done chan struct{}) {
	defer close(done)
	for {
		err := a.connectAndRead(ctx, u, onMessage)
		if ctx.Err() != nil {
			a.log.Info("duplex disconnected")
			return
		}
		a.log.Warn("duplex connection failed", "err", err)
		if a.reconnect <= 0 {
			return
		}
		t := time.NewTimer(a.reconnect)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (a *Agent) connectAndRead(ctx context.Context, u string, onMessage func(record.Record)) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.timeout)
	conn, _, err := a.dialer.DialContext(dialCtx, u, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	a.setConnected(true)
	defer a.setConnected(false)

	readDone := make(chan error, 1)
	go func() {
		readDone <- a.readLoop(conn, onMessage)
	}()

	select {
	case err := <-readDone:
		_ = conn.Close()
		return err
	case <-ctx.Done():
		// the read task has to be gone before the socket is released
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.SetReadDeadline(time.Now())
		<-readDone
		_ = conn.Close()
		return ctx.Err()
	}
}

func (a *Agent) readLoop(conn *websocket.Conn, onMessage func(record.Record)) error {
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("server closed connection: %w", err)
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		r, _, err := record.Decode(bytes.NewReader(p))
		if err != nil {
			a.log.Warn("dropping malformed message", "err", err, "raw", string(p))
			continue
		}
		a.appendMessage(r)
		a.dispatch(onMessage, r)
	}
}

func (a *Agent) dispatch(onMessage func(record.Record), r record.Record) {
	a.dispatching.Add(1)
	defer a.dispatching.Add(-1)
	onMessage(r)
}

func (a *Agent) appendMessage(r record.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.messages) >= a.messageBuffer {
		copy(a.messages, a.messages[1:])
		a.messages[len(a.messages)-1] = r
		return
	}
	a.messages = append(a.messages, r)
}

func (a *Agent) setConnected(connected bool) {
	a.mu.Lock()
	changed := a.connected != connected
	a.connected = connected
	a.mu.Unlock()
	if changed {
		a.onConnection(connected)
	}
}
