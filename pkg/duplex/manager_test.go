package duplex

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/recordsync/pkg/hub"
	"github.com/astromechza/recordsync/pkg/metrics"
)

func newTestManager(t *testing.T) (*Manager, *hub.Hub[string], *httptest.Server) {
	t.Helper()
	h := hub.New[string](hub.Options{})
	m := NewManager(h, Options{Metrics: metrics.New(nil)})
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		_ = m.CloseAll(context.Background())
		srv.Close()
	})
	return m, h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, p, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	return string(p)
}

func TestSessionsReceivePublishedMessagesInOrder(t *testing.T) {
	t.Parallel()

	m, h, srv := newTestManager(t)
	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return m.Count() == 2 && h.Count() == 2 }, 5*time.Second, 10*time.Millisecond)

	for _, msg := range []string{"one", "two", "three"} {
		h.Publish(msg)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		assert.Equal(t, "one", readText(t, conn))
		assert.Equal(t, "two", readText(t, conn))
		assert.Equal(t, "three", readText(t, conn))
	}
}

func TestBurstReachesEverySession(t *testing.T) {
	t.Parallel()

	m, h, srv := newTestManager(t)
	const k = 3
	const n = 8 * hub.DefaultBuffer
	conns := make([]*websocket.Conn, k)
	for i := range conns {
		conns[i] = dial(t, srv)
	}
	require.Eventually(t, func() bool { return h.Count() == k }, 5*time.Second, 10*time.Millisecond)

	results := make(chan []string, k)
	for _, conn := range conns {
		go func(conn *websocket.Conn) {
			got := make([]string, 0, n)
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			for len(got) < n {
				_, p, err := conn.ReadMessage()
				if err != nil {
					break
				}
				got = append(got, string(p))
			}
			results <- got
		}(conn)
	}

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("m%d", i)
		require.Equal(t, k, h.Publish(want[i]))
	}
	for i := 0; i < k; i++ {
		assert.Equal(t, want, <-results)
	}
	assert.Equal(t, k, m.Count())
}

func TestInboundTextIsIgnored(t *testing.T) {
	t.Parallel()

	m, h, srv := newTestManager(t)
	a := dial(t, srv)
	require.Eventually(t, func() bool { return m.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hello server")))
	h.Publish("still open")
	assert.Equal(t, "still open", readText(t, a))
	assert.Equal(t, 1, m.Count())
}

func TestDisconnectUnsubscribesAndSparesOthers(t *testing.T) {
	t.Parallel()

	m, h, srv := newTestManager(t)
	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return m.Count() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	h.Publish("after disconnect")
	assert.Equal(t, "after disconnect", readText(t, b))

	require.Eventually(t, func() bool { return m.Count() == 1 && h.Count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestCloseAllEndsSessionsAndRefusesNew(t *testing.T) {
	t.Parallel()

	m, h, srv := newTestManager(t)
	a := dial(t, srv)
	require.Eventually(t, func() bool { return m.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.CloseAll(ctx))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, h.Count())

	require.NoError(t, a.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := a.ReadMessage()
	require.Error(t, err)

	late := dial(t, srv)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	m.Reset()
	again := dial(t, srv)
	require.Eventually(t, func() bool { return m.Count() == 1 }, 5*time.Second, 10*time.Millisecond)
	h.Publish("reopened")
	assert.Equal(t, "reopened", readText(t, again))
}

func TestHubCloseEndsSession(t *testing.T) {
	t.Parallel()

	m, h, srv := newTestManager(t)
	a := dial(t, srv)
	require.Eventually(t, func() bool { return m.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	h.Close()
	require.NoError(t, a.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return m.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}
