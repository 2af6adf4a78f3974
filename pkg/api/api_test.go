package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/recordsync/pkg/duplex"
	"github.com/astromechza/recordsync/pkg/hub"
	"github.com/astromechza/recordsync/pkg/metrics"
	"github.com/astromechza/recordsync/pkg/record"
)

type fixture struct {
	srv     *httptest.Server
	store   *record.Store
	hub     *hub.Hub[string]
	duplex  *duplex.Manager
	metrics *metrics.Metrics

	mu    sync.Mutex
	notes []string
}

func newFixture(t *testing.T, broadcastMutations bool, seed ...record.Record) *fixture {
	t.Helper()
	f := &fixture{store: record.NewStore(seed...), hub: hub.New[string](hub.Options{})}
	f.metrics = metrics.New(f.store.Len)
	f.duplex = duplex.NewManager(f.hub, duplex.Options{Metrics: f.metrics})
	f.srv = httptest.NewServer(NewRouter(Options{
		Store:   f.store,
		Hub:     f.hub,
		Duplex:  f.duplex,
		Metrics: f.metrics,
		Notify: func(message string, _ bool) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.notes = append(f.notes, message)
		},
		BroadcastMutations: broadcastMutations,
		Now:                func() time.Time { return time.UnixMilli(1234) },
	}))
	t.Cleanup(func() {
		_ = f.duplex.CloseAll(context.Background())
		f.srv.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	code, body := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, LivenessText, body)
}

func TestExampleRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	code, body := f.do(t, http.MethodGet, "/api/data", "")
	require.Equal(t, http.StatusOK, code)
	var got record.Record
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, record.Record{ID: 1, Name: "Example Data", Value: 3.14, Timestamp: 1234}, got)
}

func TestListBothPaths(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, record.Samples(3)...)
	for _, path := range []string{"/api/datas", "/api/items"} {
		code, body := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, code)
		var got []record.Record
		require.NoError(t, json.Unmarshal([]byte(body), &got))
		assert.Equal(t, record.Samples(3), got)
	}
}

func TestCreateThenGetThenConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	payload := `{"id":5,"name":"x","value":1.0,"timestamp":0}`

	code, body := f.do(t, http.MethodPost, "/api/items", payload)
	require.Equal(t, http.StatusCreated, code)
	assert.JSONEq(t, `{"status":"success","message":"Add data success"}`, body)

	code, body = f.do(t, http.MethodGet, "/api/items/5", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, payload, body)

	code, body = f.do(t, http.MethodPost, "/api/items", payload)
	require.Equal(t, http.StatusConflict, code)
	assert.JSONEq(t, `{"status":"error","message":"ID conflict"}`, body)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Contains(t, f.notes, "Add new data: ID=5")
	assert.Contains(t, f.notes, "Could not add data, ID conflict: ID=5")
}

func TestCreateStampsMissingTimestamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	code, _ := f.do(t, http.MethodPost, "/api/items", `{"id":8,"name":"y","value":2}`)
	require.Equal(t, http.StatusCreated, code)
	got, ok := f.store.Get(8)
	require.True(t, ok)
	assert.EqualValues(t, 1234, got.Timestamp)
}

func TestCreateMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	for _, body := range []string{
		`{`,
		`{"name":"no id","value":1}`,
		`{"id":1,"name":"a","value":1,"extra":true}`,
		`{"id":"one","name":"a","value":1}`,
		`{"id":5,"name":"x","value":1,"timestamp":0}}}garbage`,
		`{"id":5,"name":"x","value":1,"timestamp":0}{"id":6,"name":"y","value":2,"timestamp":0}`,
	} {
		code, resp := f.do(t, http.MethodPost, "/api/items", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.JSONEq(t, `{"status":"error","message":"Invalid data format"}`, resp)
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestGetBadAndMissingID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, record.Samples(2)...)
	code, body := f.do(t, http.MethodGet, "/api/items/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"error":"Invalid ID format"}`, body)

	code, body = f.do(t, http.MethodGet, "/api/items/99", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"Data not found"}`, body)

	for _, path := range []string{"/api/items/99999999999", "/api/items/2147483648"} {
		code, body = f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.JSONEq(t, `{"error":"Invalid ID format"}`, body)
	}
	code, body = f.do(t, http.MethodDelete, "/api/items/99999999999", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"error":"Invalid ID format"}`, body)
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, record.Samples(2)...)

	code, body := f.do(t, http.MethodPut, "/api/items/1", `{"id":1,"name":"new","value":7,"timestamp":3}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"success","message":"Data updated"}`, body)
	got, _ := f.store.Get(1)
	assert.Equal(t, record.Record{ID: 1, Name: "new", Value: 7, Timestamp: 3}, got)

	code, body = f.do(t, http.MethodPut, "/api/items/1", `{"id":2,"name":"new","value":7}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"error":"Path ID and Body ID do not match"}`, body)

	code, _ = f.do(t, http.MethodPut, "/api/items/x", `{"id":1,"name":"new","value":7}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPut, "/api/items/1", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPut, "/api/items/50", `{"id":50,"name":"ghost","value":0}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"status":"error","message":"Data not found"}`, body)
	assert.Equal(t, 2, f.store.Len())
}

func TestDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, record.Samples(2)...)

	code, body := f.do(t, http.MethodDelete, "/api/items/0", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"success","message":"Data deleted"}`, body)

	code, _ = f.do(t, http.MethodDelete, "/api/items/0", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodDelete, "/api/items/zero", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 1, f.store.Len())
}

func TestBroadcastReachesEveryDuplexClient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	a := f.dial(t)
	b := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.Count() == 2 }, 5*time.Second, 10*time.Millisecond)

	payload := record.Record{ID: 3, Name: "pushed", Value: 2.5, Timestamp: 99}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	code, body := f.do(t, http.MethodPost, "/api/broadcast", string(raw))
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"success","message":"Data broadcast"}`, body)

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		mt, p, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, string(raw), string(p))
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestBroadcastMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	code, _ := f.do(t, http.MethodPost, "/api/broadcast", `[]`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMutationsPublishWhenEnabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	code, _ := f.do(t, http.MethodPost, "/api/items", `{"id":1,"name":"a","value":1,"timestamp":5}`)
	require.Equal(t, http.StatusCreated, code)
	code, _ = f.do(t, http.MethodPut, "/api/items/1", `{"id":1,"name":"b","value":2,"timestamp":6}`)
	require.Equal(t, http.StatusOK, code)

	for _, want := range []string{`{"id":1,"name":"a","value":1,"timestamp":5}`, `{"id":1,"name":"b","value":2,"timestamp":6}`} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, p, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, want, string(p))
	}
}

func TestMethodNotAllowedAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, record.Samples(4)...)
	code, _ := f.do(t, http.MethodPatch, "/api/items/1", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	code, _ = f.do(t, http.MethodGet, "/api/items/9", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "recordsync_records 4")
	assert.True(t, bytes.Contains([]byte(body), []byte(`recordsync_http_requests_total{code="404",method="GET"} 1`)))
}
