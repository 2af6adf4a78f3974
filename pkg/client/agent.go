// Package client talks to a recordsync server: request/response calls for the record routes plus a
// single guarded duplex connection that collects pushed records.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/recordsync/pkg/record"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultMessageBuffer = 1000
)

type Options struct {
	// BaseURL is the server root, for example http://10.0.2.2:8080. A bare host:port gets http://.
	BaseURL string
	Timeout time.Duration
	// Reconnect is the delay before redialing a failed duplex connection. Zero disables redialing.
	Reconnect time.Duration
	// MessageBuffer bounds the pushed records kept for Messages.
	MessageBuffer int
	// OnConnection observes duplex connect and disconnect.
	OnConnection func(connected bool)

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Status is the acknowledgement body of mutating routes.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Agent struct {
	httpClient    *http.Client
	dialer        *websocket.Dialer
	log           *slog.Logger
	timeout       time.Duration
	reconnect     time.Duration
	messageBuffer int
	onConnection  func(bool)

	mu        sync.Mutex
	baseURL   *url.URL
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	messages  []record.Record

	// dispatching counts onMessage callbacks in progress.
	dispatching atomic.Int32
}

func New(opts Options) (*Agent, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MessageBuffer <= 0 {
		opts.MessageBuffer = DefaultMessageBuffer
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnConnection == nil {
		opts.OnConnection = func(bool) {}
	}
	a := &Agent{
		httpClient:    opts.HTTPClient,
		dialer:        opts.Dialer,
		log:           opts.Logger.With("component", "client"),
		timeout:       opts.Timeout,
		reconnect:     opts.Reconnect,
		messageBuffer: opts.MessageBuffer,
		onConnection:  opts.OnConnection,
	}
	if err := a.UpdateServer(opts.BaseURL); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateServer retargets later requests and connections. An open duplex connection is not moved.
func (a *Agent) UpdateServer(baseURL string) error {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return fmt.Errorf("server address is empty")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("failed to parse server address: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("server address %q has no host", baseURL)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseURL = u
	return nil
}

func (a *Agent) endpoint(path string) *url.URL {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baseURL.JoinPath(path)
}

// CheckLiveness returns the plain text body of GET /.
func (a *Agent) CheckLiveness(ctx context.Context) (string, error) {
	var body string
	err := a.do(ctx, "check liveness", http.MethodGet, "/", nil, func(r io.Reader) error {
		raw, err := io.ReadAll(r)
		body = string(raw)
		return err
	})
	return body, err
}

func (a *Agent) FetchExample(ctx context.Context) (record.Record, error) {
	var out record.Record
	err := a.do(ctx, "fetch example", http.MethodGet, "/api/data", nil, decodeInto(&out))
	return out, err
}

func (a *Agent) FetchAll(ctx context.Context) ([]record.Record, error) {
	var out []record.Record
	err := a.do(ctx, "fetch all", http.MethodGet, "/api/items", nil, decodeInto(&out))
	return out, err
}

func (a *Agent) FetchOne(ctx context.Context, id int) (record.Record, error) {
	var out record.Record
	err := a.do(ctx, "fetch one", http.MethodGet, "/api/items/"+strconv.Itoa(id), nil, decodeInto(&out))
	return out, err
}

func (a *Agent) Submit(ctx context.Context, r record.Record) (Status, error) {
	var out Status
	err := a.do(ctx, "submit", http.MethodPost, "/api/items", r, decodeInto(&out))
	return out, err
}

func (a *Agent) Update(ctx context.Context, r record.Record) (Status, error) {
	var out Status
	err := a.do(ctx, "update", http.MethodPut, "/api/items/"+strconv.Itoa(r.ID), r, decodeInto(&out))
	return out, err
}

func (a *Agent) Delete(ctx context.Context, id int) (Status, error) {
	var out Status
	err := a.do(ctx, "delete", http.MethodDelete, "/api/items/"+strconv.Itoa(id), nil, decodeInto(&out))
	return out, err
}

func (a *Agent) Broadcast(ctx context.Context, r record.Record) (Status, error) {
	var out Status
	err := a.do(ctx, "broadcast", http.MethodPost, "/api/broadcast", r, decodeInto(&out))
	return out, err
}

func decodeInto(v any) func(io.Reader) error {
	return func(r io.Reader) error {
		return json.NewDecoder(r).Decode(v)
	}
}

// do runs one request under the agent timeout and classifies any failure into a RequestError.
func (a *Agent) do(ctx context.Context, op, method, path string, payload any, decode func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &RequestError{Kind: KindDecode, Op: op, Err: fmt.Errorf("failed to encode body: %w", err)}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint(path).String(), body)
	if err != nil {
		return &RequestError{Kind: KindNetwork, Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var st Status
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = json.Unmarshal(raw, &st)
		msg := st.Message
		if msg == "" {
			msg = st.Error
		}
		return &RequestError{Kind: KindStatus, Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if err := decode(resp.Body); err != nil {
		if ctx.Err() != nil {
			return transportError(op, err)
		}
		return &RequestError{Kind: KindDecode, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Messages returns the pushed records received so far, oldest first.
func (a *Agent) Messages() []record.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]record.Record(nil), a.messages...)
}

func (a *Agent) ClearMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

// Done is closed when the current duplex task ends. With no task it is already closed.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.done
}

// Close disconnects and drops idle HTTP connections.
func (a *Agent) Close() {
	a.Disconnect()
	a.httpClient.CloseIdleConnections()
}
