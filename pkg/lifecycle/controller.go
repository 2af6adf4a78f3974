// Package lifecycle owns the listening service. A Controller moves through
// STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED, falls into ERROR when binding or serving
// fails, and can be started again from ERROR. Every transition and log line is published on two
// independent streams.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/astromechza/recordsync/pkg/hub"
	"github.com/astromechza/recordsync/pkg/metrics"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultLogCapacity     = 500
	DefaultShutdownTimeout = 5 * time.Second
)

type Options struct {
	Handler http.Handler
	Host    string

	// OnStart runs before every bind attempt.
	OnStart func()
	// OnStop runs once the listener no longer accepts and before STOPPED or ERROR is reported. It is
	// where open duplex sessions get closed.
	OnStop func(ctx context.Context) error

	ShutdownTimeout time.Duration
	LogCapacity     int

	Discover func() ([]Address, error)
	Listen   func(network, address string) (net.Listener, error)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type Controller struct {
	opts Options
	log  *slog.Logger

	status *hub.Hub[State]
	logHub *hub.Hub[LogEntry]

	mu        sync.Mutex
	state     State
	port      int
	addresses []Address
	logs      []LogEntry
	server    *http.Server
	served    chan struct{}
}

func New(opts Options) *Controller {
	if opts.Handler == nil {
		opts.Handler = http.NotFoundHandler()
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	if opts.Discover == nil {
		opts.Discover = DiscoverAddresses
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With("component", "lifecycle")
	return &Controller{
		opts:   opts,
		log:    log,
		status: hub.New[State](hub.Options{Overflow: hub.KeepLatest, Logger: log}),
		logHub: hub.New[LogEntry](hub.Options{Overflow: hub.DropNewest, Logger: log}),
		state:  Stopped,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Port is the last requested port, or the bound port when zero was requested.
func (c *Controller) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Controller) Addresses() []Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Address(nil), c.addresses...)
}

func (c *Controller) Logs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.logs...)
}

func (c *Controller) ClearLogs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = nil
}

// SubscribeStatus streams state changes, starting with the current state.
func (c *Controller) SubscribeStatus() *hub.Subscription[State] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.SubscribeWithInitial(c.state)
}

func (c *Controller) SubscribeLogs() *hub.Subscription[LogEntry] {
	return c.logHub.Subscribe()
}

// Log appends an entry to the log ring and the log stream.
func (c *Controller) Log(message string, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(message, isError)
}

func (c *Controller) logLocked(message string, isError bool) {
	entry := LogEntry{Message: message, IsError: isError, Timestamp: c.opts.Now().UnixMilli()}
	if len(c.logs) >= c.opts.LogCapacity {
		copy(c.logs, c.logs[1:])
		c.logs[len(c.logs)-1] = entry
	} else {
		c.logs = append(c.logs, entry)
	}
	if isError {
		c.log.Error(message)
	} else {
		c.log.Info(message)
	}
	c.logHub.Publish(entry)
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	if c.opts.Metrics != nil {
		c.opts.Metrics.LifecycleState.Set(float64(s))
	}
	c.status.Publish(s)
}

// Start binds port and serves the handler on it. It returns once the service is RUNNING or has
// failed into ERROR. Calling it while STARTING, RUNNING or STOPPING only logs.
func (c *Controller) Start(port int) error {
	c.mu.Lock()
	switch c.state {
	case Starting, Running:
		c.logLocked("Server already running", false)
		c.mu.Unlock()
		return nil
	case Stopping:
		c.logLocked("Server is stopping", false)
		c.mu.Unlock()
		return nil
	}
	c.port = port
	c.setStateLocked(Starting)
	c.logLocked(fmt.Sprintf("Server starting. (Port: %d)...", port), false)
	c.mu.Unlock()

	if c.opts.OnStart != nil {
		c.opts.OnStart()
	}

	ln, err := c.opts.Listen("tcp", net.JoinHostPort(c.opts.Host, strconv.Itoa(port)))
	if err != nil {
		err = fmt.Errorf("failed to bind: %w", err)
		c.mu.Lock()
		c.addresses = nil
		c.setStateLocked(Error)
		c.logLocked("Server could not start: "+err.Error(), true)
		c.mu.Unlock()
		return err
	}

	srv := &http.Server{Handler: c.opts.Handler, ReadHeaderTimeout: 10 * time.Second}
	served := make(chan struct{})

	c.mu.Lock()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		c.port = tcp.Port
	}
	c.server = srv
	c.served = served
	c.setStateLocked(Running)
	c.logLocked(fmt.Sprintf("Server running. (Port: %d)", c.port), false)
	boundPort := c.port
	c.mu.Unlock()

	go c.serve(srv, ln, served)

	addresses, err := c.opts.Discover()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logLocked("Error getting local IP address: "+err.Error(), true)
	}
	if c.state != Running || c.server != srv {
		return nil
	}
	c.addresses = addresses
	for _, a := range addresses {
		if !a.Loopback {
			c.logLocked("Server IP Address: "+a.HostPort(boundPort), false)
		}
	}
	return nil
}

func (c *Controller) serve(srv *http.Server, ln net.Listener, served chan struct{}) {
	defer close(served)
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()
	_ = srv.Close()
	if c.opts.OnStop != nil {
		if stopErr := c.opts.OnStop(ctx); stopErr != nil {
			c.log.Error("failed to tear down after listener failure", "err", stopErr)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != srv {
		return
	}
	c.server = nil
	c.addresses = nil
	c.setStateLocked(Error)
	c.logLocked("Server error: "+err.Error(), true)
}

// Stop closes the listener, tears down open sessions through OnStop and only then reports STOPPED.
// Calling it while STOPPED, STOPPING or STARTING only logs. From ERROR it acknowledges the failure and
// reports STOPPED.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Stopped, Stopping:
		c.logLocked("Server already stopped.", false)
		c.mu.Unlock()
		return nil
	case Starting:
		c.logLocked("Server is still starting", false)
		c.mu.Unlock()
		return nil
	case Error:
		c.addresses = nil
		c.setStateLocked(Stopped)
		c.logLocked("Server stopped.", false)
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(Stopping)
	c.logLocked("Server stopping...", false)
	srv, served := c.server, c.served
	c.server = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down listener: %w", err))
		_ = srv.Close()
	}
	if c.opts.OnStop != nil {
		if err := c.opts.OnStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
		}
	}
	<-served

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range errs {
		c.logLocked("Error while stopping server: "+err.Error(), true)
	}
	c.addresses = nil
	c.setStateLocked(Stopped)
	c.logLocked("Server stopped.", false)
	return errors.Join(errs...)
}

// Close ends the status and log streams. The controller should be stopped first.
func (c *Controller) Close() {
	c.status.Close()
	c.logHub.Close()
}
