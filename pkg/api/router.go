// Package api mounts the record CRUD routes, the broadcast route and the duplex endpoint on a
// gorilla/mux router.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/recordsync/pkg/hub"
	"github.com/astromechza/recordsync/pkg/metrics"
	"github.com/astromechza/recordsync/pkg/record"
)

type Options struct {
	Store *record.Store
	Hub   *hub.Hub[string]
	// Duplex serves /ws. Nil leaves the route unmounted.
	Duplex  http.Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Notify receives one human readable line per handled call for the lifecycle log.
	Notify func(message string, isError bool)
	// BroadcastMutations publishes records stored through POST and PUT on the hub.
	BroadcastMutations bool
	Now                func() time.Time
}

type server struct {
	store              *record.Store
	hub                *hub.Hub[string]
	metrics            *metrics.Metrics
	log                *slog.Logger
	notify             func(string, bool)
	broadcastMutations bool
	now                func() time.Time
}

func NewRouter(opts Options) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notify == nil {
		opts.Notify = func(string, bool) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &server{
		store:              opts.Store,
		hub:                opts.Hub,
		metrics:            opts.Metrics,
		log:                opts.Logger.With("component", "api"),
		notify:             opts.Notify,
		broadcastMutations: opts.BroadcastMutations,
		now:                opts.Now,
	}

	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.liveness)
	r.Methods(http.MethodGet).Path("/api/data").HandlerFunc(s.example)
	r.Methods(http.MethodGet).Path("/api/datas").HandlerFunc(s.listItems)
	r.Methods(http.MethodGet).Path("/api/items").HandlerFunc(s.listItems)
	r.Methods(http.MethodPost).Path("/api/items").HandlerFunc(s.createItem)
	r.Methods(http.MethodGet).Path("/api/items/{id}").HandlerFunc(s.getItem)
	r.Methods(http.MethodPut).Path("/api/items/{id}").HandlerFunc(s.updateItem)
	r.Methods(http.MethodDelete).Path("/api/items/{id}").HandlerFunc(s.deleteItem)
	r.Methods(http.MethodPost).Path("/api/broadcast").HandlerFunc(s.broadcast)
	if opts.Duplex != nil {
		r.Methods(http.MethodGet).Path("/ws").Handler(opts.Duplex)
	}
	if opts.Metrics != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(opts.Metrics.Handler())
	}
	return r
}

func (s *server) accessLog(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		if s.metrics != nil {
			s.metrics.ObserveRequest(request.Method, m.Code)
		}
	})
}
