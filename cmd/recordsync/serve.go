package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/recordsync/pkg/api"
	"github.com/astromechza/recordsync/pkg/duplex"
	"github.com/astromechza/recordsync/pkg/hub"
	"github.com/astromechza/recordsync/pkg/lifecycle"
	"github.com/astromechza/recordsync/pkg/metrics"
	"github.com/astromechza/recordsync/pkg/record"
	"github.com/astromechza/recordsync/pkg/snapshot"
)

const sampleCount = 10

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the record service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd)
		},
	}

	flags := cmd.Flags()
	flags.String("host", lifecycle.DefaultHost, "address to bind")
	flags.Int("port", 8080, "port to bind, 0 picks a free one")
	flags.Bool("seed", true, "start with ten sample records")
	flags.Bool("broadcast-mutations", false, "also push records stored through POST and PUT to duplex clients")
	flags.Int("log-capacity", lifecycle.DefaultLogCapacity, "lifecycle log entries kept in memory")
	flags.Duration("shutdown-timeout", lifecycle.DefaultShutdownTimeout, "time allowed for in-flight requests on stop")
	flags.String("snapshot-path", "", "sqlite file receiving a copy of the record table, empty disables it")
	flags.Duration("snapshot-interval", 0, "time between snapshots, 0 writes only on stop")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	ctx := cmd.Context()
	logger := a.logger

	store := record.NewStore()
	if a.v.GetBool("seed") {
		store = record.NewStore(record.Samples(sampleCount)...)
	}

	broadcasts := hub.New[string](hub.Options{Logger: logger})
	defer broadcasts.Close()

	m := metrics.New(store.Len)

	var snap *snapshot.Writer
	if path := a.v.GetString("snapshot-path"); path != "" {
		var err error
		if snap, err = snapshot.Open(path, logger); err != nil {
			return err
		}
		defer snap.Close()
	}

	// the controller owns the lifecycle log, the other components write to it through notify
	var controller *lifecycle.Controller
	notify := func(message string, isError bool) {
		controller.Log(message, isError)
	}

	sessions := duplex.NewManager(broadcasts, duplex.Options{Logger: logger, Metrics: m, Notify: notify})
	router := api.NewRouter(api.Options{
		Store:              store,
		Hub:                broadcasts,
		Duplex:             sessions,
		Metrics:            m,
		Logger:             logger,
		Notify:             notify,
		BroadcastMutations: a.v.GetBool("broadcast-mutations"),
	})

	controller = lifecycle.New(lifecycle.Options{
		Handler: router,
		Host:    a.v.GetString("host"),
		OnStart: sessions.Reset,
		OnStop: func(ctx context.Context) error {
			err := sessions.CloseAll(ctx)
			if snap != nil {
				err = errors.Join(err, snap.Write(ctx, store.List()))
			}
			return err
		},
		ShutdownTimeout: a.v.GetDuration("shutdown-timeout"),
		LogCapacity:     a.v.GetInt("log-capacity"),
		Metrics:         m,
		Logger:          logger,
	})
	wg := new(sync.WaitGroup)
	defer func() {
		// closing the controller ends the status stream once its last state is delivered
		controller.Close()
		wg.Wait()
	}()

	statuses := controller.SubscribeStatus()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for state := range statuses.Messages(context.Background()) {
			logger.Info("status changed", "state", state.String())
		}
	}()

	if err := controller.Start(a.v.GetInt("port")); err != nil {
		return err
	}
	for _, addr := range controller.Addresses() {
		fmt.Fprintf(cmd.OutOrStdout(), "listening on http://%s\n", addr.HostPort(controller.Port()))
	}

	snapCtx, cancelSnap := context.WithCancel(ctx)
	if interval := a.v.GetDuration("snapshot-interval"); snap != nil && interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap.Run(snapCtx, interval, store.List)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	cancelSnap()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), a.v.GetDuration("shutdown-timeout")+5*time.Second)
	defer cancelStop()
	if err := controller.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop cleanly: %w", err)
	}
	return nil
}
