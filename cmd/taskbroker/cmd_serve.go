package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"taskbroker/internal/config"
	tblog "taskbroker/internal/logging"
	"taskbroker/pkg/broker"
	"taskbroker/pkg/datastore"
	"taskbroker/pkg/dispatchclient"
	"taskbroker/pkg/filestore"
	"taskbroker/pkg/heuristics"
	"taskbroker/pkg/metrics"
	"taskbroker/pkg/server"
)

// purgeInterval is how often expired results and errors are deleted.
const purgeInterval = time.Hour

// newServeCmd creates the "taskbroker serve" subcommand.
func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker and its worker-facing API",
		Long:  "Starts the HTTP API, the websocket and socket session listeners,\nthe dispatch machinery, the metrics reporter and the stale queue reaper.\nStops on SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, g.configPath)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, configPath string) error {
	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	files, err := filestore.Open(cfg.FilestoreDir)
	if err != nil {
		return xerrors.Errorf("open filestore: %w", err)
	}
	defer func() { _ = files.Close() }()

	sink, err := metrics.New()
	if err != nil {
		return xerrors.Errorf("create metrics: %w", err)
	}

	heur := heuristics.New(be.store, cfg.Broker.HeuristicRefresh.Std())
	if err := heur.Refresh(ctx); err != nil {
		log.Warnw("initial heuristic load failed", "error", err)
	}

	client := dispatchclient.New(be.queue, be.issues, be.store)
	b := broker.New(broker.Config{
		AuthKey:          cfg.AuthKey,
		PopTimeout:       cfg.Broker.PopTimeout.Std(),
		ReporterInterval: cfg.Broker.ReporterInterval.Std(),
		ReaperInterval:   cfg.Broker.ReaperInterval.Std(),
		ShutdownTimeout:  cfg.Broker.ShutdownTimeout.Std(),
	}, broker.Deps{
		Queue:      be.queue,
		Cache:      be.store,
		Client:     client,
		Services:   be.store,
		Heuristics: heur,
		Metrics:    sink,
	})

	srv := server.New(server.Config{
		HTTPListen:    cfg.Server.HTTPListen,
		SocketNetwork: cfg.Server.SocketNetwork,
		SocketAddress: cfg.Server.SocketAddress,
		PollTimeout:   cfg.Server.PollTimeout.Std(),
	}, server.Deps{
		Broker:   b,
		Queue:    be.queue,
		Services: be.store,
		Files:    files,
		Lists:    be.store,
		Metrics:  sink.Handler(),
	})

	log.Infow("taskbroker starting",
		"http", cfg.Server.HTTPListen, "socket", cfg.Server.SocketAddress,
		"queue_backend", cfg.QueueBackend, "db", cfg.DBPath)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return b.Run(gctx) })
	grp.Go(func() error { return srv.Serve(gctx) })
	grp.Go(func() error { return runPurge(gctx, be.store) })
	if configPath != "" {
		grp.Go(func() error {
			return config.Watch(gctx, configPath, func(next config.Config) {
				b.SetAuthKey(next.AuthKey)
				if err := tblog.Setup(next.LogLevel); err != nil {
					log.Warnw("log level not applied", "level", next.LogLevel, "error", err)
				}
			})
		})
	}

	err = grp.Wait()
	log.Infow("taskbroker stopped")
	return err
}

// runPurge deletes expired results and errors every purgeInterval until ctx
// is done.
func runPurge(ctx context.Context, store *datastore.Store) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return xerrors.Errorf("create purge scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(purgeInterval),
		gocron.NewTask(func() {
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Warnw("purge expired failed", "error", err)
				return
			}
			if n > 0 {
				log.Infow("purged expired entries", "count", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return xerrors.Errorf("schedule purge: %w", err)
	}
	sched.Start()
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		log.Debugw("purge scheduler shutdown", "error", err)
	}
	return nil
}
