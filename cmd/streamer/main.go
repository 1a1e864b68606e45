package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang-tick-streamer/internal/api"
	"golang-tick-streamer/internal/config"
	"golang-tick-streamer/internal/discovery"
	"golang-tick-streamer/internal/fanout"
	"golang-tick-streamer/internal/ingest"
	"golang-tick-streamer/internal/instrument"
	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/storage"
	"golang-tick-streamer/internal/subscription"
	"golang-tick-streamer/internal/upstream"
)

// Application owns every component and the goroutines that connect them. The
// context object pattern: each component gets its collaborators by reference
// at construction, nothing is re-derived elsewhere.
type Application struct {
	cfg *config.Config
	log *logger.Log

	lookup    *instrument.Map
	journal   *storage.Journal
	history   *storage.History
	snapshots *storage.SnapshotCache
	registry  *subscription.Registry
	recorder  *ingest.Recorder
	manager   *upstream.Manager
	hub       *fanout.Hub
	scanner   *discovery.Scanner
	server    *http.Server

	batches chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	app, err := NewApplication(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to create application")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	app.Start()

	<-sigChan
	log.Info("received shutdown signal")

	app.Stop()
	log.Info("shutdown complete")
}

// NewApplication constructs every component in dependency order.
func NewApplication(cfg *config.Config, log *logger.Log) (*Application, error) {
	app := &Application{
		cfg:     cfg,
		log:     log,
		batches: make(chan []byte, cfg.Feed.IngestBuffer),
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.lookup = instrument.LoadMap(cfg.Storage.InstrumentsPath, log)

	journal, err := storage.OpenJournal(cfg.Storage.JournalPath)
	if err != nil {
		return nil, err
	}
	app.journal = journal

	app.history = storage.NewHistory(cfg.Storage.JournalPath, log)

	if cfg.Storage.RedisURL != "" {
		snapshots, err := storage.NewSnapshotCache(cfg.Storage.RedisURL)
		if err != nil {
			// The snapshot cache is an optional convenience surface.
			log.WithComponent("main").WithError(err).Warn("snapshot cache unavailable, continuing without it")
		} else {
			app.snapshots = snapshots
		}
	}

	app.registry = subscription.NewRegistry()
	app.recorder = ingest.NewRecorder(app.journal, app.lookup, app.snapshots, log)

	app.hub = fanout.NewHub(app.history, log)

	streamer := upstream.NewWSStreamer(cfg.Feed.URL, log)
	app.manager = upstream.NewManager(
		streamer,
		app.registry,
		cfg.Feed.SubscribeMode,
		cfg.Feed.ReconnectDelay,
		app.batches,
		app.hub.BroadcastStatus,
		log,
	)

	app.scanner = discovery.NewScanner(
		cfg.Discovery.Dir,
		cfg.Discovery.Pattern,
		cfg.Discovery.Interval,
		cfg.Discovery.RetryWait,
		app.lookup,
		app.manager,
		log,
	)

	server := api.NewServer(app.hub, app.manager, app.registry, app.recorder, app.journal, app.snapshots, log)
	app.server = &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// Start launches the background work: the one-time historical load, the
// ingest worker, the upstream connection, the discovery loop and the HTTP
// server.
func (app *Application) Start() {
	entry := app.log.WithComponent("main")

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.history.Load()
	}()

	app.wg.Add(1)
	go app.runIngest()

	app.manager.Start(app.cfg.Feed.AccessToken)

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.scanner.Run(app.ctx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		entry.WithFields(logger.Fields{"addr": app.server.Addr}).Info("http server listening")
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("http server error")
		}
	}()

	entry.Info("streamer started")
}

// runIngest is the single consumer of the raw batch channel: it preserves
// arrival order through persistence and fan-out for every instrument.
func (app *Application) runIngest() {
	defer app.wg.Done()

	for {
		select {
		case raw := <-app.batches:
			enriched, ok := app.recorder.Process(raw)
			if !ok {
				continue
			}
			app.hub.OnTickArrived(enriched)
		case <-app.ctx.Done():
			return
		}
	}
}

// Stop shuts everything down; only the journal must survive, everything else
// is rebuilt from it on restart.
func (app *Application) Stop() {
	entry := app.log.WithComponent("main")

	app.manager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		entry.WithError(err).Warn("http server shutdown error")
	}

	app.cancel()
	app.wg.Wait()

	if err := app.journal.Close(); err != nil {
		entry.WithError(err).Warn("journal close error")
	}
	if app.snapshots != nil {
		if err := app.snapshots.Close(); err != nil {
			entry.WithError(err).Warn("snapshot cache close error")
		}
	}
}
