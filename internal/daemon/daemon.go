// Package daemon runs the build slot as a long-lived service: the HTTP API
// the build farm polls, the request spool, the heartbeat and the event
// consumers that persist and publish builder events.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/pkgbuildd/internal/builder"
	"git.home.luguber.info/inful/pkgbuildd/internal/buildmanager"
	"git.home.luguber.info/inful/pkgbuildd/internal/config"
	"git.home.luguber.info/inful/pkgbuildd/internal/daemon/events"
	"git.home.luguber.info/inful/pkgbuildd/internal/eventstore"
	"git.home.luguber.info/inful/pkgbuildd/internal/filecache"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
	"git.home.luguber.info/inful/pkgbuildd/internal/metrics"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
	"git.home.luguber.info/inful/pkgbuildd/internal/retry"
)

// Status represents the current state of the daemon
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

const (
	relayBuffer      = 256
	subscriberBuffer = 64
)

// Options are the collaborators of a Daemon that do not come from the
// configuration file.
type Options struct {
	// Name identifies the builder on NATS; defaults to the host name.
	Name string
	// Runner starts helper processes; defaults to exec.
	Runner process.Runner
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Daemon represents the main daemon service
type Daemon struct {
	cfg       *config.Config
	name      string
	logger    *slog.Logger
	status    atomic.Value
	startTime time.Time
	mu        sync.Mutex

	cache      *filecache.Store
	builder    *builder.Builder
	store      eventstore.Store
	projection *eventstore.BuildHistoryProjection
	emitter    *EventEmitter
	publisher  *NATSPublisher
	bus        *events.Bus
	relay      *eventRelay
	scheduler  *Scheduler
	spool      *SpoolWatcher
	httpServer *HTTPServer
	registry   *prom.Registry
	recorder   metrics.Recorder
	retry      retry.Policy

	workers   WorkerGroup
	stopRelay context.CancelFunc
	relayDone chan struct{}
	// closed is set once the sinks are closed; a daemon is not restartable.
	closed bool
}

// New wires a daemon from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.ConfigError("configuration is required").Build()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "builder"
		}
		name = host
	}

	d := &Daemon{
		cfg:      cfg,
		name:     name,
		logger:   logger,
		recorder: metrics.NoopRecorder{},
		retry:    retry.FromConfig(cfg.Daemon.EventRetry),
	}
	d.status.Store(StatusStopped)

	if cfg.Metrics.Enabled {
		d.registry = prom.NewRegistry()
		d.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		d.recorder = metrics.NewPrometheusRecorder(d.registry)
	}

	for _, dir := range []string{cfg.Builder.Home, filepath.Dir(cfg.Daemon.EventStore)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to create directory").
				WithContext("path", dir).
				Build()
		}
	}

	cache, err := filecache.New(cfg.Builder.CacheDir)
	if err != nil {
		return nil, err
	}
	d.cache = cache

	d.bus = events.NewBus()
	d.relay = newEventRelay(d.bus, relayBuffer, logger, d.recorder)

	d.builder, err = builder.New(builder.Config{
		Home:        cfg.Builder.Home,
		SharePath:   cfg.Builder.SharePath,
		Backend:     cfg.Builder.Backend,
		Arch:        cfg.Builder.Arch,
		ReapTimeout: cfg.Builder.ReapTimeout,
		Env:         cfg.Builder.EnvList(),
		TypeOptions: buildmanager.TypeOptions{SbuildArgs: cfg.BuildTypes.SbuildArgs},
		Cache:       cache,
		Runner:      opts.Runner,
		Sink:        d.relay,
		Clock:       opts.Clock,
		Recorder:    d.recorder,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := eventstore.NewSQLiteStore(cfg.Daemon.EventStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store: %w", err)
	}
	d.store = store
	d.projection = eventstore.NewBuildHistoryProjection(store, cfg.Daemon.HistorySize)
	d.emitter = NewEventEmitter(store, d.projection, name)
	if err := d.projection.Rebuild(context.Background()); err != nil {
		logger.Warn("Failed to rebuild build history projection", logfields.Error(err))
	}

	if cfg.NATS.Enabled() {
		d.publisher, err = NewNATSPublisher(cfg.NATS, name, cfg.Builder.Arch, logger)
		if err != nil {
			d.closeSinks()
			return nil, err
		}
	}

	d.scheduler, err = NewScheduler(logger)
	if err != nil {
		d.closeSinks()
		return nil, err
	}

	if cfg.Daemon.SpoolDir != "" {
		d.spool, err = NewSpoolWatcher(cfg.Daemon.SpoolDir, d.builder.StartBuild, logger)
		if err != nil {
			d.closeSinks()
			return nil, err
		}
	}

	return d, nil
}

// Builder returns the daemon's build slot.
func (d *Daemon) Builder() *builder.Builder { return d.builder }

// History returns the build history projection.
func (d *Daemon) History() *eventstore.BuildHistoryProjection { return d.projection }

// Addr returns the HTTP listen address once started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.httpServer == nil {
		return ""
	}
	return d.httpServer.Addr()
}

// GetStatus returns the current daemon status
func (d *Daemon) GetStatus() Status {
	status, _ := d.status.Load().(Status)
	return status
}

// Run starts the daemon, blocks until ctx is done and shuts down within
// shutdownTimeout.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Start starts the event consumers, the HTTP API, the heartbeat and the spool.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.ConflictError("daemon has been stopped").Build()
	}
	if d.GetStatus() != StatusStopped {
		return errors.ConflictError(fmt.Sprintf("daemon is not in stopped state: %s", d.GetStatus())).Build()
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()
	d.logger.Info("Starting build daemon",
		slog.String("builder", d.name),
		slog.String("arch", d.cfg.Builder.Arch),
		slog.String("backend", d.cfg.Builder.Backend))

	consumeCtx := context.WithoutCancel(ctx)
	d.subscribe(consumeCtx, "eventstore", d.emitter.Record)
	if d.publisher != nil {
		d.subscribe(consumeCtx, "nats", d.publisher.Publish)
	}
	if d.spool != nil {
		d.subscribe(consumeCtx, "spool", func(_ context.Context, e builder.Event) error {
			if e.Type == builder.EventBuilderCleaned {
				d.spool.Trigger()
			}
			return nil
		})
	}

	relayCtx, cancel := context.WithCancel(consumeCtx)
	d.stopRelay = cancel
	d.relayDone = make(chan struct{})
	go func() {
		defer close(d.relayDone)
		d.relay.run(relayCtx)
	}()

	srv, err := startHTTPServer(d.cfg.Daemon.Listen, d.routes(d.registry), d.logger)
	if err != nil {
		d.shutdownEvents(context.Background())
		d.closeSinks()
		d.status.Store(StatusStopped)
		return err
	}
	d.httpServer = srv

	if interval := d.cfg.Daemon.HeartbeatInterval; interval > 0 {
		if _, err := d.scheduler.ScheduleHeartbeat(interval, d.heartbeat); err != nil {
			d.logger.Error("Failed to schedule heartbeat", logfields.Error(err))
		}
	}
	d.scheduler.Start()

	if d.spool != nil {
		if err := d.spool.Start(ctx); err != nil {
			d.logger.Error("Failed to start spool watcher", logfields.Error(err))
		}
	}

	d.status.Store(StatusRunning)
	d.logger.Info("Build daemon started", slog.String("listen", srv.Addr()))
	return nil
}

// Stop shuts the daemon down. A running build is left to finish; its
// helpers are not signalled.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.GetStatus() != StatusRunning {
		return nil
	}
	d.status.Store(StatusStopping)
	d.logger.Info("Stopping build daemon")

	if s := d.builder.Status(); s.Status == builder.StatusBuilding || s.Status == builder.StatusAborting {
		d.logger.Warn("Stopping with a build in progress", logfields.BuildID(s.BuildID), logfields.Status(string(s.Status)))
	}

	var firstErr error
	if d.spool != nil {
		d.spool.Stop()
	}
	if err := d.scheduler.Stop(); err != nil {
		d.logger.Error("Failed to stop scheduler", logfields.Error(err))
	}
	if err := d.httpServer.Stop(ctx); err != nil {
		firstErr = err
	}
	d.shutdownEvents(ctx)
	d.closeSinks()

	d.status.Store(StatusStopped)
	d.logger.Info("Build daemon stopped", slog.Duration("uptime", time.Since(d.startTime)))
	return firstErr
}

// heartbeat publishes the builder status and rescans the spool.
func (d *Daemon) heartbeat() {
	d.builder.Heartbeat()
	if d.spool != nil {
		d.spool.Trigger()
	}
}

// subscribe runs handle for every builder event on the bus, retrying
// retryable failures per the event retry policy.
func (d *Daemon) subscribe(ctx context.Context, sink string, handle func(context.Context, builder.Event) error) {
	ch, _ := events.Subscribe[builder.Event](d.bus, subscriberBuffer)
	d.workers.Go(func() {
		for e := range ch {
			err := d.retry.Do(ctx, nil, func(ctx context.Context) error { return handle(ctx, e) })
			d.recorder.IncEventPublished(sink, err == nil)
			if err != nil {
				d.logger.Warn("Event consumer failed",
					slog.String("sink", sink),
					slog.String("type", string(e.Type)),
					logfields.BuildID(e.BuildID),
					logfields.Error(err))
			}
		}
	})
}

// shutdownEvents drains the relay, then closes the bus so consumers exit.
func (d *Daemon) shutdownEvents(ctx context.Context) {
	if d.stopRelay != nil {
		d.stopRelay()
		<-d.relayDone
	}
	d.bus.Close()
	if err := d.workers.StopAndWait(ctx); err != nil {
		d.logger.Warn("Event consumers did not finish", logfields.Error(err))
	}
}

func (d *Daemon) closeSinks() {
	d.closed = true
	if d.publisher != nil {
		d.publisher.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("Failed to close event store", logfields.Error(err))
	}
}
