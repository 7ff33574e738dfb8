package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-captions/internal/activity"
	"github.com/loqalabs/loqa-captions/internal/bridge"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/events"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/router"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/supervisor"
	"go.opentelemetry.io/otel"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	launcher capture.Launcher
	runner   capture.CommandRunner
	clock    clockwork.Clock

	handler     http.Handler
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	indicators activity.Set
	events     *events.Bus
	store      *eventstore.Store
	history    *eventstore.Recorder
	nats       *natsserver.EmbeddedServer
	busClient  *bus.Client
	bridge     *bridge.Service
	sup        *supervisor.Supervisor
	escalator  *supervisor.Escalator
	monitor    *supervisor.Monitor
	router     *router.Service
}

type Option func(*Runtime)

// WithLauncher replaces the process launcher used for capture and local
// engines.
func WithLauncher(l capture.Launcher) Option {
	return func(r *Runtime) { r.launcher = l }
}

// WithCommandRunner replaces the runner for device listing and mixer
// commands.
func WithCommandRunner(run capture.CommandRunner) Option {
	return func(r *Runtime) { r.runner = run }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		launcher: capture.ExecLauncher{},
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ready reports whether every service has started.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// Handler serves the HTTP endpoints. It is nil until Start has built the
// services.
func (r *Runtime) Handler() http.Handler { return r.handler }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	r.handler = mux

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	if r.cfg.HTTP.Enabled {
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
	}

	mode, err := domain.ParseMode(r.cfg.Mode)
	if err != nil {
		mode = domain.ModeOnline
	}
	r.sup.Start(ctx, mode)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("mode", string(mode)),
		slog.Bool("bus", r.busClient != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

// build assembles the services from the configuration. Anything it
// creates is released by shutdown, including after a partial build.
func (r *Runtime) build(ctx context.Context) error {
	r.indicators = activity.FromConfig(r.cfg.Activity)
	_ = r.indicators.Reset(r.logger)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	r.events = events.NewBus(r.logger)
	r.history = eventstore.NewRecorder(ctx, store, r.logger)
	r.history.Start(r.events)

	if r.cfg.Bus.Enabled {
		r.connectBus(ctx)
	}

	recorder, err := capture.NewRecorder(r.cfg.Audio.CaptureCommand, r.cfg.Audio.OpenAttempts, r.launcher, r.clock, r.logger)
	if err != nil {
		return err
	}
	devices, err := capture.NewDevices(r.cfg, r.logger)
	if err != nil {
		return err
	}
	mixer, err := capture.NewMixer(r.cfg.Audio)
	if err != nil {
		return err
	}
	if r.runner != nil {
		devices = devices.WithRunner(r.runner)
		mixer = mixer.WithRunner(r.runner)
	}

	state := supervisor.NewState(r.clock, r.cfg.Supervisor.MaxRestarts)
	sup, err := supervisor.New(ctx, supervisor.Deps{
		State:    state,
		Adapters: stt.NewFactory(r.cfg, r.launcher),
		Devices:  devices,
		Recorder: recorder,
		Mixer:    mixer,
		Events:   r.events,
		Clock:    r.clock,
		Meter:    otel.Meter("github.com/loqalabs/loqa-captions/supervisor"),
	}, r.logger)
	if err != nil {
		return err
	}
	r.sup = sup

	r.escalator = supervisor.NewEscalator(ctx, sup, r.events, r.logger)
	r.escalator.Start()
	r.monitor = supervisor.NewMonitor(ctx, r.cfg.Supervisor, sup, r.logger)
	r.monitor.Start()
	r.router = router.NewService(ctx, r.cfg.Supervisor, state, sup, r.indicators.Phone, r.clock, r.logger)
	r.router.Start()

	if r.busClient != nil {
		r.bridge = bridge.NewService(ctx, r.cfg.Bus.SubjectPrefix, r.busClient, r.events, sup, r.logger)
		if err := r.bridge.Start(); err != nil {
			r.logger.Warn("caption bridge unavailable", slog.String("error", err.Error()))
			r.bridge.Close()
			r.bridge = nil
		}
	}
	return nil
}

// connectBus brings up NATS. Captions keep running without it, so
// failures are logged rather than returned.
func (r *Runtime) connectBus(ctx context.Context) {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		r.logger.Warn("embedded NATS server unavailable", slog.String("error", err.Error()))
		return
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := bus.Connect(connectCtx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		r.logger.Warn("NATS unavailable, caption bridge disabled", slog.String("error", err.Error()))
		return
	}
	r.busClient = client
}

// shutdown stops the services in reverse order. The supervisor closes
// before the event bus so its final status events are still recorded.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.router != nil {
		r.router.Close()
	}
	if r.monitor != nil {
		r.monitor.Close()
	}
	if r.escalator != nil {
		r.escalator.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.sup != nil {
		r.sup.Close()
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.history != nil {
		r.history.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	_ = r.indicators.Reset(r.logger)

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady fails once the supervisor has given up restarting, so an
// external watchdog can restart the daemon.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.sup.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.sup.Snapshot()); err != nil {
		r.logger.Warn("failed to encode status", slog.String("error", err.Error()))
	}
}
