package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/lysis/internal/config"
	"github.com/harun/lysis/internal/logger"
	"github.com/harun/lysis/internal/observability"
	"github.com/harun/lysis/internal/tracing"
	"github.com/harun/lysis/pkg/gateway"
	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/llm"
	"github.com/harun/lysis/pkg/orchestrator"
	"github.com/harun/lysis/pkg/scheduler"
	"github.com/harun/lysis/pkg/workspace"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Daemon owns every long-lived component: credential store and pool,
// retry controller, scheduler, orchestrator and, when serving, the
// gateway and status pushes. Components are built once here and passed
// down explicitly.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store   keypool.Store
	pool    *keypool.Pool
	watcher *keypool.StoreWatcher
	retry   *keypool.RetryController
	sched   *scheduler.Scheduler
	orch    *orchestrator.Orchestrator

	pusher        *orchestrator.StatusPusher
	gatewayServer *gateway.Server
	lifecycle     *LifecycleManager

	serve        bool
	providerFunc keypool.ClientFactory

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a daemon
type Option func(*Daemon)

// WithoutServices skips the gateway, status pushes and PID file. Used by
// one-shot commands that only need the orchestrator.
func WithoutServices() Option {
	return func(d *Daemon) {
		d.serve = false
	}
}

// WithClientFactory replaces the provider constructor used by the pool
func WithClientFactory(factory keypool.ClientFactory) Option {
	return func(d *Daemon) {
		d.providerFunc = factory
	}
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		config: cfg,
		logger: log,
		serve:  true,
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		log.Warn().Err(err).Msg("Failed to open audit log, audit events are discarded")
	}
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(context.Background()); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize(ctx context.Context) error {
	cfg := d.config

	store, err := keypool.NewStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	d.store = store

	if d.providerFunc == nil {
		settings := llm.Settings{
			Name:      cfg.Provider.Name,
			Model:     cfg.Provider.Model,
			BaseURL:   cfg.Provider.BaseURL,
			MaxTokens: cfg.Provider.MaxTokens,
		}
		d.providerFunc = func(key string) (llm.Provider, error) {
			return llm.NewProvider(settings, key)
		}
	}
	d.pool = keypool.NewPool(store, d.providerFunc, d.logger.Component("keypool"))
	if err := d.seedKeys(ctx); err != nil {
		return err
	}

	if fileStore, ok := store.(*keypool.FileStore); ok && cfg.Store.Watch {
		d.watcher, err = keypool.WatchFileStore(fileStore, d.pool, d.logger.Component("keypool"))
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to watch credential file, hot reload disabled")
		}
	}

	d.retry = keypool.NewRetryController(d.pool, keypool.RetryConfig{
		MaxRetries:  cfg.Retry.MaxRetries,
		RotateDelay: time.Duration(cfg.Retry.RotateDelayMs) * time.Millisecond,
		BackoffBase: time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
	}, d.logger.Component("retry"))

	d.sched = scheduler.New(d.logger.Component("scheduler"),
		scheduler.WithMinDelay(time.Duration(cfg.Scheduler.MinDelayMs)*time.Millisecond))

	fs, runner, err := d.workspaceBackends()
	if err != nil {
		return err
	}

	history, err := orchestrator.NewFileStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}

	profiles, err := d.loadProfiles()
	if err != nil {
		return err
	}

	d.orch, err = orchestrator.New(d.sched, d.retry, fs, runner,
		orchestrator.WithLogger(d.logger.GetZerolog()),
		orchestrator.WithHistory(history),
		orchestrator.WithProfiles(profiles),
		orchestrator.WithProgress(workspace.NewLogSink(d.logger.GetZerolog())),
		orchestrator.WithMock(cfg.Workspace.Mock),
		orchestrator.WithMaxRetries(cfg.Retry.MaxRetries),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if !d.serve {
		return nil
	}

	if cfg.Status.Enabled {
		d.pusher, err = orchestrator.NewStatusPusher(d.orch, cfg.Status.Schedule, d.logger.GetZerolog())
		if err != nil {
			return err
		}
	}

	if cfg.Gateway.SharedSecret == "" {
		secret, err := gonanoid.New(32)
		if err != nil {
			return fmt.Errorf("failed to generate gateway secret: %w", err)
		}
		cfg.Gateway.SharedSecret = secret
		d.logger.Warn().Msg("No gateway shared secret configured, generated one for this run")
	}

	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		TickInterval: time.Duration(cfg.Gateway.TickIntervalSec) * time.Second,
		Orchestrator: d.orch,
		Logger:       d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return nil
}

// seedKeys writes configured key lists for roles whose store entry is empty
func (d *Daemon) seedKeys(ctx context.Context) error {
	lists := map[keypool.Role]string{
		keypool.RoleAgent:   d.config.Keys.Agent,
		keypool.RoleWorker1: d.config.Keys.Worker1,
		keypool.RoleWorker2: d.config.Keys.Worker2,
	}
	for role, list := range lists {
		if len(keypool.ParseKeys(list)) == 0 {
			continue
		}
		current, err := d.store.Get(ctx, keypool.KeysKey(role))
		if err != nil {
			return fmt.Errorf("failed to read keys for %s: %w", role, err)
		}
		if current != "" {
			continue
		}
		if err := d.pool.SetKeys(ctx, role, list); err != nil {
			return fmt.Errorf("failed to seed keys for %s: %w", role, err)
		}
		d.logger.Info().Str("role", string(role)).Msg("Seeded keys from config")
	}
	return nil
}

func (d *Daemon) workspaceBackends() (workspace.FileSystem, workspace.ProcessRunner, error) {
	log := d.logger.Component("workspace")
	if d.config.Workspace.Mock {
		log.Info().Msg("Mock workspace: in-memory files, no shell")
		return workspace.NewMemoryFS(), workspace.NewMockRunner(log), nil
	}

	root := d.config.Workspace.Root
	fs, err := workspace.NewOSFileSystem(root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workspace %s: %w", root, err)
	}
	return fs, workspace.NewHostRunner(root, log), nil
}

// loadProfiles applies the configured loop bounds to the default
// profiles, then overlays the optional profile file
func (d *Daemon) loadProfiles() (map[keypool.Role]orchestrator.Profile, error) {
	base := orchestrator.DefaultProfiles()
	for role, p := range base {
		if role == keypool.RoleAgent {
			p.MaxLoops = d.config.Loops.ManagerMax
		} else {
			p.MaxLoops = d.config.Loops.WorkerMax
		}
		base[role] = p
	}

	path := d.config.Workspace.Profiles
	if path == "" {
		return base, nil
	}
	loader := orchestrator.NewProfileLoader(d.logger.Component("profiles"))
	overrides, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return loader.Merge(base, overrides)
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if !d.serve {
		d.mu.Unlock()
		return fmt.Errorf("daemon was created without services")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting Lysis daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setRunning(false)
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setRunning(false)
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.pusher != nil {
		d.pusher.Start()
		logger.Info().Str("schedule", d.config.Status.Schedule).Msg("Status pushes started")
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Lysis daemon")

	if d.pusher != nil {
		d.pusher.Stop()
	}

	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.release()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) setRunning(running bool) {
	d.mu.Lock()
	d.running = running
	d.mu.Unlock()
}

// Close releases the core components of a daemon that was never started
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release()
	return nil
}

// release shuts the core down in reverse construction order. Safe to
// call on a partially initialized daemon and more than once.
func (d *Daemon) release() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if d.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.orch.Close(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close orchestrator")
		}
		cancel()
	}
	if d.sched != nil {
		if err := d.sched.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close scheduler")
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop credential watcher")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close credential store")
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	_ = observability.GetAuditLogger().Close()
}

// Status is the daemon's own run state
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// Orchestrator returns the orchestrator
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Pool returns the credential pool
func (d *Daemon) Pool() *keypool.Pool {
	return d.pool
}

// GatewayServer returns the gateway, nil without services
func (d *Daemon) GatewayServer() *gateway.Server {
	return d.gatewayServer
}
