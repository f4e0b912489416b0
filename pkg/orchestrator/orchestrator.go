package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/lysis/internal/tracing"
	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/llm"
	"github.com/harun/lysis/pkg/scheduler"
	"github.com/harun/lysis/pkg/toolloop"
	"github.com/harun/lysis/pkg/tools"
	"github.com/harun/lysis/pkg/workspace"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrEmptyMessage is returned for blank chat messages
var ErrEmptyMessage = errors.New("message is empty")

// workerToolTimeout bounds one worker tool call; foreground installs can
// take minutes
const workerToolTimeout = 10 * time.Minute

// ModelFactory builds the per-turn model for a role
type ModelFactory func(role keypool.Role, priority int) toolloop.Model

// Orchestrator runs the manager conversation and the worker tasks it
// dispatches
type Orchestrator struct {
	sched    *scheduler.Scheduler
	retry    *keypool.RetryController
	pool     *keypool.Pool
	fs       workspace.FileSystem
	runner   workspace.ProcessRunner
	procs    *workspace.ProcessTable
	progress workspace.ProgressSink
	history  HistoryStore
	profiles map[keypool.Role]Profile
	models   ModelFactory
	logger   zerolog.Logger

	mock        bool
	maxRetries  int
	chatTimeout time.Duration
	resumeDelay time.Duration
	repairDelay time.Duration

	registry *Registry
	recovery *Recovery
	repair   *AutoRepair
	manager  *toolloop.Engine
	workers  map[string]*toolloop.Engine

	chatMu     sync.Mutex
	transcript []llm.Message

	mu       sync.RWMutex
	mode     string
	waiting  bool
	closed   bool
	handlers []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithHistory sets the store the manager transcript persists to
func WithHistory(store HistoryStore) Option {
	return func(o *Orchestrator) {
		o.history = store
	}
}

// WithProgress adds a sink that receives worker progress
func WithProgress(sink workspace.ProgressSink) Option {
	return func(o *Orchestrator) {
		o.progress = sink
	}
}

// WithProfiles replaces the manager and worker profiles
func WithProfiles(profiles map[keypool.Role]Profile) Option {
	return func(o *Orchestrator) {
		o.profiles = profiles
	}
}

// WithModels replaces the per-turn model construction
func WithModels(factory ModelFactory) Option {
	return func(o *Orchestrator) {
		o.models = factory
	}
}

// WithMock switches worker prompts to the restricted environment
func WithMock(mock bool) Option {
	return func(o *Orchestrator) {
		o.mock = mock
	}
}

// WithMaxRetries sets the per-turn retry budget
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		o.maxRetries = n
	}
}

// WithChatTimeout sets the chat watchdog
func WithChatTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.chatTimeout = d
	}
}

// WithResumeDelay sets the pause before a resumed operation re-runs
func WithResumeDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.resumeDelay = d
	}
}

// WithRepairDelay sets the runtime error report delay
func WithRepairDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.repairDelay = d
	}
}

// New creates an orchestrator. Manager and worker model turns go through
// sched and retry unless WithModels overrides them.
func New(sched *scheduler.Scheduler, retry *keypool.RetryController, fs workspace.FileSystem, runner workspace.ProcessRunner, opts ...Option) (*Orchestrator, error) {
	if sched == nil || retry == nil {
		return nil, fmt.Errorf("scheduler and retry controller are required")
	}
	if fs == nil || runner == nil {
		return nil, fmt.Errorf("filesystem and process runner are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		sched:       sched,
		retry:       retry,
		pool:        retry.Pool(),
		fs:          fs,
		runner:      runner,
		procs:       workspace.NewProcessTable(),
		history:     NewMemoryStore(),
		profiles:    DefaultProfiles(),
		logger:      zerolog.Nop(),
		chatTimeout: ChatTimeout,
		resumeDelay: DefaultResumeDelay,
		repairDelay: DefaultRepairDelay,
		mode:        tools.ModeFrontend,
		registry:    NewRegistry(),
		workers:     make(map[string]*toolloop.Engine),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	if o.models == nil {
		o.models = o.scheduledModel
	}
	o.progress = workspace.MultiSink{o.progress, workspace.SinkFunc(o.recordProgress)}
	o.recovery = NewRecovery(o.pool, o.resumeDelay, o.logger)
	o.repair = NewAutoRepair(o.repairDelay, o.sendRepair, o.logger)

	if err := o.buildEngines(); err != nil {
		cancel()
		return nil, err
	}

	transcript, err := o.history.Load(managerSession)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to load manager history, starting fresh")
	}
	o.transcript = transcript

	retry.OnExhausted(func(ev keypool.ExhaustionEvent) {
		o.publish(Event{Type: EventRateLimit, Data: ev})
	})

	return o, nil
}

func (o *Orchestrator) scheduledModel(role keypool.Role, priority int) toolloop.Model {
	return &toolloop.ScheduledModel{
		Scheduler:  o.sched,
		Retry:      o.retry,
		Role:       role,
		Priority:   priority,
		MaxRetries: o.maxRetries,
	}
}

func (o *Orchestrator) buildEngines() error {
	mp, ok := o.profiles[keypool.RoleAgent]
	if !ok {
		return fmt.Errorf("missing profile for %s", keypool.RoleAgent)
	}
	manager, err := toolloop.New(toolloop.Config{
		Name:     "manager",
		Role:     string(keypool.RoleAgent),
		System:   mp.System,
		Tools:    tools.ManagerDefinitions(),
		Dispatch: tools.ManagerDispatcher(&managerTools{o: o}),
		MaxLoops: mp.MaxLoops,
	}, o.models(keypool.RoleAgent, scheduler.PriorityChat), o.logger)
	if err != nil {
		return err
	}
	o.manager = manager

	for _, id := range []string{tools.Worker1, tools.Worker2} {
		role := keypool.Role(id)
		wp, ok := o.profiles[role]
		if !ok {
			return fmt.Errorf("missing profile for %s", role)
		}
		engine, err := toolloop.New(toolloop.Config{
			Name:        id,
			Role:        id,
			System:      wp.System,
			Tools:       tools.WorkerDefinitions(),
			Dispatch:    tools.WorkerDispatcher(&workerTools{o: o, id: id}),
			MaxLoops:    wp.MaxLoops,
			HealDir:     wp.Dir,
			ToolTimeout: workerToolTimeout,
		}, o.models(role, scheduler.PriorityWorker), o.logger)
		if err != nil {
			return err
		}
		o.workers[id] = engine
	}
	return nil
}

// Subscribe registers fn for every published event
func (o *Orchestrator) Subscribe(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, fn)
}

func (o *Orchestrator) publish(ev Event) {
	o.mu.RLock()
	handlers := append([]func(Event){}, o.handlers...)
	o.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (o *Orchestrator) recordProgress(role, message string, severity workspace.Severity) {
	if o.registry.Exists(role) {
		_ = o.registry.Log(role, message)
	}
	o.publish(Event{Type: EventWorkerLog, Data: workspace.ProgressEntry{
		Role:      role,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
	}})
}

func (o *Orchestrator) publishState(state WorkerState) {
	o.publish(Event{Type: EventWorkerState, Data: state})
}

// Chat sends text to the manager and runs its tool loop. Runs are
// serialised; the transcript carries over between chats.
func (o *Orchestrator) Chat(ctx context.Context, text string) (result *ChatResult, err error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if o.isClosed() {
		return nil, ErrClosed
	}

	ctx = tracing.NewRunContext(ctx, string(keypool.RoleAgent))
	ctx, span := tracing.StartSpan(ctx, "lysis.orchestrator", "Orchestrator.Chat")
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	o.chatMu.Lock()
	defer o.chatMu.Unlock()

	o.setWaiting(true)
	watchdog := time.AfterFunc(o.chatTimeout, func() {
		if o.clearWaiting() {
			logger.Warn().Dur("timeout", o.chatTimeout).Msg("Manager took too long to respond")
			o.publish(Event{Type: EventChatTimeout, Data: map[string]interface{}{
				"message": "Agent took too long to respond.",
			}})
		}
	})
	defer func() {
		watchdog.Stop()
		o.clearWaiting()
	}()

	o.publish(Event{Type: EventChatMessage, Data: map[string]interface{}{"role": llm.RoleUser, "text": text}})

	history := append([]llm.Message(nil), o.transcript...)
	out, err := o.manager.Run(ctx, history, text, toolloop.Hooks{})
	if err != nil {
		if susp, ok := keypool.AsSuspension(err); ok {
			susp.Bind(func(ctx context.Context) error {
				_, err := o.Chat(ctx, text)
				return err
			})
			o.recovery.Register(susp, "chat")
		}
		logger.Error().Err(err).Msg("Manager chat failed")
		return nil, err
	}

	o.transcript = out.Messages
	if err := o.history.Save(managerSession, o.transcript); err != nil {
		logger.Warn().Err(err).Msg("Failed to save manager history")
	}

	result = &ChatResult{Text: out.Text, Turns: out.Turns, Truncated: out.Truncated}
	span.SetAttributes(attribute.Int("turns", out.Turns))
	o.publish(Event{Type: EventChatMessage, Data: map[string]interface{}{
		"role":      llm.RoleAssistant,
		"text":      out.Text,
		"turns":     out.Turns,
		"truncated": out.Truncated,
	}})
	return result, nil
}

// ResetHistory drops the manager transcript
func (o *Orchestrator) ResetHistory() error {
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	o.transcript = nil
	return o.history.Delete(managerSession)
}

// History returns a copy of the manager transcript
func (o *Orchestrator) History() []llm.Message {
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	return append([]llm.Message(nil), o.transcript...)
}

func (o *Orchestrator) sendRepair(ctx context.Context, message string) error {
	_, err := o.Chat(ctx, message)
	return err
}

// Dispatch starts task on worker id in the background
func (o *Orchestrator) Dispatch(id, task string) error {
	if !o.registry.Exists(id) {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if strings.TrimSpace(task) == "" {
		return fmt.Errorf("task is empty")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		_ = o.runWorker(o.ctx, id, task)
	}()
	return nil
}

func (o *Orchestrator) runWorker(ctx context.Context, id, task string) (err error) {
	ctx = tracing.NewRunContext(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "lysis.orchestrator", "Orchestrator.runWorker",
		attribute.String("worker", id),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, o.logger).With().Str("worker", id).Logger()

	profile := o.profiles[keypool.Role(id)]
	state, err := o.registry.Begin(id, task)
	if err != nil {
		return err
	}
	o.publishState(state)
	o.progress.Log(id, "Assigned: "+task, workspace.SeverityInfo)
	logger.Info().Str("task", task).Msg("Worker started")

	out, err := o.workers[id].Run(ctx, nil, workerPrompt(profile, task, o.mock), toolloop.Hooks{
		OnToolCall: func(call llm.ToolCall) {
			o.progress.Log(id, "Exec "+call.Name, workspace.SeverityCommand)
		},
		OnHeal: func(path string) {
			o.progress.Log(id, "Detecting code block... Self-healing.", workspace.SeverityInfo)
			o.progress.Log(id, "Auto-write "+path, workspace.SeverityCommand)
		},
	})
	if err != nil {
		if susp, ok := keypool.AsSuspension(err); ok {
			susp.Bind(func(ctx context.Context) error {
				return o.Dispatch(id, task)
			})
			o.recovery.Register(susp, "worker:"+id)
			current, _ := o.registry.Get(id)
			state, _ = o.registry.Finish(id, TaskSuspended, current.Progress)
			o.progress.Log(id, "Rate limited, waiting for an emergency key", workspace.SeverityError)
		} else {
			state, _ = o.registry.Finish(id, TaskError, 0)
			o.progress.Log(id, "Error: "+err.Error(), workspace.SeverityError)
		}
		o.publishState(state)
		logger.Error().Err(err).Msg("Worker failed")
		return err
	}

	if out.Truncated {
		o.progress.Log(id, fmt.Sprintf("Stopped after %d tool rounds", out.Turns), workspace.SeverityInfo)
	}
	state, _ = o.registry.Finish(id, TaskIdle, 100)
	o.publishState(state)
	o.progress.Log(id, "Task Complete", workspace.SeveritySuccess)
	logger.Info().Int("turns", out.Turns).Bool("truncated", out.Truncated).Msg("Worker finished")
	return nil
}

// Wait blocks until every dispatched worker run has finished
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMode records the project mode
func (o *Orchestrator) SetMode(mode string) {
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
	o.logger.Info().Str("mode", mode).Msg("Project mode changed")
}

// Mode returns the project mode
func (o *Orchestrator) Mode() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// Waiting reports whether a chat is in progress and has not timed out
func (o *Orchestrator) Waiting() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.waiting
}

func (o *Orchestrator) setWaiting(v bool) {
	o.mu.Lock()
	o.waiting = v
	o.mu.Unlock()
}

// clearWaiting resets the flag and reports whether it was set
func (o *Orchestrator) clearWaiting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	was := o.waiting
	o.waiting = false
	return was
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Worker returns one worker's state
func (o *Orchestrator) Worker(id string) (WorkerState, error) {
	return o.registry.Get(id)
}

// Recovery returns the suspension registry
func (o *Orchestrator) Recovery() *Recovery {
	return o.recovery
}

// Pool returns the credential pool
func (o *Orchestrator) Pool() *keypool.Pool {
	return o.pool
}

// Scheduler returns the shared scheduler
func (o *Orchestrator) Scheduler() *scheduler.Scheduler {
	return o.sched
}

// Status returns a snapshot of the whole system
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	keys, err := o.pool.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read key status: %w", err)
	}
	return &Status{
		Mode:      o.Mode(),
		Waiting:   o.Waiting(),
		Workers:   o.registry.List(),
		Scheduler: o.sched.GetStats(),
		Keys:      keys,
		Pending:   o.recovery.List(),
		Processes: o.procs.IDs(),
	}, nil
}

// Close stops background work: pending repairs, worker runs and processes
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.repair.Stop()
	o.cancel()
	o.procs.KillAll()

	if err := o.Wait(ctx); err != nil {
		return fmt.Errorf("workers still running: %w", err)
	}
	o.logger.Info().Msg("Orchestrator stopped")
	return nil
}
