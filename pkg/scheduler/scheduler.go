package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harun/lysis/internal/observability"
	"github.com/harun/lysis/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Priorities used by the orchestrator. Higher runs first.
const (
	PriorityWorker = 5
	PriorityStatus = 8
	PriorityChat   = 10
)

const (
	// DefaultMinDelay is the start-to-start spacing used when none is configured
	DefaultMinDelay = 800 * time.Millisecond
	// MinDelayFloor is the smallest delay SetMinDelay accepts
	MinDelayFloor = 100 * time.Millisecond
)

// ErrClosed is returned for tasks that were still queued when the scheduler closed
var ErrClosed = errors.New("scheduler closed")

// Task is one upstream-bound operation
type Task func(ctx context.Context) (interface{}, error)

// Event describes a scheduler state change
type Event struct {
	Type     string // "enqueued", "started" or "completed"
	TaskID   string
	Priority int
	Data     map[string]interface{}
}

// EventHandler handles scheduler events. Handlers run synchronously on the
// goroutine that produced the event and must not block.
type EventHandler func(event Event)

type taskRecord struct {
	id         string
	seq        uint64
	priority   int
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	index      int
	started    bool
	abandoned  bool
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// Scheduler is a single-consumer priority queue
type Scheduler struct {
	mu        sync.Mutex
	queue     taskQueue
	seq       uint64
	minDelay  time.Duration
	lastStart time.Time
	running   *taskRecord
	completed int
	failed    int
	closed    bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex

	logger zerolog.Logger
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithMinDelay sets the initial spacing. Values below MinDelayFloor are raised to it.
func WithMinDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.minDelay = clampDelay(d)
	}
}

// New creates a scheduler and starts its consumer goroutine
func New(logger zerolog.Logger, opts ...Option) *Scheduler {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		minDelay:      DefaultMinDelay,
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		eventHandlers: make(map[string][]EventHandler),
		logger:        logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s
}

func clampDelay(d time.Duration) time.Duration {
	if d < MinDelayFloor {
		return MinDelayFloor
	}
	return d
}

// SetMinDelay adjusts the spacing at runtime
func (s *Scheduler) SetMinDelay(d time.Duration) time.Duration {
	d = clampDelay(d)

	s.mu.Lock()
	s.minDelay = d
	s.mu.Unlock()

	s.logger.Info().Dur("min_delay", d).Msg("Request throttling updated")
	return d
}

// MinDelay returns the current spacing
func (s *Scheduler) MinDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minDelay
}

// Enqueue submits task and blocks until it settles. If ctx ends while the
// task is still queued the task is dropped and ctx.Err() returned; once
// started the task always runs to completion.
func (s *Scheduler) Enqueue(ctx context.Context, priority int, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"lysis.scheduler",
		"scheduler.enqueue",
		attribute.Int("priority", priority),
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		tracing.EndSpan(span, ErrClosed)
		return nil, ErrClosed
	}
	s.seq++
	record := &taskRecord{
		id:         tracing.NewTaskID(),
		seq:        s.seq,
		priority:   priority,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	heap.Push(&s.queue, record)
	pending := s.queue.Len()
	s.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("task_id", record.id).
		Int("priority", priority).
		Int("pending", pending).
		Msg("Task enqueued")

	observability.RecordSchedulerEnqueue(strconv.Itoa(priority), pending)
	s.emit(Event{
		Type:     "enqueued",
		TaskID:   record.id,
		Priority: priority,
		Data:     map[string]interface{}{"pending": pending},
	})

	s.signal()

	select {
	case res := <-record.result:
		tracing.EndSpan(span, res.err)
		return res.value, res.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	if !record.started {
		record.abandoned = true
		if record.index >= 0 && record.index < s.queue.Len() && s.queue[record.index] == record {
			heap.Remove(&s.queue, record.index)
		}
		s.mu.Unlock()
		tracing.EndSpan(span, ctx.Err())
		return nil, ctx.Err()
	}
	s.mu.Unlock()

	res := <-record.result
	tracing.EndSpan(span, res.err)
	return res.value, res.err
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the single consumer
func (s *Scheduler) run() {
	defer close(s.done)

	for {
		record := s.next()
		if record == nil {
			return
		}

		s.mu.Lock()
		var wait time.Duration
		if !s.lastStart.IsZero() {
			wait = s.minDelay - time.Since(s.lastStart)
		}
		s.mu.Unlock()

		if wait > 0 {
			s.logger.Debug().Dur("wait", wait).Str("task_id", record.id).Msg("Throttling request")
			observability.RecordSchedulerWait(wait)
			if !s.sleep(wait) {
				s.reject(record, ErrClosed)
				return
			}
		}

		s.mu.Lock()
		if record.abandoned {
			s.mu.Unlock()
			continue
		}
		record.started = true
		s.lastStart = time.Now()
		s.running = record
		s.mu.Unlock()

		s.execute(record)

		s.mu.Lock()
		s.running = nil
		spacing := s.minDelay
		s.mu.Unlock()

		if !s.sleep(spacing) {
			return
		}
	}
}

// next pops the highest priority task, blocking until one exists
func (s *Scheduler) next() *taskRecord {
	for {
		s.mu.Lock()
		for s.queue.Len() > 0 {
			record := heap.Pop(&s.queue).(*taskRecord)
			if record.abandoned {
				continue
			}
			s.mu.Unlock()
			return record
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Scheduler) execute(record *taskRecord) {
	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"lysis.scheduler",
		"scheduler.execute_task",
		attribute.String("task_id", record.id),
		attribute.Int("priority", record.priority),
	)
	logger := tracing.LoggerFromContext(taskCtx, s.logger)

	s.emit(Event{
		Type:     "started",
		TaskID:   record.id,
		Priority: record.priority,
		Data:     map[string]interface{}{"waited_ms": time.Since(record.enqueuedAt).Milliseconds()},
	})

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(s.ctx, cancel)

	startTime := time.Now()
	value, err := s.safeRun(runCtx, record.task)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
	pending := s.queue.Len()
	s.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	// Failures are reported to the caller; the consumer keeps going.
	if err != nil {
		logger.Warn().
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	tracing.EndSpan(span, err)

	observability.RecordSchedulerCompletion(strconv.Itoa(record.priority), duration, err == nil, pending)
	s.emit(Event{
		Type:     "completed",
		TaskID:   record.id,
		Priority: record.priority,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})
}

func (s *Scheduler) safeRun(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (s *Scheduler) reject(record *taskRecord, err error) {
	select {
	case record.result <- taskResult{err: err}:
	default:
	}
}

// Stats is a point-in-time snapshot
type Stats struct {
	Pending   int           `json:"pending"`
	Running   bool          `json:"running"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	MinDelay  time.Duration `json:"min_delay"`
}

// GetStats returns a snapshot of the queue
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending:   s.queue.Len(),
		Running:   s.running != nil,
		Completed: s.completed,
		Failed:    s.failed,
		MinDelay:  s.minDelay,
	}
}

// Close stops the consumer. Queued tasks fail with ErrClosed; a running
// task sees its context cancelled.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := make([]*taskRecord, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		record := heap.Pop(&s.queue).(*taskRecord)
		record.abandoned = true
		pending = append(pending, record)
	}
	s.mu.Unlock()

	for _, record := range pending {
		s.reject(record, ErrClosed)
	}

	s.cancel()
	<-s.done
	return nil
}

// On registers an event handler for a specific event type
func (s *Scheduler) On(eventType string, handler EventHandler) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.eventHandlers[eventType] = append(s.eventHandlers[eventType], handler)
}

func (s *Scheduler) emit(event Event) {
	s.eventMu.RLock()
	handlers := s.eventHandlers[event.Type]
	s.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// taskQueue orders by priority descending, then sequence ascending
type taskQueue []*taskRecord

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	record := x.(*taskRecord)
	record.index = len(*q)
	*q = append(*q, record)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	record := old[n-1]
	old[n-1] = nil
	record.index = -1
	*q = old[:n-1]
	return record
}
