package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/lysis/internal/observability"
	"github.com/harun/lysis/pkg/tools"
)

const (
	// maxWorkerLogs bounds the log lines kept per worker
	maxWorkerLogs = 100
	// fileProgressStep is added per written file, capped at fileProgressCap
	fileProgressStep = 15
	fileProgressCap  = 95
)

// Worker tasks shown while a worker is not running one
const (
	TaskIdle      = "Idle"
	TaskError     = "Error"
	TaskSuspended = "Waiting for credentials"
)

// Registry tracks worker states
type Registry struct {
	workers map[string]*WorkerState
	// runs counts concurrent runs per worker; a worker is busy while > 0
	runs map[string]int
	mu   sync.RWMutex
	now  func() time.Time
}

// NewRegistry creates a registry with both workers idle
func NewRegistry() *Registry {
	r := &Registry{
		workers: make(map[string]*WorkerState),
		runs:    make(map[string]int),
		now:     time.Now,
	}
	for _, id := range []string{tools.Worker1, tools.Worker2} {
		r.workers[id] = &WorkerState{ID: id, Task: TaskIdle, UpdatedAt: r.now()}
	}
	return r
}

func (r *Registry) get(id string) (*WorkerState, error) {
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return w, nil
}

// Begin marks id busy with task
func (r *Registry) Begin(id, task string) (WorkerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.get(id)
	if err != nil {
		return WorkerState{}, err
	}
	r.runs[id]++
	w.Busy = true
	observability.SetWorkerBusy(id, true)
	w.Task = task
	w.Progress = 0
	w.UpdatedAt = r.now()
	return snapshot(w), nil
}

// Finish ends one run of id, leaving task and progress as given
func (r *Registry) Finish(id, task string, progress int) (WorkerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.get(id)
	if err != nil {
		return WorkerState{}, err
	}
	if r.runs[id] > 0 {
		r.runs[id]--
	}
	w.Busy = r.runs[id] > 0
	observability.SetWorkerBusy(id, w.Busy)
	w.Task = task
	w.Progress = progress
	w.UpdatedAt = r.now()
	return snapshot(w), nil
}

// Advance adds a file-write step to id's progress
func (r *Registry) Advance(id string) (WorkerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.get(id)
	if err != nil {
		return WorkerState{}, err
	}
	w.Progress = min(fileProgressCap, w.Progress+fileProgressStep)
	w.UpdatedAt = r.now()
	return snapshot(w), nil
}

// Complete sets id's progress to 100 without ending the run
func (r *Registry) Complete(id string) (WorkerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.get(id)
	if err != nil {
		return WorkerState{}, err
	}
	w.Progress = 100
	w.UpdatedAt = r.now()
	return snapshot(w), nil
}

// Log appends a line to id's log
func (r *Registry) Log(id, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.get(id)
	if err != nil {
		return err
	}
	w.Logs = append(w.Logs, line)
	if len(w.Logs) > maxWorkerLogs {
		w.Logs = w.Logs[len(w.Logs)-maxWorkerLogs:]
	}
	return nil
}

// Get returns a copy of id's state
func (r *Registry) Get(id string) (WorkerState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, err := r.get(id)
	if err != nil {
		return WorkerState{}, err
	}
	return snapshot(w), nil
}

// List returns every worker, ordered by ID
func (r *Registry) List() []WorkerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerState, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, snapshot(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exists checks if a worker is known
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.workers[id]
	return ok
}

func snapshot(w *WorkerState) WorkerState {
	c := *w
	c.Logs = append([]string(nil), w.Logs...)
	return c
}
