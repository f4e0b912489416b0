package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/llm"
	"github.com/harun/lysis/pkg/scheduler"
	"github.com/harun/lysis/pkg/toolloop"
	"github.com/harun/lysis/pkg/tools"
	"github.com/harun/lysis/pkg/workspace"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) OfType(typ string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	o      *Orchestrator
	fs     *workspace.MemoryFS
	pool   *keypool.Pool
	events *eventLog
}

func scripted(steps ...llm.Step) toolloop.Model {
	p := llm.NewScriptedProvider(steps...)
	return toolloop.ModelFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return llm.Complete(ctx, p, req)
	})
}

func call(id, name string, args map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Args: args}
}

func toolStep(calls ...llm.ToolCall) llm.Step {
	return llm.Step{Response: llm.Response{ToolCalls: calls}}
}

func textStep(text string) llm.Step {
	return llm.Step{Response: llm.Response{Text: text}}
}

// newHarness builds an orchestrator in mock mode. Roles missing from
// models reply "ok" without tools.
func newHarness(t *testing.T, models map[keypool.Role]toolloop.Model, opts ...Option) *harness {
	t.Helper()

	sched := scheduler.New(zerolog.Nop(), scheduler.WithMinDelay(scheduler.MinDelayFloor))
	t.Cleanup(func() { _ = sched.Close() })

	pool := keypool.NewPool(keypool.NewMemoryStore(), func(key string) (llm.Provider, error) {
		return llm.NewScriptedProvider(textStep("ok")).Named(key), nil
	}, zerolog.Nop(), keypool.WithFallbackKeys(nil))
	retry := keypool.NewRetryController(pool, keypool.RetryConfig{}, zerolog.Nop())

	fs := workspace.NewMemoryFS()
	opts = append([]Option{
		WithMock(true),
		WithResumeDelay(0),
		WithModels(func(role keypool.Role, priority int) toolloop.Model {
			if m, ok := models[role]; ok {
				return m
			}
			return scripted(textStep("ok"))
		}),
	}, opts...)

	o, err := New(sched, retry, fs, workspace.NewMockRunner(zerolog.Nop()), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})

	events := &eventLog{}
	o.Subscribe(events.record)
	return &harness{o: o, fs: fs, pool: pool, events: events}
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.o.Wait(ctx))
}

func TestChatDispatchesWorkers(t *testing.T) {
	h := newHarness(t, map[keypool.Role]toolloop.Model{
		keypool.RoleAgent: scripted(
			toolStep(
				call("m1", tools.NameSetProjectMode, map[string]interface{}{"mode": "fullstack"}),
				call("m2", tools.NameDispatchWorker, map[string]interface{}{"task": "build the UI", "workerId": "worker1"}),
			),
			textStep("Worker 1 is on it."),
		),
		keypool.RoleWorker1: scripted(
			toolStep(call("w1", tools.NameCreateFile, map[string]interface{}{
				"path": "client/App.tsx", "content": "export default () => null",
			})),
			textStep("done"),
		),
	})

	result, err := h.o.Chat(context.Background(), "Build me a todo app")
	require.NoError(t, err)
	assert.Equal(t, "Worker 1 is on it.", result.Text)
	assert.Equal(t, 1, result.Turns)
	assert.Equal(t, tools.ModeFullstack, h.o.Mode())

	h.wait(t)

	content, ok, err := h.fs.Read(context.Background(), "client/App.tsx")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "export default () => null", content)

	state, err := h.o.Worker(tools.Worker1)
	require.NoError(t, err)
	assert.False(t, state.Busy)
	assert.Equal(t, TaskIdle, state.Task)
	assert.Equal(t, 100, state.Progress)
	assert.Contains(t, state.Logs, "Assigned: build the UI")
	assert.Contains(t, state.Logs, "Exec create_file")
	assert.Contains(t, state.Logs, "Wrote client/App.tsx")
	assert.Equal(t, "Task Complete", state.Logs[len(state.Logs)-1])

	history := h.o.History()
	require.Len(t, history, 4)
	results := history[2].ToolResults
	require.Len(t, results, 2)
	assert.Equal(t, "Project mode set to fullstack.", results[0].Content)
	assert.Equal(t, "Dispatched task to worker1.", results[1].Content)

	assert.Len(t, h.events.OfType(EventChatMessage), 2)
	assert.NotEmpty(t, h.events.OfType(EventWorkerState))
	assert.NotEmpty(t, h.events.OfType(EventWorkerLog))
}

func TestChatKeepsHistory(t *testing.T) {
	store := NewMemoryStore()
	h := newHarness(t, map[keypool.Role]toolloop.Model{
		keypool.RoleAgent: scripted(textStep("first"), textStep("second")),
	}, WithHistory(store))

	_, err := h.o.Chat(context.Background(), "one")
	require.NoError(t, err)
	_, err = h.o.Chat(context.Background(), "two")
	require.NoError(t, err)

	history := h.o.History()
	require.Len(t, history, 4)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "second", history[3].Content)

	saved, err := store.Load(managerSession)
	require.NoError(t, err)
	assert.Len(t, saved, 4)

	require.NoError(t, h.o.ResetHistory())
	assert.Empty(t, h.o.History())
	saved, err = store.Load(managerSession)
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.Chat(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChatTimeoutOnlyReports(t *testing.T) {
	slow := toolloop.ModelFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		time.Sleep(80 * time.Millisecond)
		return &llm.Response{Text: "late but fine"}, nil
	})
	h := newHarness(t, map[keypool.Role]toolloop.Model{keypool.RoleAgent: slow}, WithChatTimeout(10*time.Millisecond))

	result, err := h.o.Chat(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "late but fine", result.Text)
	assert.Len(t, h.events.OfType(EventChatTimeout), 1)
	assert.False(t, h.o.Waiting())
}

func TestChatSuspensionResumesFromTheTop(t *testing.T) {
	susp := &keypool.Suspension{ID: "susp-chat", Role: keypool.RoleAgent, Err: errors.New("429")}
	h := newHarness(t, map[keypool.Role]toolloop.Model{
		keypool.RoleAgent: scripted(llm.Step{Err: susp}, textStep("back online")),
	})

	_, err := h.o.Chat(context.Background(), "status?")
	got, ok := keypool.AsSuspension(err)
	require.True(t, ok)
	assert.Same(t, susp, got)
	assert.Empty(t, h.o.History())

	pending := h.o.Recovery().List()
	require.Len(t, pending, 1)
	assert.Equal(t, "chat", pending[0].Operation)

	require.NoError(t, h.o.Recovery().Resume(context.Background(), "susp-chat", "EMERGENCY"))
	assert.Equal(t, "EMERGENCY", h.pool.EmergencyKey(keypool.RoleAgent))

	history := h.o.History()
	require.Len(t, history, 2)
	assert.Equal(t, "status?", history[0].Content)
	assert.Equal(t, "back online", history[1].Content)
}

func TestWorkerSuspensionResumesAsNewRun(t *testing.T) {
	susp := &keypool.Suspension{ID: "susp-w2", Role: keypool.RoleWorker2, Err: errors.New("429")}
	h := newHarness(t, map[keypool.Role]toolloop.Model{
		keypool.RoleWorker2: scripted(llm.Step{Err: susp}, textStep("done")),
	})

	require.NoError(t, h.o.Dispatch(tools.Worker2, "add an API"))
	h.wait(t)

	state, _ := h.o.Worker(tools.Worker2)
	assert.False(t, state.Busy)
	assert.Equal(t, TaskSuspended, state.Task)

	pending := h.o.Recovery().List()
	require.Len(t, pending, 1)
	assert.Equal(t, "worker:worker2", pending[0].Operation)

	require.NoError(t, h.o.Recovery().Resume(context.Background(), "susp-w2", ""))
	h.wait(t)

	state, _ = h.o.Worker(tools.Worker2)
	assert.Equal(t, TaskIdle, state.Task)
	assert.Equal(t, 100, state.Progress)
	assert.Empty(t, h.o.Recovery().List())
}

func TestWorkerFailureMarksError(t *testing.T) {
	h := newHarness(t, map[keypool.Role]toolloop.Model{
		keypool.RoleWorker1: scripted(llm.Step{Err: errors.New("invalid api key")}),
	})

	require.NoError(t, h.o.Dispatch(tools.Worker1, "task"))
	h.wait(t)

	state, _ := h.o.Worker(tools.Worker1)
	assert.Equal(t, TaskError, state.Task)
	assert.Equal(t, 0, state.Progress)
	assert.Contains(t, state.Logs, "Error: invalid api key")
	assert.Empty(t, h.o.Recovery().List())
}

func TestDispatchValidation(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.o.Dispatch("worker3", "task"), ErrUnknownWorker)
	assert.Error(t, h.o.Dispatch(tools.Worker1, " "))

	require.NoError(t, h.o.Close(context.Background()))
	assert.ErrorIs(t, h.o.Dispatch(tools.Worker1, "task"), ErrClosed)
	_, err := h.o.Chat(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGetProjectStatus(t *testing.T) {
	h := newHarness(t, nil)
	m := &managerTools{o: h.o}
	ctx := context.Background()

	out, err := m.GetProjectStatus(ctx, tools.GetProjectStatus{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Files:\n(none)"))

	require.NoError(t, h.fs.Write(ctx, "client/index.html", "<html></html>"))
	require.NoError(t, h.fs.Write(ctx, "server/main.go", "package main"))
	out, err = m.GetProjectStatus(ctx, tools.GetProjectStatus{})
	require.NoError(t, err)
	assert.Equal(t, "Files:\nclient/index.html\nserver/main.go\n\nWorkers:\nworker1: idle, Idle (0%)\nworker2: idle, Idle (0%)", out)
}

func TestWorkerTools(t *testing.T) {
	h := newHarness(t, nil)
	w := &workerTools{o: h.o, id: tools.Worker1}
	ctx := context.Background()

	t.Run("should create and read files", func(t *testing.T) {
		out, err := w.CreateFile(ctx, tools.CreateFile{Path: "client/a.ts", Content: "A"})
		require.NoError(t, err)
		assert.Equal(t, "File created: client/a.ts", out)

		out, err = w.ReadFile(ctx, tools.ReadFile{Path: "client/a.ts"})
		require.NoError(t, err)
		assert.Equal(t, "A", out)

		out, err = w.ReadFile(ctx, tools.ReadFile{Path: "client/missing.ts"})
		require.NoError(t, err)
		assert.Equal(t, "File not found", out)

		out, err = w.ListFiles(ctx, tools.ListFiles{Path: "."})
		require.NoError(t, err)
		assert.Equal(t, "client/", out)
	})

	t.Run("should run foreground commands", func(t *testing.T) {
		out, err := w.RunCommand(ctx, tools.RunCommand{Command: "npm install"})
		require.NoError(t, err)
		assert.Equal(t, "(Mock) Command 'npm install' executed successfully.", out)
		assert.Empty(t, h.o.procs.IDs())
	})

	t.Run("should start background commands", func(t *testing.T) {
		out, err := w.RunCommand(ctx, tools.RunCommand{Command: "npm run dev", InBackground: true})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "Process started in background. PID: "))

		state, _ := h.o.Worker(tools.Worker1)
		assert.Equal(t, 100, state.Progress)
	})

	t.Run("should refuse scaffolding in mock mode", func(t *testing.T) {
		_, err := w.RunCommand(ctx, tools.RunCommand{Command: "npm create vite@latest"})
		assert.ErrorIs(t, err, workspace.ErrShellDisabled)
	})

	t.Run("should report unknown processes", func(t *testing.T) {
		out, err := w.SendTerminalInput(ctx, tools.SendTerminalInput{PID: "123", Input: "y\n"})
		require.NoError(t, err)
		assert.Equal(t, "Error: Process 123 not found", out)

		out, err = w.KillProcess(ctx, tools.KillProcess{PID: "123"})
		require.NoError(t, err)
		assert.Equal(t, "Process 123 not found (may have already exited).", out)
	})
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pool.SetKeys(context.Background(), keypool.RoleWorker1, "AAAAAAAAAA1,BBBBBBBBBB2"))

	status, err := h.o.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tools.ModeFrontend, status.Mode)
	assert.Len(t, status.Workers, 2)
	require.Len(t, status.Keys, 3)
	for _, k := range status.Keys {
		if k.Role == keypool.RoleWorker1 {
			assert.Len(t, k.Keys, 2)
		}
	}

	pusher, err := NewStatusPusher(h.o, "@every 1h", zerolog.Nop())
	require.NoError(t, err)
	pushed, err := pusher.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Mode, pushed.Mode)
	assert.Len(t, h.events.OfType(EventStatus), 1)

	_, err = NewStatusPusher(h.o, "not a schedule", zerolog.Nop())
	assert.Error(t, err)
}

func TestStatusPushDoesNotWaitForScheduler(t *testing.T) {
	h := newHarness(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = h.o.sched.Enqueue(context.Background(), scheduler.PriorityChat, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started
	defer close(release)

	before := h.o.sched.GetStats()
	pusher, err := NewStatusPusher(h.o, "@every 1h", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pushed, err := pusher.Push(ctx)
	require.NoError(t, err)
	assert.True(t, pushed.Scheduler.Running)

	after := h.o.sched.GetStats()
	assert.Equal(t, before.Completed, after.Completed)
	assert.Equal(t, 0, after.Pending)
}

func TestRateLimitExhaustionEndToEnd(t *testing.T) {
	sched := scheduler.New(zerolog.Nop(), scheduler.WithMinDelay(scheduler.MinDelayFloor))
	defer sched.Close()

	store := keypool.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), keypool.KeysKey(keypool.RoleAgent), "ONLY"))
	pool := keypool.NewPool(store, func(key string) (llm.Provider, error) {
		if key == "EMERGENCY" {
			return llm.NewScriptedProvider(textStep("back online")).Named(key), nil
		}
		return llm.NewScriptedProvider(llm.Step{Err: &llm.APIError{Provider: "test", Status: 429, Message: "quota"}}).Named(key), nil
	}, zerolog.Nop(), keypool.WithFallbackKeys(nil))
	retry := keypool.NewRetryController(pool, keypool.RetryConfig{
		MaxRetries:  3,
		RotateDelay: time.Millisecond,
		BackoffBase: time.Millisecond,
	}, zerolog.Nop())

	o, err := New(sched, retry, workspace.NewMemoryFS(), workspace.NewMockRunner(zerolog.Nop()), WithResumeDelay(0))
	require.NoError(t, err)
	defer o.Close(context.Background())
	events := &eventLog{}
	o.Subscribe(events.record)

	_, err = o.Chat(context.Background(), "hello")
	susp, ok := keypool.AsSuspension(err)
	require.True(t, ok)

	limits := events.OfType(EventRateLimit)
	require.Len(t, limits, 1)
	ev := limits[0].Data.(keypool.ExhaustionEvent)
	assert.Equal(t, susp.ID, ev.SuspensionID)
	assert.Equal(t, keypool.RoleAgent, ev.Role)

	require.NoError(t, o.Recovery().Resume(context.Background(), susp.ID, "EMERGENCY"))
	history := o.History()
	require.Len(t, history, 2)
	assert.Equal(t, "back online", history[1].Content)
}
