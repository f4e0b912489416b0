package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ErrShellDisabled is returned by MockRunner for scaffolding commands
var ErrShellDisabled = errors.New("shell disabled in mock mode, use create_file to write files manually")

const (
	outputBuffer = 1024
	tailLines    = 50
)

// Process is a spawned command
type Process interface {
	ID() string
	Command() string
	// Output yields combined stdout/stderr lines and closes on exit
	Output() <-chan string
	// Wait blocks until exit or ctx is done
	Wait(ctx context.Context) (exitCode int, err error)
	Kill() error
	Write(input string) error
	// Tail returns the most recent output lines
	Tail() []string
}

// ProcessRunner starts commands in the workspace
type ProcessRunner interface {
	Spawn(ctx context.Context, command string) (Process, error)
}

func newProcessID() string {
	id, err := gonanoid.Generate("0123456789", 8)
	if err != nil {
		return gonanoid.Must(8)
	}
	return id
}

// HostRunner runs commands with sh -c inside root
type HostRunner struct {
	root   string
	logger zerolog.Logger
}

// NewHostRunner creates a runner for root
func NewHostRunner(root string, logger zerolog.Logger) *HostRunner {
	return &HostRunner{root: root, logger: logger.With().Str("component", "process_runner").Logger()}
}

// Spawn starts command. The process is not tied to ctx: background
// processes outlive the tool call that started them.
func (r *HostRunner) Spawn(ctx context.Context, command string) (Process, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = r.root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	p := &hostProcess{
		id:      newProcessID(),
		command: command,
		cmd:     cmd,
		stdin:   stdin,
		output:  make(chan string, outputBuffer),
		done:    make(chan struct{}),
		logger:  r.logger,
	}
	p.logger.Debug().Str("pid", p.id).Str("command", command).Msg("Process started")

	scanned := make(chan struct{})
	go p.scan(pr, scanned)
	go func() {
		err := cmd.Wait()
		pw.Close()
		<-scanned

		p.mu.Lock()
		p.exitCode = cmd.ProcessState.ExitCode()
		if err != nil && p.exitCode == 0 {
			p.waitErr = err
		}
		exitCode, dropped := p.exitCode, p.dropped
		p.mu.Unlock()

		close(p.output)
		close(p.done)
		p.logger.Debug().Str("pid", p.id).Int("exit_code", exitCode).Int("dropped_lines", dropped).Msg("Process exited")
	}()

	return p, nil
}

type hostProcess struct {
	id      string
	command string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	output  chan string
	done    chan struct{}
	logger  zerolog.Logger

	mu       sync.Mutex
	tail     []string
	exitCode int
	waitErr  error
	dropped  int
}

func (p *hostProcess) ID() string            { return p.id }
func (p *hostProcess) Command() string       { return p.command }
func (p *hostProcess) Output() <-chan string { return p.output }

func (p *hostProcess) scan(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > tailLines {
			p.tail = p.tail[len(p.tail)-tailLines:]
		}
		p.mu.Unlock()

		select {
		case p.output <- line:
		default:
			// Nobody is reading; keep the process from blocking on its pipe
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
	}
	// Drain so the writer never blocks after a scan error
	_, _ = io.Copy(io.Discard, r)
}

func (p *hostProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *hostProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *hostProcess) Write(input string) error {
	select {
	case <-p.done:
		return fmt.Errorf("process %s has exited", p.id)
	default:
	}
	_, err := io.WriteString(p.stdin, input)
	return err
}

func (p *hostProcess) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// MockRunner simulates commands for mock mode
type MockRunner struct {
	logger zerolog.Logger
}

// NewMockRunner creates a mock runner
func NewMockRunner(logger zerolog.Logger) *MockRunner {
	return &MockRunner{logger: logger.With().Str("component", "mock_runner").Logger()}
}

// scaffolding commands generate whole projects and cannot be simulated
var scaffolding = []string{"npm create", "git clone"}

// Spawn refuses scaffolding and otherwise returns a process that reports
// success and exits immediately
func (r *MockRunner) Spawn(ctx context.Context, command string) (Process, error) {
	for _, s := range scaffolding {
		if strings.Contains(command, s) {
			r.logger.Warn().Str("command", command).Msg("Refusing scaffolding command")
			return nil, ErrShellDisabled
		}
	}

	line := fmt.Sprintf("(Mock) Command '%s' executed successfully.", command)
	output := make(chan string, 1)
	output <- line
	close(output)
	done := make(chan struct{})
	close(done)

	return &mockProcess{id: newProcessID(), command: command, output: output, done: done, tail: []string{line}}, nil
}

type mockProcess struct {
	id      string
	command string
	output  chan string
	done    chan struct{}
	tail    []string
}

func (p *mockProcess) ID() string            { return p.id }
func (p *mockProcess) Command() string       { return p.command }
func (p *mockProcess) Output() <-chan string { return p.output }
func (p *mockProcess) Kill() error           { return nil }
func (p *mockProcess) Tail() []string        { return append([]string(nil), p.tail...) }

func (p *mockProcess) Wait(ctx context.Context) (int, error) {
	return 0, nil
}

func (p *mockProcess) Write(input string) error {
	return fmt.Errorf("process %s has exited", p.id)
}

// ProcessTable tracks processes started by run_command so later tool calls
// can address them by ID
type ProcessTable struct {
	mu        sync.Mutex
	processes map[string]Process
}

// NewProcessTable creates an empty table
func NewProcessTable() *ProcessTable {
	return &ProcessTable{processes: make(map[string]Process)}
}

func (t *ProcessTable) Add(p Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processes[p.ID()] = p
}

func (t *ProcessTable) Get(id string) (Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.processes[id]
	return p, ok
}

func (t *ProcessTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processes, id)
}

// IDs returns the tracked process IDs
func (t *ProcessTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.processes))
	for id := range t.processes {
		ids = append(ids, id)
	}
	return ids
}

// KillAll stops every tracked process
func (t *ProcessTable) KillAll() {
	t.mu.Lock()
	processes := t.processes
	t.processes = make(map[string]Process)
	t.mu.Unlock()

	for _, p := range processes {
		_ = p.Kill()
	}
}
