package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/lysis/pkg/tools"
	"github.com/harun/lysis/pkg/workspace"
)

// managerTools implements tools.ManagerHandler
type managerTools struct {
	o *Orchestrator
}

func (m *managerTools) SetProjectMode(ctx context.Context, inv tools.SetProjectMode) (string, error) {
	m.o.SetMode(inv.Mode)
	return fmt.Sprintf("Project mode set to %s.", inv.Mode), nil
}

// DispatchWorker returns as soon as the worker run has started
func (m *managerTools) DispatchWorker(ctx context.Context, inv tools.DispatchWorker) (string, error) {
	if err := m.o.Dispatch(inv.WorkerID, inv.Task); err != nil {
		return "", err
	}
	return fmt.Sprintf("Dispatched task to %s.", inv.WorkerID), nil
}

func (m *managerTools) GetProjectStatus(ctx context.Context, inv tools.GetProjectStatus) (string, error) {
	files, err := m.o.fs.Tree(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Files:\n")
	if len(files) == 0 {
		b.WriteString("(none)")
	} else {
		b.WriteString(strings.Join(files, "\n"))
	}

	b.WriteString("\n\nWorkers:")
	for _, w := range m.o.registry.List() {
		state := "idle"
		if w.Busy {
			state = "busy"
		}
		fmt.Fprintf(&b, "\n%s: %s, %s (%d%%)", w.ID, state, w.Task, w.Progress)
	}
	return b.String(), nil
}

// workerTools implements tools.WorkerHandler for one worker
type workerTools struct {
	o  *Orchestrator
	id string
}

func (w *workerTools) log(message string, severity workspace.Severity) {
	w.o.progress.Log(w.id, message, severity)
}

func (w *workerTools) CreateFile(ctx context.Context, inv tools.CreateFile) (string, error) {
	if err := w.o.fs.Write(ctx, inv.Path, inv.Content); err != nil {
		w.log("Err: "+err.Error(), workspace.SeverityError)
		return "", err
	}
	w.log("Wrote "+inv.Path, workspace.SeveritySuccess)
	if state, err := w.o.registry.Advance(w.id); err == nil {
		w.o.publishState(state)
	}
	return "File created: " + inv.Path, nil
}

func (w *workerTools) RunCommand(ctx context.Context, inv tools.RunCommand) (string, error) {
	w.log("Run: "+inv.Command, workspace.SeverityCommand)

	p, err := w.o.runner.Spawn(ctx, inv.Command)
	if err != nil {
		w.log("Err: "+err.Error(), workspace.SeverityError)
		return "", err
	}
	w.o.procs.Add(p)

	if w.o.mock && strings.Contains(inv.Command, "dev") {
		if state, err := w.o.registry.Complete(w.id); err == nil {
			w.o.publishState(state)
		}
	}

	if inv.InBackground {
		go w.watch(p)
		return fmt.Sprintf("Process started in background. PID: %s", p.ID()), nil
	}

	code, err := w.drain(ctx, p)
	w.o.procs.Remove(p.ID())
	if err != nil {
		return "", err
	}

	if w.o.mock {
		w.log(fmt.Sprintf("(Mock) %s Done", inv.Command), workspace.SeveritySuccess)
		return strings.Join(p.Tail(), "\n"), nil
	}
	if code != 0 {
		w.log(fmt.Sprintf("%s exited with code %d", inv.Command, code), workspace.SeverityError)
		return fmt.Sprintf("Command '%s' exited with code %d.\n%s", inv.Command, code, strings.Join(p.Tail(), "\n")), nil
	}
	return fmt.Sprintf("Command '%s' finished.", inv.Command), nil
}

// drain feeds p's output to auto-repair until exit
func (w *workerTools) drain(ctx context.Context, p workspace.Process) (int, error) {
	output := p.Output()
	for output != nil {
		select {
		case line, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			w.o.repair.Observe(line)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return p.Wait(ctx)
}

// watch follows a background process until it exits
func (w *workerTools) watch(p workspace.Process) {
	code, err := w.drain(w.o.ctx, p)
	w.o.procs.Remove(p.ID())
	if err != nil {
		return
	}
	w.log(fmt.Sprintf("[Process %s] Exited with code %d", p.ID(), code), workspace.SeverityInfo)
}

func (w *workerTools) SendTerminalInput(ctx context.Context, inv tools.SendTerminalInput) (string, error) {
	p, ok := w.o.procs.Get(inv.PID)
	if !ok {
		return fmt.Sprintf("Error: Process %s not found", inv.PID), nil
	}
	if err := p.Write(inv.Input); err != nil {
		return "", err
	}
	return "Sent input to " + inv.PID, nil
}

func (w *workerTools) KillProcess(ctx context.Context, inv tools.KillProcess) (string, error) {
	p, ok := w.o.procs.Get(inv.PID)
	if !ok {
		return fmt.Sprintf("Process %s not found (may have already exited).", inv.PID), nil
	}
	if err := p.Kill(); err != nil {
		return "", err
	}
	w.o.procs.Remove(inv.PID)
	return "Killed process " + inv.PID, nil
}

func (w *workerTools) ReadFile(ctx context.Context, inv tools.ReadFile) (string, error) {
	content, ok, err := w.o.fs.Read(ctx, inv.Path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "File not found", nil
	}
	return content, nil
}

func (w *workerTools) ListFiles(ctx context.Context, inv tools.ListFiles) (string, error) {
	entries, err := w.o.fs.List(ctx, inv.Path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty)", nil
	}
	return strings.Join(entries, "\n"), nil
}
