package tools

import (
	"context"
	"fmt"
)

// WorkerHandler implements every worker tool
type WorkerHandler interface {
	CreateFile(ctx context.Context, inv CreateFile) (string, error)
	RunCommand(ctx context.Context, inv RunCommand) (string, error)
	SendTerminalInput(ctx context.Context, inv SendTerminalInput) (string, error)
	KillProcess(ctx context.Context, inv KillProcess) (string, error)
	ReadFile(ctx context.Context, inv ReadFile) (string, error)
	ListFiles(ctx context.Context, inv ListFiles) (string, error)
}

// ManagerHandler implements every manager tool
type ManagerHandler interface {
	SetProjectMode(ctx context.Context, inv SetProjectMode) (string, error)
	DispatchWorker(ctx context.Context, inv DispatchWorker) (string, error)
	GetProjectStatus(ctx context.Context, inv GetProjectStatus) (string, error)
}

// WorkerDispatcher routes worker invocations to h
func WorkerDispatcher(h WorkerHandler) Dispatcher {
	return func(ctx context.Context, inv Invocation) (string, error) {
		switch inv := inv.(type) {
		case CreateFile:
			return h.CreateFile(ctx, inv)
		case RunCommand:
			return h.RunCommand(ctx, inv)
		case SendTerminalInput:
			return h.SendTerminalInput(ctx, inv)
		case KillProcess:
			return h.KillProcess(ctx, inv)
		case ReadFile:
			return h.ReadFile(ctx, inv)
		case ListFiles:
			return h.ListFiles(ctx, inv)
		default:
			return "", fmt.Errorf("tool %s is not available to workers", inv.ToolName())
		}
	}
}

// ManagerDispatcher routes manager invocations to h
func ManagerDispatcher(h ManagerHandler) Dispatcher {
	return func(ctx context.Context, inv Invocation) (string, error) {
		switch inv := inv.(type) {
		case SetProjectMode:
			return h.SetProjectMode(ctx, inv)
		case DispatchWorker:
			return h.DispatchWorker(ctx, inv)
		case GetProjectStatus:
			return h.GetProjectStatus(ctx, inv)
		default:
			return "", fmt.Errorf("tool %s is not available to the manager", inv.ToolName())
		}
	}
}
