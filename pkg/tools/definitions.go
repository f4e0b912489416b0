package tools

import (
	"context"
	"fmt"

	"github.com/harun/lysis/pkg/toolexecutor"
)

// Dispatcher executes a decoded invocation and returns the text the model sees
type Dispatcher func(ctx context.Context, inv Invocation) (string, error)

// WorkerDefinitions declares the worker tool set. Handlers are attached by Bind.
func WorkerDefinitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        NameCreateFile,
			Description: "Create or overwrite a file. Always provide the complete content.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "File path, e.g. client/src/App.tsx", Required: true},
				{Name: "content", Type: "string", Description: "Complete file content", Required: true},
			},
		},
		{
			Name:        NameRunCommand,
			Description: "Run a shell command in the workspace.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "command", Type: "string", Description: "Command line, e.g. npm install", Required: true},
				{Name: "in_background", Type: "boolean", Description: "Return immediately with a process ID instead of waiting for exit"},
			},
		},
		{
			Name:        NameSendTerminalInput,
			Description: "Send text to a running background process.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "pid", Type: "string", Description: "Process ID returned by run_command", Required: true},
				{Name: "input", Type: "string", Description: "Text to send; use \\n for Enter", Required: true},
			},
		},
		{
			Name:        NameKillProcess,
			Description: "Terminate a running background process.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "pid", Type: "string", Description: "Process ID to kill", Required: true},
			},
		},
		{
			Name:        NameReadFile,
			Description: "Read a file's content.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "File path", Required: true},
			},
		},
		{
			Name:        NameListFiles,
			Description: "List directory contents.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "Directory path, default ."},
			},
		},
	}
}

// ManagerDefinitions declares the manager tool set
func ManagerDefinitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        NameSetProjectMode,
			Description: "Choose frontend-only or fullstack before dispatching any work.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "mode", Type: "string", Description: "Project mode", Required: true, Enum: []string{ModeFrontend, ModeFullstack}},
			},
		},
		{
			Name:        NameDispatchWorker,
			Description: "Hand a coding task to a background worker.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "task", Type: "string", Description: "Specific instructions for the worker", Required: true},
				{Name: "workerId", Type: "string", Description: "Target worker", Required: true, Enum: []string{Worker1, Worker2}},
			},
		},
		{
			Name:        NameGetProjectStatus,
			Description: "Get the current file tree and worker status.",
		},
	}
}

// Bind registers defs on exec, routing every call through Decode and dispatch
func Bind(exec *toolexecutor.ToolExecutor, defs []toolexecutor.ToolDefinition, dispatch Dispatcher) error {
	if dispatch == nil {
		return fmt.Errorf("dispatcher is required")
	}
	for _, def := range defs {
		name := def.Name
		def.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
			inv, err := Decode(name, params)
			if err != nil {
				return "", err
			}
			return dispatch(ctx, inv)
		}
		if err := exec.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", name, err)
		}
	}
	return nil
}
