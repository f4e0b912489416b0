package tools

import (
	"fmt"
	"strings"
)

// Tool names
const (
	NameCreateFile        = "create_file"
	NameRunCommand        = "run_command"
	NameSendTerminalInput = "send_terminal_input"
	NameKillProcess       = "kill_process"
	NameReadFile          = "read_file"
	NameListFiles         = "list_files"

	NameSetProjectMode   = "set_project_mode"
	NameDispatchWorker   = "dispatch_worker"
	NameGetProjectStatus = "get_project_status"
)

// Project modes accepted by set_project_mode
const (
	ModeFrontend  = "frontend"
	ModeFullstack = "fullstack"
)

// Worker IDs accepted by dispatch_worker
const (
	Worker1 = "worker1"
	Worker2 = "worker2"
)

// Invocation is one decoded tool call
type Invocation interface {
	ToolName() string
	invocation()
}

type CreateFile struct {
	Path    string
	Content string
}

type RunCommand struct {
	Command      string
	InBackground bool
}

type SendTerminalInput struct {
	PID   string
	Input string
}

type KillProcess struct {
	PID string
}

type ReadFile struct {
	Path string
}

// ListFiles lists Path, "." when empty
type ListFiles struct {
	Path string
}

type SetProjectMode struct {
	Mode string
}

type DispatchWorker struct {
	Task     string
	WorkerID string
}

type GetProjectStatus struct{}

func (CreateFile) ToolName() string        { return NameCreateFile }
func (RunCommand) ToolName() string        { return NameRunCommand }
func (SendTerminalInput) ToolName() string { return NameSendTerminalInput }
func (KillProcess) ToolName() string       { return NameKillProcess }
func (ReadFile) ToolName() string          { return NameReadFile }
func (ListFiles) ToolName() string         { return NameListFiles }
func (SetProjectMode) ToolName() string    { return NameSetProjectMode }
func (DispatchWorker) ToolName() string    { return NameDispatchWorker }
func (GetProjectStatus) ToolName() string  { return NameGetProjectStatus }

func (CreateFile) invocation()        {}
func (RunCommand) invocation()        {}
func (SendTerminalInput) invocation() {}
func (KillProcess) invocation()       {}
func (ReadFile) invocation()          {}
func (ListFiles) invocation()         {}
func (SetProjectMode) invocation()    {}
func (DispatchWorker) invocation()    {}
func (GetProjectStatus) invocation()  {}

var decoders = map[string]func(args map[string]interface{}) (Invocation, error){
	NameCreateFile: func(args map[string]interface{}) (Invocation, error) {
		path, err := requiredString(args, "path")
		if err != nil {
			return nil, err
		}
		content, _ := args["content"].(string)
		return CreateFile{Path: path, Content: content}, nil
	},
	NameRunCommand: func(args map[string]interface{}) (Invocation, error) {
		command, err := requiredString(args, "command")
		if err != nil {
			return nil, err
		}
		return RunCommand{Command: command, InBackground: boolArg(args, "in_background")}, nil
	},
	NameSendTerminalInput: func(args map[string]interface{}) (Invocation, error) {
		pid, err := requiredString(args, "pid")
		if err != nil {
			return nil, err
		}
		input, _ := args["input"].(string)
		return SendTerminalInput{PID: pid, Input: input}, nil
	},
	NameKillProcess: func(args map[string]interface{}) (Invocation, error) {
		pid, err := requiredString(args, "pid")
		if err != nil {
			return nil, err
		}
		return KillProcess{PID: pid}, nil
	},
	NameReadFile: func(args map[string]interface{}) (Invocation, error) {
		path, err := requiredString(args, "path")
		if err != nil {
			return nil, err
		}
		return ReadFile{Path: path}, nil
	},
	NameListFiles: func(args map[string]interface{}) (Invocation, error) {
		path, _ := args["path"].(string)
		if strings.TrimSpace(path) == "" {
			path = "."
		}
		return ListFiles{Path: path}, nil
	},
	NameSetProjectMode: func(args map[string]interface{}) (Invocation, error) {
		mode, err := requiredString(args, "mode")
		if err != nil {
			return nil, err
		}
		if mode != ModeFrontend && mode != ModeFullstack {
			return nil, fmt.Errorf("invalid mode %q", mode)
		}
		return SetProjectMode{Mode: mode}, nil
	},
	NameDispatchWorker: func(args map[string]interface{}) (Invocation, error) {
		task, err := requiredString(args, "task")
		if err != nil {
			return nil, err
		}
		worker, err := requiredString(args, "workerId")
		if err != nil {
			return nil, err
		}
		if worker != Worker1 && worker != Worker2 {
			return nil, fmt.Errorf("invalid workerId %q", worker)
		}
		return DispatchWorker{Task: task, WorkerID: worker}, nil
	},
	NameGetProjectStatus: func(args map[string]interface{}) (Invocation, error) {
		return GetProjectStatus{}, nil
	},
}

// Decode maps a tool call onto its Invocation
func Decode(name string, args map[string]interface{}) (Invocation, error) {
	decode, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return decode(args)
}

func requiredString(args map[string]interface{}, key string) (string, error) {
	value, _ := args[key].(string)
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return value, nil
}

func boolArg(args map[string]interface{}, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
