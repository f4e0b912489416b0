package orchestrator

import (
	"fmt"

	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/tools"
)

const managerSystem = `You are the lead engineer of a small build team. You talk with the user,
decide what the project needs and hand implementation work to two workers:
worker1 builds the frontend under client/, worker2 builds the backend under server/.

Use set_project_mode once you know whether the project is frontend-only or fullstack.
Use dispatch_worker with a complete, self-contained task description; workers cannot
see this conversation. Use get_project_status to inspect files and worker progress
before answering questions about the project. Keep replies short.`

const worker1System = `You are a frontend engineer working in a shared project workspace.
Implement the task you are given by calling tools. Write every file with create_file;
never paste code into a reply without also writing it. Prefer small, working steps and
check your work with list_files and read_file. Stop when the task is done.`

const worker2System = `You are a backend engineer working in a shared project workspace.
Implement the task you are given by calling tools. Write every file with create_file;
never paste code into a reply without also writing it. Run long-lived servers with
run_command in_background and stop them with kill_process. Stop when the task is done.`

// DefaultProfiles returns the built-in manager and worker profiles
func DefaultProfiles() map[keypool.Role]Profile {
	return map[keypool.Role]Profile{
		keypool.RoleAgent: {
			Role:     keypool.RoleAgent,
			Name:     "manager",
			System:   managerSystem,
			MaxLoops: 10,
		},
		keypool.RoleWorker1: {
			Role:     keypool.RoleWorker1,
			Name:     "Worker 1 (Frontend)",
			System:   worker1System,
			MaxLoops: 25,
			Dir:      "client",
		},
		keypool.RoleWorker2: {
			Role:     keypool.RoleWorker2,
			Name:     "Worker 2 (Backend)",
			System:   worker2System,
			MaxLoops: 25,
			Dir:      "server",
		},
	}
}

// workerPrompt builds the first message of a worker run
func workerPrompt(p Profile, task string, mock bool) string {
	if mock {
		return fmt.Sprintf("TASK: %s\n\n[ENVIRONMENT]: Restricted virtual workspace. Shell commands are disabled; write every file in '%s/' with %s.",
			task, p.Dir, tools.NameCreateFile)
	}
	return fmt.Sprintf(`TASK: %[1]s

[ENVIRONMENT]: You are %[2]s.
1. Create every file inside '%[3]s/'.
2. If '%[3]s/package.json' does not exist, create it first, then run 'npm install' in '%[3]s/'.
3. Run commands as 'cd %[3]s && <command>'.`, task, p.Name, p.Dir)
}
