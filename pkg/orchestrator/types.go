package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/scheduler"
)

var (
	// ErrUnknownWorker is returned for worker IDs other than worker1 and worker2
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrUnknownSuspension is returned when resuming an ID that is not pending
	ErrUnknownSuspension = errors.New("unknown suspension")
	// ErrClosed is returned once the orchestrator has shut down
	ErrClosed = errors.New("orchestrator closed")
)

// ChatTimeout is how long a chat may run before the waiting flag is
// cleared and a timeout is reported. The run itself is never aborted.
const ChatTimeout = 60 * time.Second

// Event types published to subscribers
const (
	EventChatMessage = "chat.message"
	EventChatTimeout = "chat.timeout"
	EventWorkerLog   = "worker.log"
	EventWorkerState = "worker.state"
	EventRateLimit   = "rate_limit"
	EventStatus      = "status"
)

// Event is a notification for gateway clients
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Profile configures one agent: the manager or a worker
type Profile struct {
	Role     keypool.Role `json:"role" yaml:"role"`
	Name     string       `json:"name" yaml:"name"`
	System   string       `json:"system" yaml:"system"`
	MaxLoops int          `json:"max_loops" yaml:"max_loops"`
	// Dir is where a worker writes its files; empty for the manager
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Validate validates the profile
func (p Profile) Validate() error {
	if _, err := keypool.ParseRole(string(p.Role)); err != nil {
		return err
	}
	if p.MaxLoops < 0 {
		return fmt.Errorf("%s: max_loops must be non-negative, got: %d", p.Role, p.MaxLoops)
	}
	if p.Role != keypool.RoleAgent && p.Dir == "" {
		return fmt.Errorf("%s: dir is required for workers", p.Role)
	}
	return nil
}

// WorkerState is the observable state of one worker
type WorkerState struct {
	ID        string    `json:"id"`
	Busy      bool      `json:"busy"`
	Task      string    `json:"task"`
	Progress  int       `json:"progress"`
	Logs      []string  `json:"logs"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatResult is the outcome of one manager chat
type ChatResult struct {
	Text      string `json:"text"`
	Turns     int    `json:"turns"`
	Truncated bool   `json:"truncated"`
}

// Status is a point-in-time snapshot of the whole system
type Status struct {
	Mode      string               `json:"mode"`
	Waiting   bool                 `json:"waiting"`
	Workers   []WorkerState        `json:"workers"`
	Scheduler scheduler.Stats      `json:"scheduler"`
	Keys      []keypool.RoleStatus `json:"keys"`
	Pending   []PendingRecovery    `json:"pending"`
	Processes []string             `json:"processes"`
}
