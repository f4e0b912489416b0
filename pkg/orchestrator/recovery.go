package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/lysis/pkg/keypool"
	"github.com/rs/zerolog"
)

// DefaultResumeDelay is the pause between installing an emergency key and
// re-running the suspended operation
const DefaultResumeDelay = 200 * time.Millisecond

// PendingRecovery describes a suspended operation
type PendingRecovery struct {
	ID        string       `json:"id"`
	Role      keypool.Role `json:"role"`
	Operation string       `json:"operation"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

type pendingEntry struct {
	info       PendingRecovery
	suspension *keypool.Suspension
}

// Recovery holds suspensions until an operator supplies a credential and
// resumes them
type Recovery struct {
	pool    *keypool.Pool
	delay   time.Duration
	logger  zerolog.Logger
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewRecovery creates a registry that installs emergency keys into pool
func NewRecovery(pool *keypool.Pool, delay time.Duration, logger zerolog.Logger) *Recovery {
	if delay < 0 {
		delay = 0
	}
	return &Recovery{
		pool:    pool,
		delay:   delay,
		logger:  logger.With().Str("component", "recovery").Logger(),
		pending: make(map[string]*pendingEntry),
	}
}

// Register stores s. The suspension must already be bound.
func (r *Recovery) Register(s *keypool.Suspension, operation string) PendingRecovery {
	info := PendingRecovery{
		ID:        s.ID,
		Role:      s.Role,
		Operation: operation,
		Message:   s.Error(),
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.pending[s.ID] = &pendingEntry{info: info, suspension: s}
	count := len(r.pending)
	r.mu.Unlock()

	r.logger.Warn().
		Str("suspension_id", s.ID).
		Str("role", string(s.Role)).
		Str("operation", operation).
		Int("pending", count).
		Msg("Operation suspended, waiting for an emergency key")
	return info
}

// List returns pending suspensions, oldest first
func (r *Recovery) List() []PendingRecovery {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingRecovery, 0, len(r.pending))
	for _, e := range r.pending {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Discard drops a pending suspension without resuming it
func (r *Recovery) Discard(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok
}

// Resume installs key as the role's emergency credential (when non-empty),
// waits the resume delay and re-runs the suspended operation. A suspension
// leaves the registry as soon as it is claimed, so it runs at most once.
func (r *Recovery) Resume(ctx context.Context, id, key string) error {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSuspension, id)
	}

	if key != "" {
		if err := r.pool.SetEmergencyKey(ctx, e.info.Role, key); err != nil {
			r.restore(e)
			return fmt.Errorf("failed to set emergency key: %w", err)
		}
	}

	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		r.restore(e)
		return ctx.Err()
	}

	r.logger.Info().
		Str("suspension_id", id).
		Str("role", string(e.info.Role)).
		Str("operation", e.info.Operation).
		Msg("Resuming suspended operation")

	return e.suspension.Resume(ctx)
}

func (r *Recovery) restore(e *pendingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[e.info.ID] = e
}
