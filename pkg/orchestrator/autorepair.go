package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRepairDelay is how long AutoRepair waits after the first error
// line before notifying the manager
const DefaultRepairDelay = 5 * time.Second

// errorMarkers are the process output fragments that trigger a repair
var errorMarkers = []string{"Failed to compile", "[ERROR]", "Error:"}

// RepairMessage is the manager prompt sent for a runtime error
func RepairMessage(output string) string {
	return fmt.Sprintf("RUNTIME ERROR DETECTED:\n%s\n\nPlease analyze this error, find the file causing it, and fix it immediately. Then restart the server.", output)
}

// IsRuntimeError reports whether output looks like a runtime error
func IsRuntimeError(output string) bool {
	for _, m := range errorMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// AutoRepair forwards runtime errors seen in process output to the manager.
// The first error arms a timer; errors seen while a report is armed or in
// flight are dropped.
type AutoRepair struct {
	delay  time.Duration
	send   func(ctx context.Context, message string) error
	logger zerolog.Logger

	mu     sync.Mutex
	locked bool
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoRepair creates a repairer that delivers messages through send
func NewAutoRepair(delay time.Duration, send func(ctx context.Context, message string) error, logger zerolog.Logger) *AutoRepair {
	ctx, cancel := context.WithCancel(context.Background())
	return &AutoRepair{
		delay:  delay,
		send:   send,
		logger: logger.With().Str("component", "auto_repair").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Observe inspects one chunk of process output. It returns true when the
// chunk armed a new report.
func (a *AutoRepair) Observe(output string) bool {
	if !IsRuntimeError(output) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.locked || a.ctx.Err() != nil {
		return false
	}
	a.locked = true
	a.wg.Add(1)
	a.timer = time.AfterFunc(a.delay, func() {
		defer a.wg.Done()
		a.fire(output)
	})
	a.logger.Info().Dur("delay", a.delay).Msg("Runtime error detected, reporting to manager")
	return true
}

func (a *AutoRepair) fire(output string) {
	defer func() {
		a.mu.Lock()
		a.locked = false
		a.timer = nil
		a.mu.Unlock()
	}()

	if a.ctx.Err() != nil {
		return
	}
	if err := a.send(a.ctx, RepairMessage(output)); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to deliver runtime error report")
	}
}

// Pending reports whether a report is armed or in flight
func (a *AutoRepair) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locked
}

// Stop cancels an armed report and waits for one in flight
func (a *AutoRepair) Stop() {
	a.mu.Lock()
	a.cancel()
	if a.timer != nil && a.timer.Stop() {
		a.wg.Done()
		a.locked = false
		a.timer = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
}
