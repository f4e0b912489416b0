package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// statusTimeout bounds one scheduled status push
const statusTimeout = 30 * time.Second

// StatusPusher publishes a status snapshot on a cron schedule. A snapshot is
// local state only and makes no upstream call, so it does not take a
// scheduler slot.
type StatusPusher struct {
	orch   *Orchestrator
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewStatusPusher parses spec (five-field cron or a descriptor such as
// "@every 30s") and prepares the job without starting it
func NewStatusPusher(orch *Orchestrator, spec string, logger zerolog.Logger) (*StatusPusher, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	p := &StatusPusher{
		orch:   orch,
		logger: logger.With().Str("component", "status_pusher").Logger(),
	}
	p.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := p.cron.AddFunc(spec, p.run); err != nil {
		return nil, fmt.Errorf("invalid status schedule %q: %w", spec, err)
	}
	return p, nil
}

// Start begins the schedule
func (p *StatusPusher) Start() {
	p.cron.Start()
	p.logger.Debug().Msg("Status pushes started")
}

// Stop halts the schedule and waits for a running push
func (p *StatusPusher) Stop() {
	<-p.cron.Stop().Done()
}

func (p *StatusPusher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if _, err := p.Push(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Status push failed")
	}
}

// Push takes a snapshot and publishes it
func (p *StatusPusher) Push(ctx context.Context) (*Status, error) {
	status, err := p.orch.Status(ctx)
	if err != nil {
		return nil, err
	}
	p.orch.publish(Event{Type: EventStatus, Data: status})
	return status, nil
}
