package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/lysis/internal/observability"
	"github.com/harun/lysis/internal/tracing"
	"github.com/harun/lysis/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// RetryConfig tunes the retry controller
type RetryConfig struct {
	MaxRetries int
	// RotateDelay is the pause after switching to the next key
	RotateDelay time.Duration
	// BackoffBase is the first same-key backoff; it doubles per attempt
	// up to BackoffBase*MaxBackoffMultiple
	BackoffBase        time.Duration
	MaxBackoffMultiple int
}

// DefaultRetryConfig returns the production policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		RotateDelay:        500 * time.Millisecond,
		BackoffBase:        time.Second,
		MaxBackoffMultiple: 5,
	}
}

// Operation is one upstream call made with a role's current client
type Operation func(ctx context.Context, client llm.Provider) (interface{}, error)

// RetryController applies rotate-and-retry and backoff-and-retry around an
// operation, raising a Suspension when rate limits exhaust every attempt
type RetryController struct {
	pool   *Pool
	cfg    RetryConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers []func(ExhaustionEvent)
}

// NewRetryController creates a controller over pool
func NewRetryController(pool *Pool, cfg RetryConfig, logger zerolog.Logger) *RetryController {
	def := DefaultRetryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxBackoffMultiple <= 0 {
		cfg.MaxBackoffMultiple = def.MaxBackoffMultiple
	}
	return &RetryController{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With().Str("component", "retry").Logger(),
	}
}

// Pool returns the underlying key pool
func (rc *RetryController) Pool() *Pool {
	return rc.pool
}

// OnExhausted registers a handler for exhaustion events
func (rc *RetryController) OnExhausted(handler func(ExhaustionEvent)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.handlers = append(rc.handlers, handler)
}

func (rc *RetryController) publish(event ExhaustionEvent) {
	rc.mu.RLock()
	handlers := append([]func(ExhaustionEvent){}, rc.handlers...)
	rc.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// MaxAttempts is min(maxRetries, 2*keyCount)
func MaxAttempts(maxRetries, keyCount int) int {
	if limit := 2 * keyCount; limit < maxRetries {
		return limit
	}
	return maxRetries
}

// Execute runs op for role. maxRetries <= 0 uses the configured default.
func (rc *RetryController) Execute(ctx context.Context, role Role, maxRetries int, op Operation) (result interface{}, err error) {
	if maxRetries <= 0 {
		maxRetries = rc.cfg.MaxRetries
	}

	ctx, span := tracing.StartSpan(ctx, "lysis.keypool", "RetryController.Execute",
		attribute.String("role", string(role)),
		attribute.Int("max_retries", maxRetries),
	)
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, rc.logger).With().Str("role", string(role)).Logger()

	if err := rc.pool.PreferEmergency(ctx, role); err != nil {
		return nil, err
	}
	keys, err := rc.pool.Keys(ctx, role)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoKeys, role)
	}
	maxAttempts := MaxAttempts(maxRetries, len(keys))
	span.SetAttributes(attribute.Int("max_attempts", maxAttempts), attribute.Int("keys", len(keys)))

	for attempt := 1; ; attempt++ {
		client, idx, err := rc.pool.Client(ctx, role)
		if err != nil {
			return nil, err
		}

		result, opErr := op(ctx, client)
		if opErr == nil {
			observability.RecordRetryAttempt(string(role), "success")
			span.SetAttributes(attribute.Int("attempts", attempt))
			return result, nil
		}

		class := Classify(opErr)
		observability.RecordRetryAttempt(string(role), class.String())
		if errors.Is(opErr, context.Canceled) || errors.Is(opErr, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, opErr
		}

		remaining := attempt < maxAttempts
		switch {
		case class == ClassRateLimit && remaining && len(keys) > 1:
			logger.Warn().Int("attempt", attempt).Int("max_attempts", maxAttempts).Int("key_index", idx).
				Msg("Rate limit hit, switching to next API key")
			if _, err := rc.pool.Rotate(ctx, role); err != nil {
				return nil, err
			}
			if err := sleepCtx(ctx, rc.cfg.RotateDelay); err != nil {
				return nil, err
			}

		case (class == ClassRateLimit || class == ClassServer) && remaining:
			delay := rc.backoff(attempt)
			logger.Warn().Err(opErr).Int("attempt", attempt).Int("max_attempts", maxAttempts).
				Dur("backoff", delay).Msg("Operation failed, retrying")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}

		case class == ClassRateLimit:
			susp := &Suspension{ID: tracing.NewTaskID(), Role: role, Err: opErr}
			observability.RecordSuspension(string(role))
			observability.RecordCredentialAudit(ctx, "exhausted", string(role), "suspended", map[string]interface{}{
				"attempts":      attempt,
				"suspension_id": susp.ID,
			})
			logger.Error().Err(opErr).Int("attempts", attempt).Str("suspension_id", susp.ID).
				Msg("Rate limit exceeded on every key, waiting for an emergency key")
			rc.publish(ExhaustionEvent{
				SuspensionID: susp.ID,
				Role:         role,
				Message:      "Rate limit exceeded",
			})
			return nil, susp

		default:
			return nil, opErr
		}
	}
}

func (rc *RetryController) backoff(attempt int) time.Duration {
	mult := 1 << (attempt - 1)
	if mult > rc.cfg.MaxBackoffMultiple || attempt > 30 {
		mult = rc.cfg.MaxBackoffMultiple
	}
	return rc.cfg.BackoffBase * time.Duration(mult)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
