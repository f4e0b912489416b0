package keypool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/lysis/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedOp fails with errs in order and then succeeds, recording the key
// used on every attempt
type scriptedOp struct {
	mu   sync.Mutex
	errs []error
	keys []string
}

func (s *scriptedOp) run(ctx context.Context, client llm.Provider) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := len(s.keys)
	s.keys = append(s.keys, client.Provider())
	if attempt < len(s.errs) {
		return nil, s.errs[attempt]
	}
	return "ok:" + client.Provider(), nil
}

func alwaysFail(err error, keys *[]string) Operation {
	var mu sync.Mutex
	return func(ctx context.Context, client llm.Provider) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		*keys = append(*keys, client.Provider())
		return nil, err
	}
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 3, MaxAttempts(3, 5))
	assert.Equal(t, 4, MaxAttempts(10, 2))
	assert.Equal(t, 2, MaxAttempts(3, 1))
}

func TestRetryRotatesAcrossKeys(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, map[Role]string{RoleWorker1: "K1,K2"})
	rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

	op := &scriptedOp{errs: []error{rateLimitErr(), rateLimitErr(), rateLimitErr()}}
	result, err := rc.Execute(ctx, RoleWorker1, 4, op.run)

	require.NoError(t, err)
	assert.Equal(t, "ok:K2", result)
	assert.Equal(t, []string{"K1", "K2", "K1", "K2"}, op.keys)

	key, idx, err := pool.ActiveKey(ctx, RoleWorker1)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "K2", key)
}

func TestRetryRaisesSuspension(t *testing.T) {
	ctx := context.Background()

	t.Run("should stop after min(maxRetries, 2n) attempts", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleWorker2: "K1,K2"})
		rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

		var used []string
		_, err := rc.Execute(ctx, RoleWorker2, 10, alwaysFail(rateLimitErr(), &used))

		susp, ok := AsSuspension(err)
		require.True(t, ok)
		assert.Equal(t, RoleWorker2, susp.Role)
		assert.NotEmpty(t, susp.ID)
		assert.Len(t, used, 4)
		assert.Contains(t, err.Error(), "rate limit exceeded for worker2")
	})

	t.Run("should never rotate with a single key", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "ONLY"})
		rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

		var used []string
		_, err := rc.Execute(ctx, RoleAgent, 5, alwaysFail(rateLimitErr(), &used))

		_, ok := AsSuspension(err)
		require.True(t, ok)
		assert.Equal(t, []string{"ONLY", "ONLY"}, used)

		cursor, err := pool.Cursor(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, 0, cursor)
	})

	t.Run("should publish exactly one exhaustion event", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1,K2,K3"})
		rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

		var events []ExhaustionEvent
		rc.OnExhausted(func(e ExhaustionEvent) { events = append(events, e) })

		var used []string
		_, err := rc.Execute(ctx, RoleAgent, 3, alwaysFail(rateLimitErr(), &used))
		susp, ok := AsSuspension(err)
		require.True(t, ok)

		require.Len(t, events, 1)
		assert.Equal(t, RoleAgent, events[0].Role)
		assert.Equal(t, susp.ID, events[0].SuspensionID)
		assert.Equal(t, "Rate limit exceeded", events[0].Message)
	})

	t.Run("should treat RESOURCE_EXHAUSTED messages as rate limits", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1"})
		rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

		var used []string
		_, err := rc.Execute(ctx, RoleAgent, 1, alwaysFail(errors.New("RESOURCE_EXHAUSTED: quota"), &used))
		_, ok := AsSuspension(err)
		assert.True(t, ok)
	})
}

func TestRetryServerErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("should back off on the same key", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1,K2"})
		rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

		op := &scriptedOp{errs: []error{serverErr(), serverErr()}}
		result, err := rc.Execute(ctx, RoleAgent, 3, op.run)

		require.NoError(t, err)
		assert.Equal(t, "ok:K1", result)
		assert.Equal(t, []string{"K1", "K1", "K1"}, op.keys)
	})

	t.Run("should propagate the error once attempts run out", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1,K2"})
		rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

		var used []string
		_, err := rc.Execute(ctx, RoleAgent, 2, alwaysFail(serverErr(), &used))

		var apiErr *llm.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 503, apiErr.Status)
		_, isSusp := AsSuspension(err)
		assert.False(t, isSusp)
		assert.Len(t, used, 2)
	})
}

func TestRetryNonRetryable(t *testing.T) {
	pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1,K2"})
	rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

	boom := errors.New("invalid request")
	var used []string
	_, err := rc.Execute(context.Background(), RoleAgent, 3, alwaysFail(boom, &used))

	assert.Same(t, boom, err)
	assert.Len(t, used, 1)
}

func TestRetryEmergencyKeyWinsFirst(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, map[Role]string{RoleWorker1: "K1,K2"})
	rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

	_, err := pool.Rotate(ctx, RoleWorker1)
	require.NoError(t, err)
	require.NoError(t, pool.SetEmergencyKey(ctx, RoleWorker1, "E"))

	// Move the cursor away from the emergency key before the next call
	_, err = pool.Rotate(ctx, RoleWorker1)
	require.NoError(t, err)

	op := &scriptedOp{}
	result, err := rc.Execute(ctx, RoleWorker1, 3, op.run)
	require.NoError(t, err)
	assert.Equal(t, "ok:E", result)
	assert.Equal(t, []string{"E"}, op.keys)
}

func TestSuspensionResume(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, map[Role]string{RoleWorker1: "K1"})
	rc := NewRetryController(pool, fastRetryConfig(), zerolog.Nop())

	op := &scriptedOp{errs: []error{rateLimitErr(), rateLimitErr()}}
	run := func(ctx context.Context) (interface{}, error) {
		return rc.Execute(ctx, RoleWorker1, 2, op.run)
	}

	_, err := run(ctx)
	susp, ok := AsSuspension(err)
	require.True(t, ok)
	assert.False(t, susp.Resumable())

	var resumed interface{}
	susp.Bind(func(ctx context.Context) error {
		var err error
		resumed, err = run(ctx)
		return err
	})
	assert.True(t, susp.Resumable())

	require.NoError(t, pool.SetEmergencyKey(ctx, RoleWorker1, "E"))
	require.NoError(t, susp.Resume(ctx))
	assert.Equal(t, "ok:E", resumed)

	assert.ErrorIs(t, susp.Resume(ctx), ErrAlreadyResumed)
	assert.False(t, susp.Resumable())

	var unbound Suspension
	assert.ErrorIs(t, unbound.Resume(ctx), ErrNotResumable)
}

func TestRetryHonorsCancellation(t *testing.T) {
	pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1"})
	cfg := fastRetryConfig()
	cfg.BackoffBase = time.Hour
	rc := NewRetryController(pool, cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var used []string
	_, err := rc.Execute(ctx, RoleAgent, 3, alwaysFail(serverErr(), &used))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, used, 1)
}
