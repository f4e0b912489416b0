package keypool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/lysis/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// keyClient reports the credential it was built with as its provider name
type keyClient struct {
	key string
}

func (c *keyClient) Provider() string { return c.key }

func (c *keyClient) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return nil, errors.New("not used")
}

type recordingFactory struct {
	mu    sync.Mutex
	built []string
}

func (f *recordingFactory) build(key string) (llm.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, key)
	return &keyClient{key: key}, nil
}

func (f *recordingFactory) Built() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.built...)
}

func newTestPool(t *testing.T, keys map[Role]string) (*Pool, *recordingFactory) {
	t.Helper()
	store := NewMemoryStore()
	for role, list := range keys {
		require.NoError(t, store.Set(context.Background(), KeysKey(role), list))
	}
	factory := &recordingFactory{}
	return NewPool(store, factory.build, zerolog.Nop(), WithFallbackKeys(nil)), factory
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		RotateDelay:        time.Millisecond,
		BackoffBase:        time.Millisecond,
		MaxBackoffMultiple: 5,
	}
}

func rateLimitErr() error {
	return &llm.APIError{Provider: "test", Status: 429, Message: "quota exceeded"}
}

func serverErr() error {
	return &llm.APIError{Provider: "test", Status: 503, Message: "unavailable"}
}

type countingReloader struct {
	count atomic.Int32
}

func (r *countingReloader) Reload() error {
	r.count.Add(1)
	return nil
}
