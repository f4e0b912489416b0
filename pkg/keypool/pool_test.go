package keypool

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	t.Run("should accept known roles", func(t *testing.T) {
		for _, name := range []string{"agent", "worker1", "worker2"} {
			role, err := ParseRole(name)
			require.NoError(t, err)
			assert.Equal(t, name, string(role))
		}
	})

	t.Run("should reject unknown roles", func(t *testing.T) {
		_, err := ParseRole("worker3")
		assert.Error(t, err)
	})
}

func TestPoolKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("should split and trim configured keys", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: " K1, ,K2 ,K3"})
		keys, err := pool.Keys(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, []string{"K1", "K2", "K3"}, keys)
	})

	t.Run("should prepend the emergency key once", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1,E,K2"})
		require.NoError(t, pool.SetEmergencyKey(ctx, RoleAgent, "E"))

		keys, err := pool.Keys(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, []string{"E", "K1", "K2"}, keys)
	})

	t.Run("should use fallback keys when nothing is configured", func(t *testing.T) {
		pool := NewPool(NewMemoryStore(), (&recordingFactory{}).build, zerolog.Nop(), WithFallbackKeys([]string{"F1", "F2"}))
		keys, err := pool.Keys(ctx, RoleWorker2)
		require.NoError(t, err)
		assert.Equal(t, []string{"F1", "F2"}, keys)
	})

	t.Run("should warn once per role about fallback keys", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf).Level(zerolog.WarnLevel)
		pool := NewPool(NewMemoryStore(), (&recordingFactory{}).build, logger, WithFallbackKeys([]string{"F1"}))

		for i := 0; i < 3; i++ {
			_, err := pool.Keys(ctx, RoleWorker1)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, strings.Count(buf.String(), "using fallback keys"))

		_, err := pool.Keys(ctx, RoleWorker2)
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(buf.String(), "using fallback keys"))

		require.NoError(t, pool.SetKeys(ctx, RoleWorker1, "K1"))
		require.NoError(t, pool.SetKeys(ctx, RoleWorker1, ""))
		_, err = pool.Keys(ctx, RoleWorker1)
		require.NoError(t, err)
		assert.Equal(t, 3, strings.Count(buf.String(), "using fallback keys"))
	})

	t.Run("should report no keys when fallback is disabled", func(t *testing.T) {
		pool, _ := newTestPool(t, nil)
		_, _, err := pool.Client(ctx, RoleAgent)
		assert.ErrorIs(t, err, ErrNoKeys)
	})
}

func TestPoolRotate(t *testing.T) {
	ctx := context.Background()

	t.Run("should advance round robin and wrap", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleWorker1: "K1,K2,K3"})

		for _, want := range []string{"K2", "K3", "K1"} {
			rotated, err := pool.Rotate(ctx, RoleWorker1)
			require.NoError(t, err)
			assert.True(t, rotated)

			key, _, err := pool.ActiveKey(ctx, RoleWorker1)
			require.NoError(t, err)
			assert.Equal(t, want, key)
		}
	})

	t.Run("should refuse with a single key", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleWorker1: "K1"})
		rotated, err := pool.Rotate(ctx, RoleWorker1)
		require.NoError(t, err)
		assert.False(t, rotated)

		cursor, err := pool.Cursor(ctx, RoleWorker1)
		require.NoError(t, err)
		assert.Equal(t, 0, cursor)
	})

	t.Run("should keep roles independent", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleWorker1: "A1,A2", RoleWorker2: "B1,B2"})
		_, err := pool.Rotate(ctx, RoleWorker1)
		require.NoError(t, err)

		key, _, err := pool.ActiveKey(ctx, RoleWorker2)
		require.NoError(t, err)
		assert.Equal(t, "B1", key)
	})

	t.Run("should take a stale cursor modulo the key count", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1,K2"})
		require.NoError(t, pool.store.Set(ctx, IndexKey(RoleAgent), "5"))

		key, idx, err := pool.ActiveKey(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
		assert.Equal(t, "K2", key)
	})
}

func TestPoolClientCache(t *testing.T) {
	ctx := context.Background()

	t.Run("should build one client per key", func(t *testing.T) {
		pool, factory := newTestPool(t, map[Role]string{RoleAgent: "K1,K2"})

		first, _, err := pool.Client(ctx, RoleAgent)
		require.NoError(t, err)
		second, _, err := pool.Client(ctx, RoleAgent)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, []string{"K1"}, factory.Built())
	})

	t.Run("should reset cursor and drop clients when keys are saved", func(t *testing.T) {
		pool, factory := newTestPool(t, map[Role]string{RoleAgent: "K1,K2"})
		_, err := pool.Rotate(ctx, RoleAgent)
		require.NoError(t, err)
		_, _, err = pool.Client(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, 1, pool.CachedClients())

		require.NoError(t, pool.SetKeys(ctx, RoleAgent, "K2,K3"))
		assert.Equal(t, 0, pool.CachedClients())

		client, idx, err := pool.Client(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, 0, idx)
		assert.Equal(t, "K2", client.Provider())
		assert.Equal(t, []string{"K2", "K2"}, factory.Built())
	})

	t.Run("should drop clients when the emergency key changes", func(t *testing.T) {
		pool, _ := newTestPool(t, map[Role]string{RoleAgent: "K1"})
		_, _, err := pool.Client(ctx, RoleAgent)
		require.NoError(t, err)

		require.NoError(t, pool.SetEmergencyKey(ctx, RoleAgent, "E"))
		assert.Equal(t, 0, pool.CachedClients())

		client, _, err := pool.Client(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, "E", client.Provider())

		require.NoError(t, pool.SetEmergencyKey(ctx, RoleAgent, ""))
		assert.Empty(t, pool.EmergencyKey(RoleAgent))
		client, _, err = pool.Client(ctx, RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, "K1", client.Provider())
	})
}

func TestPoolStatus(t *testing.T) {
	pool, _ := newTestPool(t, map[Role]string{RoleAgent: "sk-abcdefghijkl"})
	require.NoError(t, pool.SetEmergencyKey(context.Background(), RoleWorker1, "emergency-123456"))

	statuses, err := pool.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.Equal(t, RoleAgent, statuses[0].Role)
	assert.Equal(t, []string{"...ghijkl"}, statuses[0].Keys)
	assert.False(t, statuses[0].Emergency)

	assert.True(t, statuses[1].Emergency)
	assert.Equal(t, []string{"...123456"}, statuses[1].Keys)

	assert.Empty(t, statuses[2].Keys)
}
