package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		handler := func(context.Context, map[string]interface{}) (interface{}, error) {
			return "result", nil
		}

		err := router.RegisterMethod("test.method", handler)
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"chat.send","params":{"text":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "chat.send", req.Method)
		assert.Equal(t, "hi", req.Params["text"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should default missing params to an empty map", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"status.get"}`))
		require.NoError(t, err)
		assert.NotNil(t, req.Params)
	})

	cases := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{"should reject malformed JSON", `{invalid json}`, ParseError, "Parse error"},
		{"should reject request without id", `{"method":"status.get"}`, InvalidRequest, "missing id"},
		{"should reject request without method", `{"id":"1"}`, InvalidRequest, "missing method"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tc.data))
			require.Error(t, err)

			rpcErr, ok := err.(*RPCError)
			require.True(t, ok)
			assert.Equal(t, tc.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tc.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	t.Run("should route to registered handler", func(t *testing.T) {
		_ = router.RegisterMethod("test.echo", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": params["input"]}, nil
		})

		resp := router.RouteRequest(ctx, &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]interface{}{"input": "hello"},
		})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)

		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "hello", result["echo"])
	})

	t.Run("should pass the request context to the handler", func(t *testing.T) {
		type key struct{}
		_ = router.RegisterMethod("test.ctx", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return ctx.Value(key{}), nil
		})

		resp := router.RouteRequest(context.WithValue(ctx, key{}, "value"), &RPCRequest{ID: "1", Method: "test.ctx"})
		assert.Equal(t, "value", resp.Result)
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should report plain handler errors as internal", func(t *testing.T) {
		_ = router.RegisterMethod("test.error", func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("handler error")
		})

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "handler error", resp.Error.Message)
	})

	t.Run("should keep the code of RPC errors", func(t *testing.T) {
		_ = router.RegisterMethod("test.invalid", func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("wrapped: %w", &RPCError{Code: InvalidParams, Message: "bad"})
		})

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.invalid"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
		assert.Equal(t, "bad", resp.Error.Message)
	})

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	router.now = func() time.Time { return now }

	calls := 0
	_ = router.RegisterMethod("worker.dispatch", func(context.Context, map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	})

	t.Run("should replay the first response for a repeated key", func(t *testing.T) {
		first := router.RouteRequest(ctx, &RPCRequest{ID: "a", Method: "worker.dispatch", IdempotencyKey: "k1"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "b", Method: "worker.dispatch", IdempotencyKey: "k1"})

		assert.Equal(t, 1, first.Result)
		assert.Equal(t, 1, second.Result)
		assert.Equal(t, "b", second.ID)
		assert.Equal(t, 1, calls)
	})

	t.Run("should run again without a key", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "c", Method: "worker.dispatch"})
		assert.Equal(t, 2, resp.Result)
	})

	t.Run("should expire cached responses", func(t *testing.T) {
		now = now.Add(defaultIdempotencyTTL + time.Second)
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "d", Method: "worker.dispatch", IdempotencyKey: "k1"})
		assert.Equal(t, 3, resp.Result)
	})
}

func TestRPCRouter_GetMethods(t *testing.T) {
	router := NewRPCRouter()
	assert.Empty(t, router.GetMethods())

	handler := func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }
	_ = router.RegisterMethod("status.get", handler)
	_ = router.RegisterMethod("chat.send", handler)

	assert.Equal(t, []string{"chat.send", "status.get"}, router.GetMethods())
}
