package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/lysis/internal/tracing"
	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"chat.send":           s.handleChatSend,
		"chat.reset":          s.handleChatReset,
		"chat.history":        s.handleChatHistory,
		"worker.dispatch":     s.handleWorkerDispatch,
		"worker.get":          s.handleWorkerGet,
		"status.get":          s.handleStatusGet,
		"project.set_mode":    s.handleProjectSetMode,
		"keys.set":            s.handleKeysSet,
		"keys.emergency":      s.handleKeysEmergency,
		"keys.clear_index":    s.handleKeysClearIndex,
		"recovery.list":       s.handleRecoveryList,
		"recovery.resume":     s.handleRecoveryResume,
		"recovery.discard":    s.handleRecoveryDiscard,
		"scheduler.set_delay": s.handleSchedulerSetDelay,
		"clients.list":        s.handleClientsList,
	}
	for name, handler := range methods {
		_ = s.router.RegisterMethod(name, handler)
	}
}

// requestLogger enriches the gateway logger with trace and client fields
func (s *Server) requestLogger(ctx context.Context) *zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	if clientID := clientIDFromContext(ctx); clientID != "" {
		logger = logger.With().Str("clientId", clientID).Logger()
	}
	return &logger
}

// handleChatSend runs one manager chat and returns its reply. A chat that
// ran out of credentials comes back as CredentialsExhausted with the
// suspension ID to pass to recovery.resume.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	text, err := stringParam(params, "text")
	if err != nil {
		return nil, err
	}

	s.requestLogger(ctx).Info().Int("length", len(text)).Msg("Chat message received")

	result, err := s.orch.Chat(ctx, text)
	if err != nil {
		return nil, orchestratorError(err)
	}
	return result, nil
}

func (s *Server) handleChatReset(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := s.orch.ResetHistory(); err != nil {
		return nil, fmt.Errorf("failed to reset history: %w", err)
	}
	s.requestLogger(ctx).Info().Msg("Manager history reset")
	return map[string]interface{}{"reset": true}, nil
}

func (s *Server) handleChatHistory(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"messages": s.orch.History()}, nil
}

// handleWorkerDispatch starts a worker task and returns immediately;
// progress arrives as worker.log and worker.state events.
func (s *Server) handleWorkerDispatch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	workerID, err := stringParam(params, "workerId")
	if err != nil {
		return nil, err
	}
	task, err := stringParam(params, "task")
	if err != nil {
		return nil, err
	}

	if err := s.orch.Dispatch(workerID, task); err != nil {
		return nil, orchestratorError(err)
	}

	s.requestLogger(ctx).Info().Str("worker", workerID).Msg("Worker task dispatched")
	return map[string]interface{}{
		"workerId": workerID,
		"status":   "dispatched",
	}, nil
}

func (s *Server) handleWorkerGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	workerID, err := stringParam(params, "workerId")
	if err != nil {
		return nil, err
	}
	state, err := s.orch.Worker(workerID)
	if err != nil {
		return nil, orchestratorError(err)
	}
	return state, nil
}

func (s *Server) handleStatusGet(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.orch.Status(ctx)
}

func (s *Server) handleProjectSetMode(_ context.Context, params map[string]interface{}) (interface{}, error) {
	mode, err := stringParam(params, "mode")
	if err != nil {
		return nil, err
	}
	s.orch.SetMode(mode)
	return map[string]interface{}{"mode": mode}, nil
}

func (s *Server) handleKeysSet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	role, err := roleParam(params)
	if err != nil {
		return nil, err
	}
	list, ok := params["keys"].(string)
	if !ok {
		return nil, invalidParams("keys parameter is required and must be a string")
	}

	if err := s.orch.Pool().SetKeys(ctx, role, list); err != nil {
		return nil, fmt.Errorf("failed to set keys: %w", err)
	}

	s.requestLogger(ctx).Info().Str("role", string(role)).Msg("Credential list replaced")
	return map[string]interface{}{
		"role":  role,
		"count": len(keypool.ParseKeys(list)),
	}, nil
}

// handleKeysEmergency installs or, with an empty key, clears the
// emergency credential for a role
func (s *Server) handleKeysEmergency(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	role, err := roleParam(params)
	if err != nil {
		return nil, err
	}
	key, _ := params["key"].(string)
	key = strings.TrimSpace(key)

	if err := s.orch.Pool().SetEmergencyKey(ctx, role, key); err != nil {
		return nil, fmt.Errorf("failed to set emergency key: %w", err)
	}
	return map[string]interface{}{
		"role":      role,
		"emergency": key != "",
	}, nil
}

func (s *Server) handleKeysClearIndex(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	role, err := roleParam(params)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Pool().ClearIndex(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to clear key index: %w", err)
	}
	return map[string]interface{}{"role": role, "index": 0}, nil
}

func (s *Server) handleRecoveryList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"pending": s.orch.Recovery().List()}, nil
}

// handleRecoveryResume re-runs a suspended operation, optionally with a
// fresh emergency key. Chat resumes answer with the chat result; worker
// resumes answer once the task is dispatched again.
func (s *Server) handleRecoveryResume(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "id")
	if err != nil {
		return nil, err
	}
	key, _ := params["key"].(string)

	s.requestLogger(ctx).Info().Str("suspension_id", id).Bool("with_key", key != "").Msg("Resuming suspension")

	if err := s.orch.Recovery().Resume(ctx, id, strings.TrimSpace(key)); err != nil {
		return nil, orchestratorError(err)
	}
	return map[string]interface{}{"id": id, "resumed": true}, nil
}

func (s *Server) handleRecoveryDiscard(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "id")
	if err != nil {
		return nil, err
	}
	if !s.orch.Recovery().Discard(id) {
		return nil, orchestratorError(fmt.Errorf("%w: %s", orchestrator.ErrUnknownSuspension, id))
	}
	return map[string]interface{}{"id": id, "discarded": true}, nil
}

func (s *Server) handleSchedulerSetDelay(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	ms, ok := params["ms"].(float64)
	if !ok {
		return nil, invalidParams("ms parameter is required and must be a number")
	}
	if ms < 0 {
		return nil, invalidParams("ms must be non-negative")
	}

	applied := s.orch.Scheduler().SetMinDelay(time.Duration(ms) * time.Millisecond)
	s.requestLogger(ctx).Info().Dur("min_delay", applied).Msg("Scheduler delay changed")
	return map[string]interface{}{"minDelayMs": applied.Milliseconds()}, nil
}

func (s *Server) handleClientsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.clients.Infos()}, nil
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", invalidParams(fmt.Sprintf("%s parameter is required and must be a string", name))
	}
	return value, nil
}

func roleParam(params map[string]interface{}) (keypool.Role, error) {
	name, err := stringParam(params, "role")
	if err != nil {
		return "", err
	}
	role, err := keypool.ParseRole(name)
	if err != nil {
		return "", invalidParams(err.Error())
	}
	return role, nil
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}

// orchestratorError maps orchestrator failures onto RPC error codes
func orchestratorError(err error) error {
	if susp, ok := keypool.AsSuspension(err); ok {
		return &RPCError{
			Code:    CredentialsExhausted,
			Message: susp.Error(),
			Data: map[string]interface{}{
				"suspensionId": susp.ID,
				"role":         susp.Role,
			},
		}
	}
	switch {
	case errors.Is(err, orchestrator.ErrUnknownWorker),
		errors.Is(err, orchestrator.ErrUnknownSuspension),
		errors.Is(err, orchestrator.ErrEmptyMessage):
		return invalidParams(err.Error())
	}
	return err
}
