package toolloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/lysis/internal/observability"
	"github.com/harun/lysis/internal/tracing"
	"github.com/harun/lysis/pkg/llm"
	"github.com/harun/lysis/pkg/toolexecutor"
	"github.com/harun/lysis/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNoModel is returned when an engine is built without a model
var ErrNoModel = errors.New("toolloop: model is required")

// Model performs one model turn
type Model interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ModelFunc adapts a function to Model
type ModelFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

func (f ModelFunc) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

// Config parameterises one engine
type Config struct {
	// Name labels logs and metrics (manager, worker1, ...)
	Name string
	// Role is recorded as the actor of every tool execution
	Role   string
	System string
	Tools  []toolexecutor.ToolDefinition
	// Dispatch executes decoded tool invocations
	Dispatch tools.Dispatcher
	// MaxLoops bounds tool round-trips
	MaxLoops int
	// HealDir is the directory self-healed code blocks are written to
	HealDir string
	// ToolTimeout bounds one tool execution; zero uses the executor default
	ToolTimeout time.Duration
}

// Hooks observe a run. Any field may be nil.
type Hooks struct {
	OnResponse   func(turn int, resp *llm.Response)
	OnToolCall   func(call llm.ToolCall)
	OnToolResult func(call llm.ToolCall, result toolexecutor.ToolResult)
	OnHeal       func(path string)
}

// Outcome is the result of a finished run
type Outcome struct {
	// Text joins the non-empty text of every model turn
	Text string
	// Truncated is set when MaxLoops stopped the run with calls pending
	Truncated bool
	// Turns counts tool round-trips
	Turns int
	// Messages is the conversation including the prompt, ready to be used
	// as history for a later run
	Messages []llm.Message
}

// Engine runs tool loops for one configuration
type Engine struct {
	cfg    Config
	model  Model
	exec   *toolexecutor.ToolExecutor
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an engine, registering cfg.Tools against cfg.Dispatch
func New(cfg Config, model Model, logger zerolog.Logger) (*Engine, error) {
	if model == nil {
		return nil, ErrNoModel
	}
	if cfg.MaxLoops <= 0 {
		return nil, fmt.Errorf("toolloop %s: MaxLoops must be positive", cfg.Name)
	}

	logger = logger.With().Str("component", "toolloop").Str("loop", cfg.Name).Logger()
	exec := toolexecutor.New(logger, toolexecutor.WithTimeout(cfg.ToolTimeout))
	if err := tools.Bind(exec, cfg.Tools, cfg.Dispatch); err != nil {
		return nil, fmt.Errorf("toolloop %s: %w", cfg.Name, err)
	}

	return &Engine{cfg: cfg, model: model, exec: exec, logger: logger, now: time.Now}, nil
}

// Name returns the configuration name
func (e *Engine) Name() string { return e.cfg.Name }

// Run sends prompt after history and loops until done
func (e *Engine) Run(ctx context.Context, history []llm.Message, prompt string, hooks Hooks) (outcome *Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "lysis.toolloop", "Engine.Run",
		attribute.String("loop", e.cfg.Name),
		attribute.Int("max_loops", e.cfg.MaxLoops),
	)
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, e.logger)

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	out := &Outcome{}
	var texts []string

	resp, err := e.generate(ctx, messages)
	if err != nil {
		observability.RecordLoopOutcome(e.cfg.Name, "failed")
		return nil, err
	}

	for {
		if hooks.OnResponse != nil {
			hooks.OnResponse(out.Turns, resp)
		}
		if t := strings.TrimSpace(resp.Text); t != "" {
			texts = append(texts, t)
		}

		calls := resp.ToolCalls
		if len(calls) == 0 {
			if call, ok := e.heal(resp.Text); ok {
				logger.Info().Str("path", call.Args["path"].(string)).Msg("Code block in reply, writing it with create_file")
				if hooks.OnHeal != nil {
					hooks.OnHeal(call.Args["path"].(string))
				}
				calls = []llm.ToolCall{call}
			}
		}

		if len(calls) == 0 {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
			break
		}

		if out.Turns >= e.cfg.MaxLoops {
			// Pending calls are dropped so the history stays replayable
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
			out.Truncated = true
			logger.Warn().Int("turns", out.Turns).Int("pending_calls", len(calls)).Msg("Loop bound reached")
			break
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: calls})
		results := e.executeAll(ctx, calls, hooks)
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})
		out.Turns++
		observability.RecordLoopTurn(e.cfg.Name)

		resp, err = e.generate(ctx, messages)
		if err != nil {
			observability.RecordLoopOutcome(e.cfg.Name, "failed")
			return nil, err
		}
	}

	out.Text = strings.Join(texts, "\n\n")
	out.Messages = messages
	span.SetAttributes(attribute.Int("turns", out.Turns), attribute.Bool("truncated", out.Truncated))
	if out.Truncated {
		observability.RecordLoopOutcome(e.cfg.Name, "truncated")
	} else {
		observability.RecordLoopOutcome(e.cfg.Name, "done")
	}
	logger.Debug().Int("turns", out.Turns).Bool("truncated", out.Truncated).Msg("Loop finished")
	return out, nil
}

func (e *Engine) generate(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	req := llm.Request{
		System:   e.cfg.System,
		Messages: append([]llm.Message(nil), messages...),
		Tools:    e.exec.Specs(),
	}
	resp, err := e.model.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &llm.Response{}
	}
	return resp, nil
}

func (e *Engine) heal(reply string) (llm.ToolCall, bool) {
	if !e.exec.Has(tools.NameCreateFile) {
		return llm.ToolCall{}, false
	}
	code, ok := ExtractCodeBlock(reply)
	if !ok {
		return llm.ToolCall{}, false
	}
	now := e.now()
	return llm.ToolCall{
		ID:   fmt.Sprintf("auto-fix-%d", now.UnixMilli()),
		Name: tools.NameCreateFile,
		Args: map[string]interface{}{
			"path":    HealPath(e.cfg.HealDir, now),
			"content": code,
		},
	}, true
}

func (e *Engine) executeAll(ctx context.Context, calls []llm.ToolCall, hooks Hooks) []llm.ToolResult {
	execCtx := &toolexecutor.ExecutionContext{Actor: e.cfg.Role}
	results := make([]llm.ToolResult, 0, len(calls))

	for _, call := range calls {
		if hooks.OnToolCall != nil {
			hooks.OnToolCall(call)
		}
		result := e.exec.Execute(ctx, call.Name, call.Args, execCtx)
		if hooks.OnToolResult != nil {
			hooks.OnToolResult(call, result)
		}
		results = append(results, llm.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: result.Text(),
		})
	}
	return results
}
