package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/lysis/internal/observability"
	"github.com/harun/lysis/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultTimeout bounds one tool execution
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutput is the output size past which results are truncated
	DefaultMaxOutput = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (string, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	// Actor is the role running the tool
	Actor   string
	Timeout time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Text is what the model sees for this result
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

// ToolExecutor validates and executes registered tools
type ToolExecutor struct {
	tools     map[string]*ToolDefinition
	schemas   map[string]*gojsonschema.Schema
	raw       map[string]map[string]interface{}
	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// Option configures a ToolExecutor
type Option func(*ToolExecutor)

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(te *ToolExecutor) {
		if d > 0 {
			te.timeout = d
		}
	}
}

// WithMaxOutput overrides DefaultMaxOutput
func WithMaxOutput(n int) Option {
	return func(te *ToolExecutor) {
		if n > 0 {
			te.maxOutput = n
		}
	}
}

// New creates a new ToolExecutor
func New(logger zerolog.Logger, opts ...Option) *ToolExecutor {
	te := &ToolExecutor{
		tools:     make(map[string]*ToolDefinition),
		schemas:   make(map[string]*gojsonschema.Schema),
		raw:       make(map[string]map[string]interface{}),
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
		logger:    logger.With().Str("component", "tool_executor").Logger(),
	}
	for _, opt := range opts {
		opt(te)
	}
	return te
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := generateSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.raw[def.Name] = schemaMap

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.tools[name]
}

// Has reports whether name is registered
func (te *ToolExecutor) Has(name string) bool {
	return te.GetTool(name) != nil
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Specs returns provider-facing declarations for every tool
func (te *ToolExecutor) Specs() []llm.ToolSpec {
	names := te.ListTools()

	te.mu.RLock()
	defer te.mu.RUnlock()

	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Description: te.tools[name].Description,
			Parameters:  te.raw[name],
		})
	}
	return specs
}

// Execute executes a tool with the given parameters
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()
	result := te.execute(ctx, toolName, params, execCtx)
	result.Duration = time.Since(startTime)

	actor := ""
	if execCtx != nil {
		actor = execCtx.Actor
	}
	observability.RecordToolExecution(toolName, result.Duration, result.Success)
	status := "success"
	if !result.Success {
		status = "failed"
	}
	observability.RecordToolAudit(ctx, toolName, actor, status, map[string]interface{}{
		"duration_ms": result.Duration.Milliseconds(),
		"truncated":   result.Truncated,
	})
	return result
}

func (te *ToolExecutor) execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		te.logger.Warn().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{Error: fmt.Sprintf("tool not found: %s", toolName)}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(schema, params); err != nil {
		te.logger.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{Error: fmt.Sprintf("parameter validation failed: %v", err)}
	}

	timeout := te.timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := tool.Handler(timeoutCtx, params)
		done <- outcome{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			te.logger.Warn().Str("tool", toolName).Err(res.err).Msg("Tool execution failed")
			return ToolResult{Error: res.err.Error()}
		}
		output, truncated := te.truncateOutput(res.output)
		return ToolResult{Success: true, Output: output, Truncated: truncated}

	case <-timeoutCtx.Done():
		te.logger.Error().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool execution timeout")
		if ctx.Err() != nil {
			return ToolResult{Error: fmt.Sprintf("tool execution cancelled: %v", ctx.Err())}
		}
		return ToolResult{Error: fmt.Sprintf("tool execution timeout after %v", timeout)}
	}
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
		if len(param.Enum) > 0 && param.Type != "string" {
			return fmt.Errorf("enum is only supported on string parameters (%s)", param.Name)
		}
	}
	return nil
}

// generateSchemaMap builds the JSON Schema for a tool's parameters
func generateSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			paramSchema["enum"] = enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}
	return nil
}

// truncateOutput truncates output if it exceeds the size limit
func (te *ToolExecutor) truncateOutput(output string) (string, bool) {
	if len(output) <= te.maxOutput {
		return output, false
	}

	te.logger.Warn().
		Int("original", len(output)).
		Int("truncated", te.maxOutput).
		Msg("Output truncated")
	return output[:te.maxOutput] + "\n... [output truncated]", true
}
