// Package toolexecutor registers and executes structured tools.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - Every execution returns a ToolResult; handler errors, panics and
//   timeouts never escape as Go errors.
//
// Usage:
//
//	exec := toolexecutor.New(logger)
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) { return params["text"].(string), nil },
//	})
package toolexecutor
