package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn. A tool turn carries every result of
// the preceding assistant turn in ToolResults.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a model request to run a named tool
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolResult answers exactly one ToolCall
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ToolSpec declares a tool to the model. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one model turn
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Response is an assembled model turn
type Response struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. Fragments with the
// same Index belong to the same call; Arguments fragments concatenate to JSON.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one streamed piece of a response
type Chunk struct {
	Text      string
	ToolCalls []ToolCallDelta
}

// Stream is a pull iterator over a single call's chunks. It cannot be
// restarted; a new call opens a new stream.
type Stream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}

// Provider is a client bound to one credential
type Provider interface {
	Provider() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ErrUnsupportedProvider is returned by NewProvider for unknown names
var ErrUnsupportedProvider = errors.New("unsupported provider")

// APIError is an upstream HTTP failure
type APIError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// UpstreamStatus reports the HTTP status code
func (e *APIError) UpstreamStatus() int { return e.Status }

// Complete runs one call and accumulates its stream
func Complete(ctx context.Context, p Provider, req Request) (*Response, error) {
	stream, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	acc := NewAccumulator()
	for stream.Next() {
		acc.Add(stream.Current())
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return acc.Response()
}
