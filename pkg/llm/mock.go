package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Step is one scripted model turn. Err, when set, is returned instead of a stream.
type Step struct {
	Response Response
	Err      error
}

// ScriptedProvider replays steps in order and records every request. Once
// the script runs out the last step repeats.
type ScriptedProvider struct {
	mu       sync.Mutex
	name     string
	steps    []Step
	calls    int
	requests []Request
}

// NewScriptedProvider creates a provider that replays steps
func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{name: "scripted", steps: steps}
}

// Named overrides the provider name, useful to tell credentials apart in tests
func (p *ScriptedProvider) Named(name string) *ScriptedProvider {
	p.name = name
	return p
}

// Provider returns the provider name
func (p *ScriptedProvider) Provider() string {
	return p.name
}

// Stream returns the next scripted turn as chunks
func (p *ScriptedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.requests = append(p.requests, cloneRequest(req))
	var step Step
	if len(p.steps) > 0 {
		i := p.calls
		if i >= len(p.steps) {
			i = len(p.steps) - 1
		}
		step = p.steps[i]
	}
	p.calls++
	p.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	return newSliceStream(responseChunks(step.Response)), nil
}

// Calls returns how many turns were requested
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns copies of every request seen
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func cloneRequest(req Request) Request {
	req.Messages = append([]Message(nil), req.Messages...)
	req.Tools = append([]ToolSpec(nil), req.Tools...)
	return req
}

// Func adapts a function to Provider
type Func func(ctx context.Context, req Request) (*Response, error)

// Provider returns the provider name
func (f Func) Provider() string { return "func" }

// Stream calls f and streams its response
func (f Func) Stream(ctx context.Context, req Request) (Stream, error) {
	resp, err := f(ctx, req)
	if err != nil {
		return nil, err
	}
	return newSliceStream(responseChunks(*resp)), nil
}

// NewEchoProvider returns the offline provider used in mock mode. It
// answers every turn with text and never calls tools.
func NewEchoProvider() Provider {
	return Func(func(ctx context.Context, req Request) (*Response, error) {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				last = req.Messages[i].Content
				break
			}
		}
		return &Response{Text: fmt.Sprintf("[mock] received: %s", last)}, nil
	})
}

// responseChunks splits a response the way a real stream would: text
// first, then one name delta and one arguments delta per tool call.
func responseChunks(resp Response) []Chunk {
	chunks := []Chunk{}
	if resp.Text != "" {
		chunks = append(chunks, Chunk{Text: resp.Text})
	}
	for i, tc := range resp.ToolCalls {
		args, _ := json.Marshal(tc.Args)
		chunks = append(chunks,
			Chunk{ToolCalls: []ToolCallDelta{{Index: i, ID: tc.ID, Name: tc.Name}}},
			Chunk{ToolCalls: []ToolCallDelta{{Index: i, Arguments: string(args)}}},
		)
	}
	return chunks
}

type sliceStream struct {
	chunks []Chunk
	pos    int
}

func newSliceStream(chunks []Chunk) *sliceStream {
	return &sliceStream{chunks: chunks, pos: -1}
}

func (s *sliceStream) Next() bool {
	if s.pos+1 >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Current() Chunk { return s.chunks[s.pos] }

func (s *sliceStream) Err() error { return nil }

func (s *sliceStream) Close() error { return nil }
