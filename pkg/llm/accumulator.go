package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator folds stream chunks into a Response
type Accumulator struct {
	text  strings.Builder
	calls map[int]*partialCall
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*partialCall)}
}

// Add merges one chunk
func (a *Accumulator) Add(chunk Chunk) {
	a.text.WriteString(chunk.Text)

	for _, delta := range chunk.ToolCalls {
		pc, ok := a.calls[delta.Index]
		if !ok {
			pc = &partialCall{}
			a.calls[delta.Index] = pc
		}
		if delta.ID != "" {
			pc.id = delta.ID
		}
		if delta.Name != "" {
			pc.name = delta.Name
		}
		pc.args.WriteString(delta.Arguments)
	}
}

// Response returns the assembled turn. Tool calls keep stream index order.
func (a *Accumulator) Response() (*Response, error) {
	resp := &Response{Text: a.text.String()}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		pc := a.calls[i]
		if pc.name == "" {
			return nil, fmt.Errorf("tool call %d has no name", i)
		}

		args := map[string]interface{}{}
		if raw := strings.TrimSpace(pc.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("failed to parse arguments for %s: %w", pc.name, err)
			}
			if args == nil {
				args = map[string]interface{}{}
			}
		}

		id := pc.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: id, Name: pc.name, Args: args})
	}

	return resp, nil
}
