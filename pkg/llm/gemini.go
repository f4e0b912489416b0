package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider streams generateContent responses over the REST API
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
	hc      *http.Client
}

// NewGeminiProvider creates a provider bound to apiKey
func NewGeminiProvider(apiKey, model, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 5 * time.Minute},
	}
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

type gmFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type gmFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type gmPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *gmFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *gmFunctionResponse `json:"functionResponse,omitempty"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type gmTool struct {
	FunctionDeclarations []gmFunctionDeclaration `json:"functionDeclarations"`
}

type gmGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type gmRequest struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	Tools             []gmTool            `json:"tools,omitempty"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResponse struct {
	Candidates []struct {
		Content gmContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func encodeGeminiRequest(req Request) gmRequest {
	out := gmRequest{Contents: make([]gmContent, 0, len(req.Messages))}

	if req.System != "" {
		out.SystemInstruction = &gmContent{Parts: []gmPart{{Text: req.System}}}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			out.Contents = append(out.Contents, gmContent{Role: "user", Parts: []gmPart{{Text: msg.Content}}})
		case RoleAssistant:
			parts := []gmPart{}
			if msg.Content != "" {
				parts = append(parts, gmPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, gmPart{FunctionCall: &gmFunctionCall{Name: tc.Name, Args: tc.Args}})
			}
			out.Contents = append(out.Contents, gmContent{Role: "model", Parts: parts})
		case RoleTool:
			parts := make([]gmPart, 0, len(msg.ToolResults))
			for _, result := range msg.ToolResults {
				parts = append(parts, gmPart{FunctionResponse: &gmFunctionResponse{
					Name:     result.Name,
					Response: map[string]interface{}{"result": result.Content},
				}})
			}
			out.Contents = append(out.Contents, gmContent{Role: "user", Parts: parts})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]gmFunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, gmFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(tool.Parameters),
			})
		}
		out.Tools = []gmTool{{FunctionDeclarations: decls}}
	}

	if req.MaxTokens > 0 {
		out.GenerationConfig = &gmGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}
	return out
}

// geminiSchema drops JSON Schema keywords the function declaration
// format rejects
func geminiSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" {
			continue
		}
		out[k] = v
	}
	return out
}

// Stream posts to :streamGenerateContent with alt=sse
func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(encodeGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode gemini request: %w", err)
	}

	u, err := url.Parse(fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent", p.baseURL, url.PathEscape(model)))
	if err != nil {
		return nil, fmt.Errorf("invalid gemini url: %w", err)
	}
	q := u.Query()
	q.Set("alt", "sse")
	q.Set("key", p.apiKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		// url.Error carries the query string; strip it so the key never leaks
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("gemini request failed: %w", urlErr.Err)
		}
		return nil, err
	}

	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &APIError{
			Provider: "gemini",
			Status:   resp.StatusCode,
			Message:  geminiErrorMessage(slurp),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &geminiStream{body: resp.Body, scanner: scanner}, nil
}

func geminiErrorMessage(body []byte) string {
	var gr gmResponse
	if json.Unmarshal(body, &gr) == nil && gr.Error != nil {
		if gr.Error.Status != "" {
			return gr.Error.Status + ": " + gr.Error.Message
		}
		return gr.Error.Message
	}
	return strings.TrimSpace(string(body))
}

type geminiStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	current Chunk
	calls   int
	err     error
}

func (s *geminiStream) Next() bool {
	if s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var gr gmResponse
		if err := json.Unmarshal([]byte(payload), &gr); err != nil {
			s.err = fmt.Errorf("failed to decode gemini chunk: %w", err)
			return false
		}
		if gr.Error != nil {
			s.err = &APIError{Provider: "gemini", Status: gr.Error.Code, Message: gr.Error.Status + ": " + gr.Error.Message}
			return false
		}
		if len(gr.Candidates) == 0 {
			continue
		}

		// Gemini delivers function calls whole, one per part
		var chunk Chunk
		for _, part := range gr.Candidates[0].Content.Parts {
			chunk.Text += part.Text
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
					Index:     s.calls,
					ID:        newCallID(),
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				})
				s.calls++
			}
		}
		s.current = chunk
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = err
	}
	return false
}

func (s *geminiStream) Current() Chunk { return s.current }

func (s *geminiStream) Err() error { return s.err }

func (s *geminiStream) Close() error { return s.body.Close() }

func newCallID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return fmt.Sprintf("call_%d", time.Now().UnixNano())
	}
	return "call_" + id
}
