// Package llm talks to OpenAI-compatible chat completion APIs. The
// gateway layers prompt assembly, JSON-output repair and retry policy
// on top of a thin HTTP client.
package llm

import (
	"context"
	"errors"
)

// ErrContentFiltered reports a completion the upstream provider
// refused on content-policy grounds. It is never retried.
var ErrContentFiltered = errors.New("llm: response blocked by content filter")

// Message is one conversation turn in provider wire shape.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input to Generate.
//
// Prompt assembly: Prepend[0] becomes the system message and the rest
// become leading user messages; History follows as-is; each Append
// string is a trailing user message.
type Request struct {
	Prepend    []string
	History    []Message
	Append     []string
	Tools      []Tool
	ToolChoice string // "", "auto", "required", or a tool name to force
	JSONMode   bool   // ask for a JSON object and parse it into Result.JSON
}

// Result is one completion.
type Result struct {
	Content    string
	JSON       map[string]any // populated in JSON mode
	ToolCalls  []ToolCall
	SendTokens int
	RecvTokens int
}

// Completer is the surface the coordination engine consumes; tests
// substitute scripted fakes.
type Completer interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
