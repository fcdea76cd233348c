package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

const (
	generateAttempts   = 20
	generateMaxBackoff = 10 * time.Second
)

// Gateway wraps a Client with prompt assembly, output validation and
// retry. A malformed completion (broken JSON that cannot be repaired,
// a call to a tool that was never offered) is treated like a transient
// provider fault and regenerated; a content-filter refusal is not.
type Gateway struct {
	client *Client
	logger *slog.Logger
}

func NewGateway(client *Client, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, logger: logger}
}

// Generate runs one validated completion, retrying transient failures
// with exponential backoff.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Result, error) {
	messages := assembleMessages(req)

	var result *Result
	attempt := 0
	op := func() error {
		attempt++
		r, err := g.generateOnce(ctx, messages, req)
		if err != nil {
			g.logger.Warn("completion attempt failed",
				"attempt", attempt, "model", g.client.Model(), "error", err)
			return err
		}
		result = r
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxInterval = generateMaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, generateAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) generateOnce(ctx context.Context, messages []Message, req Request) (*Result, error) {
	result, finishReason, err := g.client.completion(ctx, messages, req)
	if err != nil {
		return nil, err
	}
	if finishReason == "content_filter" {
		return nil, backoff.Permanent(ErrContentFiltered)
	}

	result.ToolCalls = flattenParallelToolCalls(result.ToolCalls)
	if err := validateToolCalls(result.ToolCalls, req.Tools); err != nil {
		return nil, err
	}

	if req.JSONMode && len(result.ToolCalls) == 0 {
		obj, err := parseJSONObject(result.Content)
		if err != nil {
			return nil, err
		}
		result.JSON = obj
	}
	return result, nil
}

// assembleMessages lays out the conversation: the first prepend string
// is the system message, remaining prepends and every append string
// become user messages around the history.
func assembleMessages(req Request) []Message {
	msgs := make([]Message, 0, len(req.Prepend)+len(req.History)+len(req.Append))
	for i, p := range req.Prepend {
		role := "user"
		if i == 0 {
			role = "system"
		}
		msgs = append(msgs, Message{Role: role, Content: p})
	}
	msgs = append(msgs, req.History...)
	for _, a := range req.Append {
		msgs = append(msgs, Message{Role: "user", Content: a})
	}
	return msgs
}

// parallelToolUse is the synthetic multi_tool_use.parallel wrapper some
// models emit instead of separate tool calls.
type parallelToolUse struct {
	ToolUses []struct {
		RecipientName string         `json:"recipient_name"`
		Parameters    map[string]any `json:"parameters"`
	} `json:"tool_uses"`
}

// flattenParallelToolCalls unwraps multi_tool_use.parallel calls into
// individual calls, stripping the "functions." namespace prefix.
func flattenParallelToolCalls(calls []ToolCall) []ToolCall {
	var flat []ToolCall
	for _, tc := range calls {
		if tc.Name != "multi_tool_use.parallel" {
			flat = append(flat, tc)
			continue
		}
		var wrapper parallelToolUse
		if err := json.Unmarshal([]byte(tc.Arguments), &wrapper); err != nil {
			// leave it for validation to reject
			flat = append(flat, tc)
			continue
		}
		for _, use := range wrapper.ToolUses {
			args, _ := json.Marshal(use.Parameters)
			flat = append(flat, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      strings.TrimPrefix(use.RecipientName, "functions."),
				Arguments: string(args),
			})
		}
	}
	return flat
}

// validateToolCalls rejects calls to tools that were never offered, so
// hallucinated names trigger a regeneration instead of leaking out.
func validateToolCalls(calls []ToolCall, tools []Tool) error {
	if len(calls) == 0 {
		return nil
	}
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name] = true
	}
	for _, tc := range calls {
		if !known[tc.Name] {
			return fmt.Errorf("llm: model called unknown tool %q", tc.Name)
		}
	}
	return nil
}

// parseJSONObject decodes content as a JSON object, running a repair
// pass over near-JSON output (trailing commas, fenced blocks, single
// quotes) before giving up.
func parseJSONObject(content string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil {
		return obj, nil
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return nil, fmt.Errorf("llm: response is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, fmt.Errorf("llm: repaired response is not a JSON object: %w", err)
	}
	return obj, nil
}
