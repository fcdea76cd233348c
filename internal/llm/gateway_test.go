package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// completionServer scripts the fake backend: each call pops the next
// canned response body.
func completionServer(t *testing.T, responses ...map[string]any) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	i := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests = append(requests, req)
		if i >= len(responses) {
			t.Errorf("unexpected extra request %d", i+1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(responses[i])
		i++
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func textCompletion(content, finishReason string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"finish_reason": finishReason,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
	}
}

func newTestGateway(t *testing.T, srv *httptest.Server) *Gateway {
	t.Helper()
	return NewGateway(NewClient("key", srv.URL, "gpt-4-1106-preview", 0.7, 0), nil)
}

func TestGenerateAssemblesPrompt(t *testing.T) {
	srv, requests := completionServer(t, textCompletion("ok", "stop"))
	g := newTestGateway(t, srv)

	_, err := g.Generate(context.Background(), Request{
		Prepend: []string{"sys prompt", "context block"},
		History: []Message{{Role: "assistant", Content: "earlier"}},
		Append:  []string{"latest instruction"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msgs := (*requests)[0]["messages"].([]any)
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if role := msgs[i].(map[string]any)["role"]; role != want {
			t.Errorf("message %d role = %v, want %s", i, role, want)
		}
	}
	if content := msgs[3].(map[string]any)["content"]; content != "latest instruction" {
		t.Errorf("last message content = %v", content)
	}
}

func TestGenerateJSONModeRepairsOutput(t *testing.T) {
	// Trailing comma plus single quotes: invalid JSON that the repair
	// pass can fix without another round trip.
	srv, _ := completionServer(t, textCompletion(`{'reply': 'hello', 'next': 'Bob',}`, "stop"))
	g := newTestGateway(t, srv)

	res, err := g.Generate(context.Background(), Request{
		Prepend:  []string{"sys"},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.JSON["reply"] != "hello" || res.JSON["next"] != "Bob" {
		t.Errorf("JSON = %v", res.JSON)
	}
}

func TestGenerateRetriesOnGarbageJSON(t *testing.T) {
	srv, requests := completionServer(t,
		textCompletion("I would rather chat in prose.", "stop"),
		textCompletion(`{"reply": "fine"}`, "stop"),
	)
	g := newTestGateway(t, srv)

	res, err := g.Generate(context.Background(), Request{Prepend: []string{"sys"}, JSONMode: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.JSON["reply"] != "fine" {
		t.Errorf("JSON = %v", res.JSON)
	}
	if len(*requests) != 2 {
		t.Errorf("requests = %d, want 2", len(*requests))
	}
}

func TestGenerateContentFilterIsFatal(t *testing.T) {
	srv, requests := completionServer(t, textCompletion("", "content_filter"))
	g := newTestGateway(t, srv)

	_, err := g.Generate(context.Background(), Request{Prepend: []string{"sys"}})
	if !errors.Is(err, ErrContentFiltered) {
		t.Fatalf("err = %v, want ErrContentFiltered", err)
	}
	if len(*requests) != 1 {
		t.Errorf("requests = %d, want 1 (no retry on content filter)", len(*requests))
	}
}

func toolCompletion(calls ...map[string]any) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"finish_reason": "tool_calls",
			"message":       map[string]any{"role": "assistant", "tool_calls": calls},
		}},
		"usage": map[string]any{"prompt_tokens": 20, "completion_tokens": 8},
	}
}

func TestGenerateRetriesUnknownTool(t *testing.T) {
	srv, requests := completionServer(t,
		toolCompletion(map[string]any{
			"id": "call_1",
			"function": map[string]any{
				"name":      "made_up_tool",
				"arguments": `{}`,
			},
		}),
		toolCompletion(map[string]any{
			"id": "call_2",
			"function": map[string]any{
				"name":      "agent_discovery",
				"arguments": `{"capabilities": ["search"]}`,
			},
		}),
	)
	g := newTestGateway(t, srv)

	res, err := g.Generate(context.Background(), Request{
		Prepend: []string{"sys"},
		Tools:   []Tool{{Name: "agent_discovery", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "agent_discovery" {
		t.Errorf("ToolCalls = %+v", res.ToolCalls)
	}
	if len(*requests) != 2 {
		t.Errorf("requests = %d, want 2", len(*requests))
	}
}

func TestGenerateFlattensParallelToolCalls(t *testing.T) {
	wrapped := map[string]any{
		"tool_uses": []map[string]any{
			{"recipient_name": "functions.agent_discovery", "parameters": map[string]any{"capabilities": []string{"search"}}},
			{"recipient_name": "functions.agent_contact", "parameters": map[string]any{"agent_names": []string{"Bob"}}},
		},
	}
	args, _ := json.Marshal(wrapped)
	srv, _ := completionServer(t, toolCompletion(map[string]any{
		"id": "call_p",
		"function": map[string]any{
			"name":      "multi_tool_use.parallel",
			"arguments": string(args),
		},
	}))
	g := newTestGateway(t, srv)

	res, err := g.Generate(context.Background(), Request{
		Prepend: []string{"sys"},
		Tools: []Tool{
			{Name: "agent_discovery", Parameters: map[string]any{"type": "object"}},
			{Name: "agent_contact", Parameters: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %+v, want 2 flattened calls", res.ToolCalls)
	}
	if res.ToolCalls[0].Name != "agent_discovery" || res.ToolCalls[1].Name != "agent_contact" {
		t.Errorf("names = %s, %s", res.ToolCalls[0].Name, res.ToolCalls[1].Name)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(res.ToolCalls[1].Arguments), &decoded); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
}

func TestGenerateForcedToolChoice(t *testing.T) {
	srv, requests := completionServer(t, toolCompletion(map[string]any{
		"id": "call_f",
		"function": map[string]any{
			"name":      "agent_contact",
			"arguments": `{"agent_names": ["Bob"], "team_name": "crew"}`,
		},
	}))
	g := newTestGateway(t, srv)

	_, err := g.Generate(context.Background(), Request{
		Prepend:    []string{"sys"},
		Tools:      []Tool{{Name: "agent_contact", Parameters: map[string]any{"type": "object"}}},
		ToolChoice: "agent_contact",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	choice := (*requests)[0]["tool_choice"].(map[string]any)
	fn := choice["function"].(map[string]any)
	if fn["name"] != "agent_contact" {
		t.Errorf("tool_choice = %v", choice)
	}
}
