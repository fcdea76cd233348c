// Package memory keeps per-session chat history for the coordination
// engine. History is append-only between resets and serializes as a
// plain message list so it can ride inside the persisted session
// record.
package memory

import (
	"encoding/json"
	"sync"

	"github.com/OpenBMB/IoA/internal/llm"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// ChatHistory holds the ordered messages of one discussion. Safe for
// concurrent use.
type ChatHistory struct {
	mu       sync.RWMutex
	messages []protocol.AgentMessage
}

func New() *ChatHistory { return &ChatHistory{} }

// Append records one message at the end of the history.
func (h *ChatHistory) Append(msg protocol.AgentMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Len returns the number of recorded messages. This doubles as the
// discussion turn counter.
func (h *ChatHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Messages returns a copy of the full history.
func (h *ChatHistory) Messages() []protocol.AgentMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.AgentMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// Recent returns a copy of the latest n messages (all of them when the
// history is shorter).
func (h *ChatHistory) Recent(n int) []protocol.AgentMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n > len(h.messages) {
		n = len(h.messages)
	}
	out := make([]protocol.AgentMessage, n)
	copy(out, h.messages[len(h.messages)-n:])
	return out
}

// Reset drops all recorded messages, e.g. when a concluded discussion
// is reopened with a fresh goal.
func (h *ChatHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}

// ToLLM renders the history as chat turns from viewer's perspective:
// the viewer's own messages become assistant turns, everyone else's
// become user turns. Content already carries the "[sender]: " prefix
// stamped at receive time, so no name field is needed.
func (h *ChatHistory) ToLLM(viewer string) []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, 0, len(h.messages))
	for _, m := range h.messages {
		role := "user"
		if m.Sender == viewer {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// MarshalJSON serializes the history as a bare message array.
func (h *ChatHistory) MarshalJSON() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.messages)
}

func (h *ChatHistory) UnmarshalJSON(data []byte) error {
	var msgs []protocol.AgentMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = msgs
	return nil
}
