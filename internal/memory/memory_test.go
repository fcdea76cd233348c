package memory

import (
	"encoding/json"
	"testing"

	"github.com/OpenBMB/IoA/pkg/protocol"
)

func msg(sender, content string) protocol.AgentMessage {
	return protocol.AgentMessage{
		Sender:      sender,
		Content:     content,
		CommID:      "c1",
		NextSpeaker: protocol.Speaker(sender),
		Type:        protocol.TypeDiscussion,
		State:       protocol.StateDiscussion,
	}
}

func TestAppendAndLen(t *testing.T) {
	h := New()
	if h.Len() != 0 {
		t.Fatalf("fresh Len = %d", h.Len())
	}
	h.Append(msg("Alice", "[Alice]: hi"))
	h.Append(msg("Bob", "[Bob]: hello"))
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}
}

func TestRecent(t *testing.T) {
	h := New()
	for _, c := range []string{"one", "two", "three"} {
		h.Append(msg("Alice", c))
	}
	got := h.Recent(2)
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Errorf("Recent(2) = %+v", got)
	}
	if got := h.Recent(10); len(got) != 3 {
		t.Errorf("Recent(10) = %d messages, want 3", len(got))
	}
}

func TestToLLMRoles(t *testing.T) {
	h := New()
	h.Append(msg("Alice", "[Alice]: my turn"))
	h.Append(msg("Bob", "[Bob]: reply"))

	turns := h.ToLLM("Alice")
	if len(turns) != 2 {
		t.Fatalf("got %d turns", len(turns))
	}
	if turns[0].Role != "assistant" {
		t.Errorf("own message role = %s, want assistant", turns[0].Role)
	}
	if turns[1].Role != "user" {
		t.Errorf("peer message role = %s, want user", turns[1].Role)
	}
	if turns[1].Content != "[Bob]: reply" {
		t.Errorf("content = %q", turns[1].Content)
	}
}

func TestResetClearsTurns(t *testing.T) {
	h := New()
	h.Append(msg("Alice", "x"))
	h.Reset()
	if h.Len() != 0 {
		t.Errorf("Len after Reset = %d", h.Len())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	h := New()
	h.Append(msg("Alice", "[Alice]: hi"))
	h.Append(msg("Bob", "[Bob]: hello"))

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	restored := New()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("restored Len = %d", restored.Len())
	}
	got := restored.Messages()
	if got[1].Sender != "Bob" || got[1].Content != "[Bob]: hello" {
		t.Errorf("restored[1] = %+v", got[1])
	}
}

func TestEmptyHistoryMarshalsAsArray(t *testing.T) {
	data, err := json.Marshal(New())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("empty history = %s, want []", data)
	}
}
