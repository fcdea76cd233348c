package tasks

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStatusNeverDowngrades(t *testing.T) {
	m := NewManager("c1")
	id := m.Create("search flights", "flight search", "Bob", StatusToStart)

	m.Update(id, "", "", "", StatusInProgress, "", "")
	m.Update(id, "", "", "", StatusCompleted, "all booked", "")
	m.Update(id, "", "", "", StatusInProgress, "", "")

	e, ok := m.Get(id)
	if !ok {
		t.Fatal("task vanished")
	}
	if e.Status != StatusCompleted {
		t.Errorf("Status = %v, want Completed", e.Status)
	}
	if e.Conclusion != "all booked" {
		t.Errorf("Conclusion = %q", e.Conclusion)
	}
}

func TestUpdateCreatesUnknownTask(t *testing.T) {
	m := NewManager("c1")
	m.Update("remote-id", "remote task", "abstract", "Carol", StatusInProgress, "", "")

	e, ok := m.Get("remote-id")
	if !ok {
		t.Fatal("task not created on update")
	}
	if e.Assignee != "Carol" || e.Status != StatusInProgress {
		t.Errorf("entry = %+v", e)
	}
}

func TestViewListsTasksInCreationOrder(t *testing.T) {
	m := NewManager("c1")
	m.Create("first", "first abstract", "A", StatusToStart)
	m.Create("second", "second abstract", "B", StatusInProgress)

	view := m.View()
	if !strings.Contains(view, "=== task index : 0===") ||
		!strings.Contains(view, "=== task index : 1===") {
		t.Errorf("view missing indices:\n%s", view)
	}
	if strings.Index(view, "first abstract") > strings.Index(view, "second abstract") {
		t.Errorf("tasks out of order:\n%s", view)
	}

	empty := NewManager("c2").View()
	if !strings.Contains(empty, "No tasks existed") {
		t.Errorf("empty view = %q", empty)
	}
}

func TestSetTriggersDropsUnknownRefs(t *testing.T) {
	m := NewManager("c1")
	id := m.Create("bg task", "abstract", "Bob", StatusInProgress)

	armed, ids := m.SetTriggers([]Ref{RefIndex(0), RefIndex(42), RefID("nope")}, "Alice")
	if !armed {
		t.Fatal("triggers not armed despite in-progress task")
	}
	if m.TriggerSetter() != "Alice" {
		t.Errorf("setter = %q", m.TriggerSetter())
	}
	// Index 42 never existed and must be dropped; the bogus id is
	// echoed back but arms nothing.
	found := false
	for _, got := range ids {
		if got == id {
			found = true
		}
	}
	if !found {
		t.Errorf("ids = %v, want to include %s", ids, id)
	}
}

func TestSetTriggersAllTerminalDegrades(t *testing.T) {
	m := NewManager("c1")
	m.Create("done task", "abstract", "Bob", StatusCompleted)

	armed, _ := m.SetTriggers([]Ref{RefIndex(0)}, "Alice")
	if armed {
		t.Error("armed = true, want false when every selected task is finished")
	}
	if !m.TriggersEmpty() {
		t.Error("triggers not cleared after degenerate pause")
	}
	if m.TriggerSetter() != "" {
		t.Errorf("setter = %q, want empty", m.TriggerSetter())
	}
}

func TestUpdateTriggersKeepsUnknownIDs(t *testing.T) {
	m := NewManager("c1")
	armed, ids := m.UpdateTriggers([]string{"not-here-yet"}, "Alice")
	if !armed {
		t.Fatal("unknown id must still arm the trigger (assignment may be in flight)")
	}
	if len(ids) != 1 || ids[0] != "not-here-yet" {
		t.Errorf("ids = %v", ids)
	}

	// The assignment arrives later, then completes.
	m.Update("not-here-yet", "late task", "abstract", "Bob", StatusInProgress, "", "")
	if m.IsTriggered() {
		t.Fatal("triggered before completion")
	}
	m.Update("not-here-yet", "", "", "", StatusCompleted, "done", "")
	if !m.IsTriggered() {
		t.Error("completion of the last watched task must trigger resume")
	}
}

func TestIsTriggeredFiresOnceOnEdge(t *testing.T) {
	m := NewManager("c1")
	a := m.Create("a", "a", "Bob", StatusInProgress)
	b := m.Create("b", "b", "Carol", StatusInProgress)

	armed, _ := m.SetTriggers([]Ref{RefID(a), RefID(b)}, "Alice")
	if !armed {
		t.Fatal("not armed")
	}
	if m.IsTriggered() {
		t.Fatal("triggered immediately after arming")
	}

	m.Update(a, "", "", "", StatusCompleted, "", "")
	if m.IsTriggered() {
		t.Error("triggered with one task still pending")
	}
	m.Update(b, "", "", "", StatusFailed, "", "")
	if !m.IsTriggered() {
		t.Error("failed counts as terminal and must complete the edge")
	}

	m.ClearTriggers()
	if m.IsTriggered() {
		t.Error("still triggered after ClearTriggers")
	}
	if !m.TriggersEmpty() {
		t.Error("triggers not empty after ClearTriggers")
	}
}

func TestAwaitSet(t *testing.T) {
	m := NewManager("c1")
	if !m.AwaitEmpty() {
		t.Fatal("fresh wait set not empty")
	}
	m.RegisterAwait([]string{"Bob", "Carol"})
	if m.AwaitEmpty() {
		t.Fatal("wait set empty after register")
	}
	m.MarkResponded("Bob")
	m.MarkResponded("Unknown") // must be a no-op
	if m.AwaitEmpty() {
		t.Fatal("wait set empty with Carol pending")
	}
	m.MarkResponded("Carol")
	if !m.AwaitEmpty() {
		t.Error("wait set not empty after all acks")
	}

	// Re-registering replaces the previous set.
	m.RegisterAwait([]string{"Dave"})
	m.RegisterAwait([]string{"Eve"})
	m.MarkResponded("Eve")
	if !m.AwaitEmpty() {
		t.Error("stale Dave entry survived re-register")
	}
}

func TestPlanLog(t *testing.T) {
	m := NewManager("c1")
	if got := m.LatestPlan(); got != "No collaborative consensual plans shaped yet." {
		t.Errorf("initial plan = %q", got)
	}
	m.UpdatePlan("step 1: gather data")
	m.UpdatePlan("") // ignored
	if got := m.LatestPlan(); got != "step 1: gather data" {
		t.Errorf("LatestPlan = %q", got)
	}
}

func TestMessageBinding(t *testing.T) {
	m := NewManager("c1")
	id := m.Create("t", "abstract", "Bob", StatusInProgress)
	m.Update(id, "", "", "", StatusCompleted, "done", "msg-key-1")

	e, ok := m.TaskForMessage("msg-key-1")
	if !ok {
		t.Fatal("binding missing")
	}
	if e.TaskID != id || e.Conclusion != "done" {
		t.Errorf("bound entry = %+v", e)
	}
	if _, ok := m.TaskForMessage("other"); ok {
		t.Error("unexpected binding for unknown key")
	}
}

func TestFilterByStatus(t *testing.T) {
	m := NewManager("c1")
	m.Create("a", "a", "A", StatusToStart)
	b := m.Create("b", "b", "B", StatusInProgress)
	m.Update(b, "", "", "", StatusCompleted, "", "")

	done := m.FilterByStatus(StatusCompleted, StatusFailed)
	if len(done) != 1 || done[0].TaskID != b {
		t.Errorf("done = %+v", done)
	}
	all := m.FilterByStatus()
	if len(all) != 2 {
		t.Errorf("all = %d entries, want 2", len(all))
	}
	idx := m.IndicesByStatus(StatusToStart)
	if len(idx) != 1 || idx[0] != 0 {
		t.Errorf("indices = %v", idx)
	}
}

func TestManagerJSONRoundTrip(t *testing.T) {
	m := NewManager("c1")
	a := m.Create("task a", "abstract a", "Bob", StatusInProgress)
	m.Create("task b", "abstract b", "Carol", StatusToStart)
	m.UpdatePlan("revised plan")
	m.RegisterAwait([]string{"Bob"})
	m.SetTriggers([]Ref{RefID(a)}, "Alice")

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	restored := NewManager("")
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if restored.CommID() != "c1" {
		t.Errorf("CommID = %q", restored.CommID())
	}
	if restored.LatestPlan() != "revised plan" {
		t.Errorf("plan = %q", restored.LatestPlan())
	}
	if restored.AwaitEmpty() {
		t.Error("await set lost")
	}
	if restored.TriggerSetter() != "Alice" {
		t.Errorf("setter = %q", restored.TriggerSetter())
	}

	// Trigger edge survives: completing the watched task fires.
	restored.Update(a, "", "", "", StatusCompleted, "", "")
	if !restored.IsTriggered() {
		t.Error("restored manager lost trigger state")
	}

	// New tasks continue the index sequence.
	restored.Create("task c", "abstract c", "Dave", StatusToStart)
	idx := restored.IndicesByStatus()
	if len(idx) != 3 || idx[2] != 2 {
		t.Errorf("indices after restore = %v", idx)
	}
}
