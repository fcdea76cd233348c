// Package tasks tracks the collaborative tasks of one session: their
// lifecycle, the pause triggers gating a stalled discussion, and the
// shared plan log. State serializes to JSON so each agent can persist
// its view of the session across restarts.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a task. Completed and Failed share
// the same priority: both are terminal.
type Status int

const (
	StatusToStart Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

// priority orders statuses; updates never move a task to a lower one.
func (s Status) priority() int {
	switch s {
	case StatusToStart:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// Terminal reports whether the task has finished, successfully or not.
func (s Status) Terminal() bool { return s.priority() >= StatusCompleted.priority() }

func (s Status) String() string {
	switch s {
	case StatusToStart:
		return "To Start"
	case StatusInProgress:
		return "In Progress"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) name() string {
	switch s {
	case StatusToStart:
		return "to_start"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "to_start"
}

func statusFromName(name string) Status {
	switch name {
	case "in_progress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	default:
		return StatusToStart
	}
}

// MarshalJSON stores the status by name so persisted records stay
// readable and stable across reorderings of the enum.
func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.name()) }

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = statusFromName(name)
	return nil
}

// Entry is one task.
type Entry struct {
	TaskID     string `json:"task_id"`
	Desc       string `json:"task_desc"`
	Abstract   string `json:"task_abstract"`
	Assignee   string `json:"assignee"`
	Status     Status `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// update raises the status (never lowers it) and overwrites any
// non-empty fields supplied alongside.
func (e *Entry) update(status Status, conclusion string) {
	if e.Status.priority() <= status.priority() {
		e.Status = status
	}
	if conclusion != "" {
		e.Conclusion = conclusion
	}
}

// View renders the entry for the discussion prompt.
func (e *Entry) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assignee: %s\n", e.Assignee)
	fmt.Fprintf(&b, "Task abstract: %s\n", e.Abstract)
	fmt.Fprintf(&b, "Status: %s\n", e.Status)
	return b.String()
}

// ConclusionView renders the entry for the conclusion prompt.
func (e *Entry) ConclusionView() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assignee: %s\n", e.Assignee)
	fmt.Fprintf(&b, "Task abstract: %s\n", e.Abstract)
	fmt.Fprintf(&b, "Task conclusion:\n%s\n", e.Conclusion)
	return b.String()
}
