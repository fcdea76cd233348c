// Package prompts holds the prompt pack driving the coordination
// engine. Each prompt lives as an embedded template with ${var}
// placeholders; Expand fills them in.
package prompts

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.md
var templateFS embed.FS

func load(name string) string {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		panic("prompts: missing template " + name)
	}
	return string(content)
}

var (
	// System prompts, one per agent type.
	HumanSystem = load("human_system.md")
	ThingSystem = load("thing_system.md")

	// NetworkRules describes the collaboration protocol; appended to
	// every system prompt.
	NetworkRules = load("network_rules.md")

	// Discovery instructs the teamup phase with the discovery tools.
	Discovery = load("discovery.md")

	// Teammates lists the formed team for non-initiator members.
	Teammates = load("teammates.md")

	// Turn prompts: full strategy palette plus the response format,
	// with or without the collaborative planner fields, and the
	// discussion-only variant.
	TurnWithPlan    = load("turn_strategies.md") + "\n\n" + load("turn_format_with_plan.md")
	TurnWithoutPlan = load("turn_strategies.md") + "\n\n" + load("turn_format_without_plan.md")
	DiscussionOnly  = load("discussion_only.md")

	// TaskView and Planner are prepended context blocks for a turn.
	TaskView = load("task_view.md")
	Planner  = load("planner.md")

	// Pause trigger selection.
	PauseSystem = load("pause_system.md")
	Pause       = load("pause.md")

	// InformAsync is the routine message announcing a background task.
	InformAsync = load("inform_async.md")

	// TaskResult is the routine message sharing a finished task.
	TaskResult = load("task_result.md")

	// ToolThought frames tool-calling turns during teamup.
	ToolThought = load("tool_thought.md")

	// Conclude asks for the final answer once the goal is reached.
	Conclude = load("conclude.md")

	// WhetherTeamwork is the individual-vs-teamwork decision.
	WhetherTeamwork = load("whether_teamwork.md")

	// UpdatePlan rewrites the Dynamic Collaborative Planner.
	UpdatePlan = load("update_plan.md")

	// TeamNaming picks a group chat name for a fresh team.
	TeamNaming = load("team_naming.md")

	// Rephrase turns a raw assignment into a self-contained task.
	RephraseSystem = load("rephrase_system.md")
	Rephrase       = load("rephrase.md")
)

// Expand substitutes ${var} placeholders from vars. Unknown
// placeholders are left verbatim so template bugs stay visible.
func Expand(tmpl string, vars map[string]string) string {
	return os.Expand(tmpl, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return "${" + key + "}"
	})
}

// RoutineMarkers match the opening lines of the canned inform
// messages, letting the rephraser skip them when collecting
// substantive history.
var RoutineMarkers = []string{
	"Team, the following task is being executed in the background by myself.",
	"Just a quick interruption to our current discussion.",
}

// IsRoutine reports whether content is one of the canned inform
// messages rather than a substantive discussion turn. The sender
// prefix stamped at receive time is tolerated.
func IsRoutine(content string) bool {
	for _, marker := range RoutineMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}
