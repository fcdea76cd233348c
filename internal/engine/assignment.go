package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/OpenBMB/IoA/internal/llm"
	"github.com/OpenBMB/IoA/internal/prompts"
	"github.com/OpenBMB/IoA/internal/tasks"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// rephrasedTask is the self-contained restatement of an assignment,
// ready to hand to an executor that never saw the discussion.
type rephrasedTask struct {
	reference          string // selected history the executor should read
	desc               string
	abstract           string
	contextInformation string
	completionCriteria string
}

// handleAsyncTaskAssignment accepts a background task: the execution
// detaches, a progress note goes out immediately, and the discussion
// continues with the assigner.
func (e *Engine) handleAsyncTaskAssignment(ctx context.Context, sess *session, msg *protocol.AgentMessage) error {
	task, err := e.rephraseTask(ctx, sess, e.observe(ctx))
	if err != nil {
		return err
	}
	taskID := sess.tasks.Create(task.desc, task.abstract, e.name, tasks.StatusToStart)

	go func() {
		if err := e.callExecutorAndInform(e.ctx, sess, task, "", taskID); err != nil {
			e.logger.Error("background task failed", "task_id", taskID, "error", err)
		}
	}()

	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	content := prompts.Expand(prompts.InformAsync, map[string]string{"task_description": task.desc})
	out := &protocol.AgentMessage{
		Content:                        content,
		Sender:                         e.name,
		CommID:                         info.CommID,
		NextSpeaker:                    protocol.Speaker(msg.Sender),
		State:                          protocol.StateDiscussion,
		Type:                           protocol.TypeInformTaskProgress,
		Goal:                           info.Goal,
		TeamMembers:                    info.TeamMembers,
		TeamUpDepth:                    info.TeamUpDepth,
		TaskID:                         taskID,
		TaskDesc:                       task.desc,
		TaskAbstract:                   task.abstract,
		IsCollaborativePlanningEnabled: info.CollaborativePlanning,
	}
	sess.memory.Append(protocol.AgentMessage{
		Content: fmt.Sprintf("[%s]: %s", e.name, content),
		Sender:  e.name,
		CommID:  info.CommID,
		State:   protocol.StateDiscussion,
		Type:    protocol.TypeInformTaskProgress,
	})
	sess.tasks.Update(taskID, task.desc, task.abstract, e.name, tasks.StatusInProgress, "", "")
	if err := e.persist(ctx, sess); err != nil {
		return err
	}
	return e.send(out)
}

// handleSyncTaskAssignment executes an assignment inline: the
// discussion waits until the result is reported back to the assigner.
func (e *Engine) handleSyncTaskAssignment(ctx context.Context, sess *session, msg *protocol.AgentMessage) error {
	task, err := e.rephraseTask(ctx, sess, e.observe(ctx))
	if err != nil {
		return err
	}
	taskID := sess.tasks.Create(task.desc, task.abstract, e.name, tasks.StatusToStart)
	if err := e.persist(ctx, sess); err != nil {
		return err
	}
	return e.callExecutorAndInform(ctx, sess, task, msg.Sender, taskID)
}

// callExecutorAndInform completes the task, possibly through a nested
// sub-team, then reports the result to the group.
func (e *Engine) callExecutorAndInform(ctx context.Context, sess *session, task rephrasedTask, nextSpeaker, taskID string) error {
	reference := task.reference
	if reference == "" {
		reference = "No inputs"
	}
	nestedGoal := fmt.Sprintf(`
# %s
## Task Description
%s
## Task Inputs (including dialogues and takeaways from PREVIOUS collaboration)
%s
## Context Information
%s
## Completion Criteria
%s
`, task.abstract, task.desc, reference, task.contextInformation, task.completionCriteria)
	taskContent := fmt.Sprintf(`
# %s
## Task Inputs (including dialogues and takeaways from PREVIOUS collaboration)
%s
## Task Description
%s
`, task.abstract, reference, task.desc)

	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	teamUp := false
	if e.cfg.Discussion.NestedTeams {
		teamUp = e.requireTeamwork(ctx, taskContent)
	}

	var conclusion string
	var err error
	depth := info.TeamUpDepth
	switch {
	case teamUp && depth == nil:
		_, conclusion, err = e.LaunchGoal(ctx, nestedGoal, GoalOptions{
			CollaborativePlanning: info.CollaborativePlanning,
			SkipNaming:            true,
		})
	case teamUp && *depth >= 1:
		next := *depth - 1
		_, conclusion, err = e.LaunchGoal(ctx, nestedGoal, GoalOptions{
			TeamUpDepth:           &next,
			CollaborativePlanning: info.CollaborativePlanning,
			SkipNaming:            true,
		})
	default:
		conclusion, err = e.runExecutor(ctx, taskContent)
	}
	if err != nil {
		// The group still needs a report, or a paused discussion
		// waiting on this task would hang forever.
		e.logger.Error("task execution failed", "task_id", taskID, "error", err)
		conclusion = fmt.Sprintf("Task execution failed: %v", err)
	}

	return e.informTaskResult(ctx, sess, task.desc, conclusion, nextSpeaker, taskID, task.abstract)
}

// requireTeamwork asks the model whether the task warrants a sub-team.
func (e *Engine) requireTeamwork(ctx context.Context, task string) bool {
	contacts, err := e.contactList(ctx)
	if err != nil {
		return false
	}
	dump, _ := json.MarshalIndent(contacts, "", "  ")

	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend: []string{e.systemPrompt()},
		Append: []string{prompts.Expand(prompts.WhetherTeamwork, map[string]string{
			"task":              task,
			"retrieved_contact": string(dump),
		})},
		JSONMode: true,
	})
	if err != nil {
		e.logger.Warn("teamwork decision failed", "error", err)
		return false
	}
	return stringField(res.JSON, "decision") != "individual"
}

// informTaskResult completes the task locally and shares the result.
func (e *Engine) informTaskResult(ctx context.Context, sess *session, desc, conclusion, nextSpeaker, taskID, abstract string) error {
	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	content := prompts.Expand(prompts.TaskResult, map[string]string{
		"task_desc":       desc,
		"task_conclusion": conclusion,
	})
	out := &protocol.AgentMessage{
		Content:        content,
		Sender:         e.name,
		CommID:         info.CommID,
		NextSpeaker:    protocol.Speaker(nextSpeaker),
		State:          protocol.StateDiscussion,
		Type:           protocol.TypeInformTaskResult,
		TaskID:         taskID,
		TaskDesc:       desc,
		TaskConclusion: conclusion,
		TaskAbstract:   abstract,
	}

	recorded := fmt.Sprintf("[%s]: %s", e.name, content)
	sess.memory.Append(protocol.AgentMessage{
		Content: recorded,
		Sender:  e.name,
		CommID:  info.CommID,
		State:   protocol.StateDiscussion,
		Type:    protocol.TypeInformTaskResult,
	})
	sess.tasks.Update(taskID, desc, abstract, e.name, tasks.StatusCompleted, conclusion, recorded)
	if sess.tasks.IsTriggered() {
		if sess.tasks.TriggerSetter() == e.name {
			out.NextSpeaker = protocol.Speaker(e.name)
		}
		sess.tasks.ClearTriggers()
	}
	if err := e.persist(ctx, sess); err != nil {
		return err
	}
	return e.send(out)
}

// rephraseTask restates the assignment buried in the discussion as a
// standalone task, selecting which history items the executor needs.
func (e *Engine) rephraseTask(ctx context.Context, sess *session, observation string) (rephrasedTask, error) {
	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	teammates := make([]protocol.AgentInfo, 0, len(info.TeamMembers))
	for _, m := range info.TeamMembers {
		if m.Name != e.name {
			teammates = append(teammates, m)
		}
	}
	dump, _ := json.MarshalIndent(teammates, "", "  ")

	prepend := []string{
		e.systemPrompt(),
		prompts.NetworkRules,
		prompts.Expand(prompts.Teammates, map[string]string{"teammates": string(dump)}),
	}
	if observation != "" {
		prepend = append(prepend, "Current Observation:\n"+observation)
	}

	recentHistory, items := e.hybridRecentHistory(sess)
	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend: prepend,
		History: []llm.Message{{
			Role: "system",
			Content: prompts.Expand(prompts.RephraseSystem, map[string]string{
				"recent_history": recentHistory,
			}),
		}},
		Append:   []string{prompts.Expand(prompts.Rephrase, map[string]string{"name": e.name})},
		JSONMode: true,
	})
	if err != nil {
		return rephrasedTask{}, err
	}
	parsed := res.JSON

	task := rephrasedTask{
		desc:               stringField(parsed, "task_description"),
		abstract:           stringField(parsed, "task_abstract"),
		contextInformation: stringField(parsed, "context_information"),
		completionCriteria: stringField(parsed, "completion_criteria"),
	}

	indices := integrateIndices(parsed["index_to_integrate"], len(items))
	var useful []string
	for _, i := range indices {
		if i >= 1 && i <= len(items) {
			useful = append(useful, items[i-1])
		}
	}
	task.reference = strings.Join(useful, "")
	return task, nil
}

// integrateIndices parses the 1-based index_to_integrate field. Any
// malformed value falls back to integrating everything.
func integrateIndices(v any, total int) []int {
	all := func() []int {
		out := make([]int, total)
		for i := range out {
			out[i] = i + 1
		}
		return out
	}

	items, ok := v.([]any)
	if !ok {
		if s, isStr := v.(string); isStr {
			var parsed []int
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return parsed
			}
		}
		return all()
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, isNum := item.(float64)
		if !isNum {
			return all()
		}
		out = append(out, int(n))
	}
	return out
}

// historyItem is one entry in the hybrid history: either a discussion
// message or the distilled record of a finished task.
type historyItem struct {
	isTask  bool
	content string
	entry   tasks.Entry
}

// hybridRecentHistory mixes the five latest substantive messages with
// the records of every finished task, capped by the goal statement.
// Routine inform messages are replaced by their task entries so the
// executor sees conclusions instead of chatter. It returns the indexed
// view for the rephrase prompt and the per-item contents keyed by the
// same 1-based indices.
func (e *Engine) hybridRecentHistory(sess *session) (string, []string) {
	sess.mu.Lock()
	goal := sess.info.Goal
	sess.mu.Unlock()

	const latest = 5
	var collected []historyItem
	kept := 0
	msgs := sess.memory.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		content := msgs[i].Content
		switch {
		case strings.Contains(content, prompts.RoutineMarkers[0]):
			// Background-execution announcements carry no substance.
		case strings.Contains(content, prompts.RoutineMarkers[1]):
			if entry, ok := sess.tasks.TaskForMessage(content); ok {
				collected = append(collected, historyItem{isTask: true, entry: entry})
			}
		default:
			if kept < latest {
				collected = append(collected, historyItem{content: content})
				kept++
			}
		}
	}
	collected = append(collected, historyItem{
		content: "[system]: The team is collaborating to solve this problem:\n" + goal,
	})

	// Back into chronological order.
	for l, r := 0, len(collected)-1; l < r; l, r = l+1, r-1 {
		collected[l], collected[r] = collected[r], collected[l]
	}

	var view strings.Builder
	items := make([]string, 0, len(collected))
	taskIdx := 0
	for i, item := range collected {
		if item.isTask {
			fmt.Fprintf(&view, "=== task index : %d ===\n%s", i+1, item.entry.View())
			items = append(items, fmt.Sprintf("=== task index : %d ===\n%s", taskIdx, item.entry.ConclusionView()))
			taskIdx++
			continue
		}
		fmt.Fprintf(&view, "=== message index : %d ===\n%s\n", i+1, item.content)
		items = append(items, item.content+"\n")
	}
	return view.String(), items
}
