package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/OpenBMB/IoA/internal/llm"
	"github.com/OpenBMB/IoA/internal/prompts"
	"github.com/OpenBMB/IoA/internal/tasks"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// coordination is the entry point for one discussion step: it folds
// the incoming message into local state and, when this agent is the
// addressed speaker, produces the next move. A nil msg means this
// agent opens the discussion.
func (e *Engine) coordination(ctx context.Context, msg *protocol.AgentMessage, commID string, maxTurns *int) error {
	if msg != nil && msg.State != protocol.StateDiscussion {
		e.logger.Error("message state is not discussion", "state", int(msg.State))
		return nil
	}

	sess, ok, err := e.session(ctx, commID)
	if err != nil {
		return err
	}
	if !ok {
		if msg == nil {
			return fmt.Errorf("engine: unknown session %s", commID)
		}
		// First contact with this session: the teamup happened on
		// another agent, so bootstrap state from the message itself.
		sess, err = e.installSession(ctx, CommunicationInfo{
			CommID:                commID,
			Goal:                  msg.Goal,
			TeamMembers:           msg.TeamMembers,
			TeamUpDepth:           msg.TeamUpDepth,
			CollaborativePlanning: msg.IsCollaborativePlanningEnabled,
			MaxTurns:              maxTurns,
		})
		if err != nil {
			return err
		}
	}

	if msg == nil {
		return e.coordinationDiscussion(ctx, sess, nil)
	}

	msg.Content = fmt.Sprintf("[%s]: %s", msg.Sender, msg.Content)
	if msg.Sender != e.name {
		if err := e.updateMemoryAndTasks(ctx, sess, msg); err != nil {
			return err
		}
	}
	if !msg.NextSpeaker.Contains(e.name) {
		return nil
	}
	return e.coordinationDiscussion(ctx, sess, msg)
}

// updateMemoryAndTasks records the incoming message and applies its
// side effects on the task manager.
func (e *Engine) updateMemoryAndTasks(ctx context.Context, sess *session, msg *protocol.AgentMessage) error {
	sess.memory.Append(*msg)

	switch msg.Type {
	case protocol.TypeInformTaskProgress:
		sess.tasks.Update(msg.TaskID, msg.TaskDesc, msg.TaskAbstract, msg.Sender,
			tasks.StatusInProgress, "", "")
	case protocol.TypeInformTaskResult:
		sess.tasks.Update(msg.TaskID, msg.TaskDesc, msg.TaskAbstract, msg.Sender,
			tasks.StatusCompleted, msg.TaskConclusion, msg.Content)
		if sess.tasks.IsTriggered() {
			// All watched tasks just finished: the pause lifts and the
			// agent that armed the trigger takes the floor.
			if sess.tasks.TriggerSetter() == e.name {
				msg.NextSpeaker = protocol.Speaker(e.name)
			}
			sess.tasks.ClearTriggers()
		}
	case protocol.TypePause:
		sess.tasks.UpdateTriggers(msg.Triggers, msg.Sender)
	case protocol.TypeConclusion:
		sess.mu.Lock()
		content := msg.Content
		sess.info.Conclusion = &content
		sess.mu.Unlock()
	}

	switch msg.Type {
	case protocol.TypeDiscussion, protocol.TypeAsyncTaskAssignment,
		protocol.TypeSyncTaskAssignment, protocol.TypePause,
		protocol.TypeConcludeGroupDiscussion:
		if msg.UpdatedPlan != "" {
			sess.tasks.UpdatePlan(msg.UpdatedPlan)
		}
	}

	return e.persist(ctx, sess)
}

// coordinationDiscussion dispatches on the message type.
func (e *Engine) coordinationDiscussion(ctx context.Context, sess *session, msg *protocol.AgentMessage) error {
	if msg == nil {
		return e.handleInfoMessage(ctx, sess, nil)
	}
	switch msg.Type {
	case protocol.TypeDiscussion, protocol.TypeInformTaskResult, protocol.TypeInformTaskProgress:
		return e.handleInfoMessage(ctx, sess, msg)
	case protocol.TypeAsyncTaskAssignment:
		return e.handleAsyncTaskAssignment(ctx, sess, msg)
	case protocol.TypeSyncTaskAssignment:
		return e.handleSyncTaskAssignment(ctx, sess, msg)
	case protocol.TypeConcludeGroupDiscussion:
		return e.concludeGroupDiscussion(ctx, sess)
	}
	e.logger.Warn("unhandled message type", "type", msg.Type.String())
	return nil
}

// handleInfoMessage reacts to plain discussion turns and task
// progress/result reports. When tasks were assigned to several agents
// at once, the response waits for the whole set to report back.
func (e *Engine) handleInfoMessage(ctx context.Context, sess *session, msg *protocol.AgentMessage) error {
	if msg != nil &&
		(msg.Type == protocol.TypeInformTaskProgress || msg.Type == protocol.TypeInformTaskResult) {
		sess.tasks.MarkResponded(msg.Sender)
		if !sess.tasks.AwaitEmpty() {
			e.logger.Info("still awaiting task reports", "comm_id", sess.tasks.CommID())
			return e.persist(ctx, sess)
		}
	}
	return e.generateResponse(ctx, sess)
}

// discussionPrompt assembles the standing prompt for a discussion
// turn: system identity and protocol, the task management view, the
// planner view when enabled, and the turn instruction.
func (e *Engine) discussionPrompt(ctx context.Context, sess *session) (prepend []string, mgmt []llm.Message, appendP []string) {
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

	prepend = []string{
		e.systemPrompt(),
		prompts.NetworkRules,
		prompts.Expand(prompts.Teammates, map[string]string{"teammates": string(dump)}),
	}

	taskView := prompts.Expand(prompts.TaskView, map[string]string{
		"task_management_view": sess.tasks.View(),
		"goal":                 info.Goal,
	})
	mgmt = []llm.Message{{Role: "system", Content: taskView}}

	switch {
	case e.cfg.Discussion.DiscussionOnly:
		appendP = []string{prompts.Expand(prompts.DiscussionOnly, map[string]string{"name": e.name})}
	case info.CollaborativePlanning:
		mgmt = append(mgmt, llm.Message{Role: "system", Content: prompts.Expand(prompts.Planner, map[string]string{
			"Dynamic_Collaborative_Planner": sess.tasks.LatestPlan(),
		})})
		appendP = []string{prompts.Expand(prompts.TurnWithPlan, map[string]string{"name": e.name})}
	default:
		appendP = []string{prompts.Expand(prompts.TurnWithoutPlan, map[string]string{"name": e.name})}
	}

	if obs := e.observe(ctx); obs != "" {
		appendP = append(appendP, "Current Observation:\n"+obs)
	}
	return prepend, mgmt, appendP
}

// generateResponse takes this agent's turn: it asks the model for the
// next move and routes it as a discussion turn, an assignment, a
// pause, or the start of the conclusion.
func (e *Engine) generateResponse(ctx context.Context, sess *session) error {
	prepend, mgmt, appendP := e.discussionPrompt(ctx, sess)

	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	if info.MaxTurns != nil && sess.memory.Len() >= *info.MaxTurns {
		appendP = append(appendP,
			"The discussion has reached the maximum turns. Now you must send a message with type `conclude_group_discussion` anyway.")
	}

	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend:  prepend,
		History:  append(sess.memory.ToLLM(e.name), mgmt...),
		Append:   appendP,
		JSONMode: true,
	})
	if err != nil {
		return err
	}
	parsed := res.JSON
	content := stringField(parsed, "content")

	msgType, known := protocol.MessageTypeFromKeyword(stringField(parsed, "message_type"))
	if !known {
		e.logger.Warn("unknown message type keyword, treating as discussion",
			"keyword", stringField(parsed, "message_type"))
		msgType = protocol.TypeDiscussion
	}

	sess.memory.Append(protocol.AgentMessage{
		Content: fmt.Sprintf("[%s]: %s", e.name, content),
		Sender:  e.name,
		CommID:  info.CommID,
		State:   protocol.StateDiscussion,
		Type:    msgType,
	})

	var nextSpeakers []string
	if msgType == protocol.TypeConcludeGroupDiscussion {
		nextSpeakers = []string{e.name}
	} else {
		team := make(map[string]bool, len(info.TeamMembers))
		for _, m := range info.TeamMembers {
			team[m.Name] = true
		}
		for _, name := range nameListField(parsed["next_people"]) {
			if team[name] {
				nextSpeakers = append(nextSpeakers, name)
			}
		}
		if len(nextSpeakers) == 0 {
			nextSpeakers = []string{e.name}
		}
	}

	updatedPlan := ""
	if info.CollaborativePlanning {
		if doUpdate, _ := parsed["update_Dynamic_Collaborative_Planner"].(bool); doUpdate {
			updatedPlan, err = e.updateGlobalPlan(ctx, sess)
			if err != nil {
				return err
			}
			sess.tasks.UpdatePlan(updatedPlan)
		}
	}

	if msgType == protocol.TypePause {
		return e.handleGeneratedPause(ctx, sess, content, updatedPlan)
	}

	msg := &protocol.AgentMessage{
		Content:                        content,
		Sender:                         e.name,
		CommID:                         info.CommID,
		NextSpeaker:                    protocol.Speakers(nextSpeakers),
		State:                          protocol.StateDiscussion,
		Type:                           msgType,
		Goal:                           info.Goal,
		TeamMembers:                    info.TeamMembers,
		TeamUpDepth:                    info.TeamUpDepth,
		UpdatedPlan:                    updatedPlan,
		IsCollaborativePlanningEnabled: info.CollaborativePlanning,
		MaxTurns:                       info.MaxTurns,
	}
	if msgType == protocol.TypeAsyncTaskAssignment || msgType == protocol.TypeSyncTaskAssignment {
		sess.tasks.RegisterAwait(nextSpeakers)
	}
	if err := e.persist(ctx, sess); err != nil {
		return err
	}
	return e.send(msg)
}

// handleGeneratedPause runs the second model call of a pause turn: it
// selects the tasks whose completion will resume the discussion and
// arms the triggers. When nothing can be armed the turn degrades to a
// plain discussion message addressed back to this agent.
func (e *Engine) handleGeneratedPause(ctx context.Context, sess *session, content, updatedPlan string) error {
	prepend, _, _ := e.discussionPrompt(ctx, sess)

	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	pending, _ := json.Marshal(sess.tasks.IndicesByStatus(tasks.StatusToStart, tasks.StatusInProgress))
	pauseMsgs := []llm.Message{
		{Role: "system", Content: prompts.Expand(prompts.TaskView, map[string]string{
			"task_management_view": sess.tasks.View(),
			"goal":                 info.Goal,
		})},
		{Role: "system", Content: prompts.Expand(prompts.PauseSystem, map[string]string{
			"indices_In_Progress": string(pending),
		})},
	}

	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend:  prepend,
		History:  append(sess.memory.ToLLM(e.name), pauseMsgs...),
		Append:   []string{prompts.Expand(prompts.Pause, map[string]string{"name": e.name})},
		JSONMode: true,
	})
	if err != nil {
		return err
	}

	armed, ids := sess.tasks.SetTriggers(triggerRefs(res.JSON["selected_task_indices"]), e.name)

	msg := &protocol.AgentMessage{
		Content:                        content,
		Sender:                         e.name,
		CommID:                         info.CommID,
		NextSpeaker:                    protocol.Speaker(""),
		State:                          protocol.StateDiscussion,
		Type:                           protocol.TypePause,
		Goal:                           info.Goal,
		TeamMembers:                    info.TeamMembers,
		TeamUpDepth:                    info.TeamUpDepth,
		Triggers:                       ids,
		UpdatedPlan:                    updatedPlan,
		IsCollaborativePlanningEnabled: info.CollaborativePlanning,
		MaxTurns:                       info.MaxTurns,
	}
	if !armed {
		msg.NextSpeaker = protocol.Speakers([]string{e.name})
		msg.Type = protocol.TypeDiscussion
		msg.Triggers = nil
	}
	if err := e.persist(ctx, sess); err != nil {
		return err
	}
	return e.send(msg)
}

// updateGlobalPlan rewrites the shared collaborative plan.
func (e *Engine) updateGlobalPlan(ctx context.Context, sess *session) (string, error) {
	prepend, _, _ := e.discussionPrompt(ctx, sess)

	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	planMsgs := []llm.Message{
		{Role: "system", Content: prompts.Expand(prompts.TaskView, map[string]string{
			"task_management_view": sess.tasks.View(),
			"goal":                 info.Goal,
		})},
		{Role: "system", Content: prompts.Expand(prompts.Planner, map[string]string{
			"Dynamic_Collaborative_Planner": sess.tasks.LatestPlan(),
		})},
	}

	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend: prepend,
		History: append(sess.memory.ToLLM(e.name), planMsgs...),
		Append:  []string{prompts.Expand(prompts.UpdatePlan, map[string]string{"name": e.name})},
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// concludeGroupDiscussion distils the discussion into the final
// answer, records it as the session conclusion and broadcasts it.
func (e *Engine) concludeGroupDiscussion(ctx context.Context, sess *session) error {
	sess.mu.Lock()
	info := sess.info
	sess.mu.Unlock()

	history := sess.memory.ToLLM(e.name)
	if len(history) > 0 {
		history[0].Content = "The history of the GROUP DISCUSSION:\n" + history[0].Content
	}

	res, err := e.llm.Generate(ctx, llm.Request{
		History: history,
		Append:  []string{prompts.Expand(prompts.Conclude, map[string]string{"goal": info.Goal})},
	})
	if err != nil {
		return err
	}
	conclusion := res.Content

	sess.memory.Append(protocol.AgentMessage{
		Content: fmt.Sprintf("[%s]: %s", e.name, conclusion),
		Sender:  e.name,
		CommID:  info.CommID,
		State:   protocol.StateDiscussion,
		Type:    protocol.TypeConclusion,
	})
	sess.mu.Lock()
	sess.info.Conclusion = &conclusion
	sess.mu.Unlock()
	if err := e.persist(ctx, sess); err != nil {
		return err
	}

	return e.send(&protocol.AgentMessage{
		Content: conclusion,
		Sender:  e.name,
		CommID:  info.CommID,
		State:   protocol.StateDiscussion,
		Type:    protocol.TypeConclusion,
	})
}

// stringField reads a string value from a parsed JSON object.
func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// nameListField normalises a JSON value that may be a single name or a
// list of names.
func nameListField(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// triggerRefs parses the selected_task_indices field: numbers are task
// indices, strings may be either numeric indices or raw task ids.
func triggerRefs(v any) []tasks.Ref {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	refs := make([]tasks.Ref, 0, len(items))
	for _, item := range items {
		switch val := item.(type) {
		case float64:
			refs = append(refs, tasks.RefIndex(int(val)))
		case string:
			if n, err := strconv.Atoi(val); err == nil {
				refs = append(refs, tasks.RefIndex(n))
			} else {
				refs = append(refs, tasks.RefID(val))
			}
		}
	}
	return refs
}
