package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OpenBMB/IoA/internal/llm"
	"github.com/OpenBMB/IoA/internal/prompts"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// ErrTeamupFailed reports that no viable team was formed within the
// configured number of attempts.
var ErrTeamupFailed = errors.New("engine: failed to decide the teammates")

// teamupTools are the function tools offered during team formation.
func teamupTools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "agent_discovery",
			Description: "Discover new agents in the network by searching with natural langugae queries which could be desired expertises, skills, agent description, tasks suitable and so on.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"queries": map[string]any{
						"description": "List of natural langugae queries, which could be desired expertises, skills, agent description, tasks suitable and so on.",
						"type":        "array",
						"items":       map[string]any{"type": "string"},
					},
				},
				"required": []string{"queries"},
			},
		},
		{
			Name:        "team_up",
			Description: "Initiate a group chat session aimed at facilitating collaboration among a team of agents identified by their unique agent names.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"team_members": map[string]any{
						"description": "An array of unique strings, each representing the name of an agent in the team (the name of yourself should be included).",
						"type":        "array",
						"items":       map[string]any{"type": "string"},
					},
				},
				"required": []string{"team_members"},
			},
		},
	}
}

// systemPrompt renders the agent's system prompt for its type.
func (e *Engine) systemPrompt() string {
	tmpl := prompts.HumanSystem
	if e.agentType == protocol.AgentTypeThing {
		tmpl = prompts.ThingSystem
	}
	return prompts.Expand(tmpl, map[string]string{
		"name":       e.name,
		"desc":       e.desc,
		"agent_type": e.agentType,
	})
}

// contactList dumps the local address book.
func (e *Engine) contactList(ctx context.Context) ([]protocol.AgentInfo, error) {
	names, err := e.contacts.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.AgentInfo, 0, len(names))
	for _, name := range names {
		info, err := e.contacts.Get(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// TeamUp forms a chat session for the goal and returns its id. With
// explicit member names the session is created directly; otherwise the
// agent searches the network and decides who to recruit.
func (e *Engine) TeamUp(ctx context.Context, goal string, opts GoalOptions) (string, error) {
	var (
		commID  string
		members []protocol.AgentInfo
	)

	if len(opts.TeamMemberNames) > 0 {
		infos, err := e.api.Query(ctx, opts.TeamMemberNames)
		if err != nil {
			return "", fmt.Errorf("engine: query team members: %w", err)
		}
		for _, info := range infos {
			if info == nil || info.Name == e.name {
				continue
			}
			if known, _ := e.contacts.Contains(ctx, info.Name); !known {
				if err := e.contacts.Put(ctx, info.Name, *info); err != nil {
					e.logger.Warn("failed to record contact", "name", info.Name, "error", err)
				}
			}
			members = append(members, *info)
		}

		teamName := ""
		if !opts.SkipNaming {
			teamName = e.nameTeam(ctx, goal, members)
		}
		result, err := e.api.Teamup(ctx, e.name, withoutSelf(opts.TeamMemberNames, e.name), teamName)
		if err != nil {
			return "", fmt.Errorf("engine: teamup: %w", err)
		}
		members = append(members, protocol.AgentInfo{Name: e.name, Type: e.agentType, Desc: e.desc})
		commID = result.CommID
	} else {
		attempts := e.cfg.Discussion.MaxTeamUpAttempts
		if attempts < 1 {
			attempts = 1
		}
		var scratch []llm.Message
		for i := 0; i < attempts; i++ {
			isLast := i == attempts-1
			finished, id, team, err := e.discoverAndTeamup(ctx, goal, &scratch, opts.SkipNaming, isLast)
			if err != nil {
				return "", err
			}
			if finished {
				commID, members = id, team
				break
			}
		}
	}

	if commID == "" {
		return "", ErrTeamupFailed
	}

	_, err := e.installSession(ctx, CommunicationInfo{
		CommID:                commID,
		Goal:                  goal,
		TeamMembers:           members,
		TeamUpDepth:           opts.TeamUpDepth,
		CollaborativePlanning: opts.CollaborativePlanning,
		MaxTurns:              opts.MaxTurns,
	})
	return commID, err
}

// discoverAndTeamup runs one tool-calling turn: the model either
// searches for more candidates or commits to a team.
func (e *Engine) discoverAndTeamup(ctx context.Context, goal string, scratch *[]llm.Message, skipNaming, isLast bool) (bool, string, []protocol.AgentInfo, error) {
	contacts, err := e.contactList(ctx)
	if err != nil {
		return false, "", nil, err
	}
	contactDump, _ := json.MarshalIndent(contacts, "", "  ")

	prepend := []string{
		e.systemPrompt(),
		prompts.NetworkRules,
		prompts.Expand(prompts.Discovery, map[string]string{
			"goal":              goal,
			"retrieved_contact": string(contactDump),
		}),
	}
	if obs := e.observe(ctx); obs != "" {
		prepend = append(prepend, "Current Observation:\n"+obs)
	}

	toolChoice := "auto"
	if isLast {
		toolChoice = "team_up"
	}
	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend:    prepend,
		History:    *scratch,
		Append:     []string{prompts.Expand(prompts.ToolThought, map[string]string{"name": e.name})},
		Tools:      teamupTools(),
		ToolChoice: toolChoice,
	})
	if err != nil {
		return false, "", nil, err
	}
	*scratch = append(*scratch, llm.Message{
		Role:      "assistant",
		Content:   res.Content,
		ToolCalls: res.ToolCalls,
	})

	for _, call := range res.ToolCalls {
		finished, toolMsg, commID, members := e.callTeamupTool(ctx, call, goal, skipNaming)
		if toolMsg != nil {
			*scratch = append(*scratch, *toolMsg)
		}
		if finished {
			return true, commID, members, nil
		}
	}
	return false, "", nil, nil
}

// callTeamupTool executes one teamup tool call and returns the tool
// message to feed back, plus the session on success.
func (e *Engine) callTeamupTool(ctx context.Context, call llm.ToolCall, goal string, skipNaming bool) (bool, *llm.Message, string, []protocol.AgentInfo) {
	toolMsg := func(content string) *llm.Message {
		return &llm.Message{Role: "tool", Content: content, Name: call.Name, ToolCallID: call.ID}
	}

	switch call.Name {
	case "agent_discovery":
		var args struct {
			Queries []string `json:"queries"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			e.logger.Error("bad agent_discovery arguments", "error", err)
			return false, nil, "", nil
		}
		infos, err := e.api.Retrieve(ctx, e.name, args.Queries)
		if err != nil {
			e.logger.Error("agent discovery failed", "error", err)
			return false, nil, "", nil
		}

		var fresh []protocol.AgentInfo
		for _, info := range infos {
			if info.Name == e.name {
				continue
			}
			if known, _ := e.contacts.Contains(ctx, info.Name); known {
				continue
			}
			fresh = append(fresh, info)
			if err := e.contacts.Put(ctx, info.Name, info); err != nil {
				e.logger.Warn("failed to record contact", "name", info.Name, "error", err)
			}
		}

		content := "No more new agents retrieved."
		if len(fresh) > 0 {
			dump, _ := json.MarshalIndent(fresh, "", "  ")
			content = string(dump)
		}
		return false, toolMsg(content), "", nil

	case "team_up":
		var args struct {
			TeamMembers []string `json:"team_members"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			e.logger.Error("bad team_up arguments", "error", err)
			return false, toolMsg("Group Establishment Failed."), "", nil
		}
		infos, err := e.api.Query(ctx, args.TeamMembers)
		if err != nil {
			e.logger.Error("team member query failed", "error", err)
			return false, toolMsg("Group Establishment Failed."), "", nil
		}
		var members []protocol.AgentInfo
		for _, info := range infos {
			if info != nil {
				members = append(members, *info)
			}
		}

		teamName := ""
		if !skipNaming {
			teamName = e.nameTeam(ctx, goal, members)
		}
		result, err := e.api.Teamup(ctx, e.name, withoutSelf(args.TeamMembers, e.name), teamName)
		if err != nil {
			e.logger.Error("teamup failed", "error", err)
			return false, toolMsg("Group Establishment Failed."), "", nil
		}
		return true, toolMsg("Group Established."), result.CommID, members
	}

	e.logger.Error("unknown teamup tool", "tool", call.Name)
	return false, nil, "", nil
}

// nameTeam asks the model for a group chat name. Failure is benign:
// the team simply stays unnamed.
func (e *Engine) nameTeam(ctx context.Context, goal string, members []protocol.AgentInfo) string {
	dump, _ := json.MarshalIndent(members, "", "  ")
	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend: []string{prompts.Expand(prompts.TeamNaming, map[string]string{
			"goal":      goal,
			"teammates": string(dump),
		})},
		JSONMode: true,
	})
	if err != nil {
		e.logger.Warn("team naming failed", "error", err)
		return ""
	}
	name, _ := res.JSON["team_name"].(string)
	return name
}

// withoutSelf filters name out of names.
func withoutSelf(names []string, name string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
