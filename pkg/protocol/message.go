// Package protocol defines the wire types exchanged between agent clients
// and the router: the AgentMessage envelope, agent identity records, and
// the registry request/response payloads.
package protocol

import (
	"encoding/json"
	"fmt"
)

// CommunicationState tags the phase a message belongs to.
// Serialized as an integer on the wire.
type CommunicationState int

const (
	StateTeamup CommunicationState = iota
	StateDiscussion
	StateVote
	StateExecution
)

// CommunicationType is the message type within a session.
// Serialized as an integer on the wire.
type CommunicationType int

const (
	TypeDefault CommunicationType = iota
	TypeProposal
	TypeVote
	TypeVotingResult
	TypeDiscussion
	TypeSyncTaskAssignment
	TypeAsyncTaskAssignment
	TypeInformTaskResult
	TypeInformTaskProgress
	TypePause
	TypeConcludeGroupDiscussion
	TypeConclusion
)

func (t CommunicationType) String() string {
	switch t {
	case TypeDefault:
		return "default"
	case TypeProposal:
		return "proposal"
	case TypeVote:
		return "vote"
	case TypeVotingResult:
		return "voting_result"
	case TypeDiscussion:
		return "discussion"
	case TypeSyncTaskAssignment:
		return "sync_task_assign"
	case TypeAsyncTaskAssignment:
		return "async_task_assign"
	case TypeInformTaskResult:
		return "inform_task_result"
	case TypeInformTaskProgress:
		return "inform_task_progress"
	case TypePause:
		return "pause"
	case TypeConcludeGroupDiscussion:
		return "conclude_group_discussion"
	case TypeConclusion:
		return "conclusion"
	}
	return fmt.Sprintf("communication_type(%d)", int(t))
}

// MessageTypeFromKeyword maps the message_type keyword the coordination
// LLM emits to its wire type.
func MessageTypeFromKeyword(kw string) (CommunicationType, bool) {
	switch kw {
	case "discussion":
		return TypeDiscussion, true
	case "sync_task_assign":
		return TypeSyncTaskAssignment, true
	case "async_task_assign":
		return TypeAsyncTaskAssignment, true
	case "pause":
		return TypePause, true
	case "conclude_group_discussion":
		return TypeConcludeGroupDiscussion, true
	}
	return TypeDefault, false
}

// SpeakerRef is the next_speaker field: a single agent name or a list of
// names. The wire form mirrors whichever the sender produced; receivers
// should call Names() and not care.
type SpeakerRef struct {
	names []string
	many  bool
}

// Speaker returns a single-name reference.
func Speaker(name string) SpeakerRef {
	return SpeakerRef{names: []string{name}}
}

// Speakers returns a list reference.
func Speakers(names []string) SpeakerRef {
	return SpeakerRef{names: names, many: true}
}

// Names normalises the reference to a list, dropping empty entries.
func (s SpeakerRef) Names() []string {
	out := make([]string, 0, len(s.names))
	for _, n := range s.names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Contains reports whether name is one of the referenced speakers.
func (s SpeakerRef) Contains(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}

func (s SpeakerRef) MarshalJSON() ([]byte, error) {
	if s.many {
		names := s.names
		if names == nil {
			names = []string{}
		}
		return json.Marshal(names)
	}
	if len(s.names) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(s.names[0])
}

func (s *SpeakerRef) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Speaker(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("next_speaker: expected string or string list: %w", err)
	}
	*s = Speakers(many)
	return nil
}

// AgentMessage is the envelope relayed through the router. Every field
// past next_speaker is optional context: the first message of a session
// carries goal/team_members so that members that never saw the teamup can
// lazily initialise their local state.
type AgentMessage struct {
	Content     string             `json:"content"`
	Sender      string             `json:"sender"`
	CommID      string             `json:"comm_id"`
	NextSpeaker SpeakerRef         `json:"next_speaker"`
	State       CommunicationState `json:"state"`
	Type        CommunicationType  `json:"type"`
	ProposalID  string             `json:"proposal_id,omitempty"`

	Goal        string      `json:"goal,omitempty"`
	TeamMembers []AgentInfo `json:"team_members,omitempty"`
	TeamUpDepth *int        `json:"team_up_depth,omitempty"`

	TaskID         string `json:"task_id,omitempty"`
	TaskDesc       string `json:"task_desc,omitempty"`
	TaskConclusion string `json:"task_conclusion,omitempty"`
	TaskAbstract   string `json:"task_abstract,omitempty"`

	// Task ids gating the resumption of a paused discussion.
	Triggers []string `json:"triggers,omitempty"`

	UpdatedPlan                    string `json:"updated_plan,omitempty"`
	IsCollaborativePlanningEnabled bool   `json:"is_collaborative_planning_enabled"`
	MaxTurns                       *int   `json:"max_turns,omitempty"`
}

// Encode serialises the message for the wire.
func (m *AgentMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeAgentMessage parses a wire payload into an AgentMessage.
func DecodeAgentMessage(data []byte) (*AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode agent message: %w", err)
	}
	return &m, nil
}
