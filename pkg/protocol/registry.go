package protocol

import (
	"encoding/json"
	"fmt"
)

// Agent type labels. The registry recognises exactly these two.
const (
	AgentTypeHuman = "Human Assistant"
	AgentTypeThing = "Thing Assistant"
)

// AgentInfo is the identity exchanged between clients and the router.
type AgentInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Desc string `json:"desc"`
}

// AgentEntry is the stored form of AgentInfo; immutable post-registration.
type AgentEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Desc      string `json:"desc"`
	CreatedAt string `json:"created_at"`
}

// Info strips the registration timestamp.
func (e AgentEntry) Info() AgentInfo {
	return AgentInfo{Name: e.Name, Type: e.Type, Desc: e.Desc}
}

// RetrieveParam asks the registry for agents matching capability queries.
type RetrieveParam struct {
	Sender       string   `json:"sender"`
	Capabilities []string `json:"capabilities"`
}

// TeamupParam requests a new session for sender plus agent_names.
type TeamupParam struct {
	Sender     string   `json:"sender"`
	AgentNames []string `json:"agent_names"`
	TeamName   string   `json:"team_name,omitempty"`
}

// TeamupResult is the router's reply to a teamup request.
type TeamupResult struct {
	CommID     string   `json:"comm_id"`
	AgentNames []string `json:"agent_names"`
	TeamName   string   `json:"team_name,omitempty"`
}

// NameRef is a single name or a list of names, mirroring the caller's
// shape so query results preserve arity.
type NameRef struct {
	names []string
	many  bool
}

func Name(n string) NameRef { return NameRef{names: []string{n}} }

func NameList(ns []string) NameRef { return NameRef{names: ns, many: true} }

func (r NameRef) Names() []string { return r.names }

func (r NameRef) IsList() bool { return r.many }

func (r NameRef) MarshalJSON() ([]byte, error) {
	if r.many {
		names := r.names
		if names == nil {
			names = []string{}
		}
		return json.Marshal(names)
	}
	if len(r.names) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(r.names[0])
}

func (r *NameRef) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*r = Name(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("name: expected string or string list: %w", err)
	}
	*r = NameList(many)
	return nil
}

// QueryParam looks up one or more agents by exact name.
type QueryParam struct {
	Name NameRef `json:"name"`
}

// ChatRecordFetchParam selects archived sessions: one id, several, or
// (when comm_id is null) everything.
type ChatRecordFetchParam struct {
	CommID *NameRef `json:"comm_id"`
}

// ChatRecord is the archived transcript of one session.
type ChatRecord struct {
	CommID     string         `json:"comm_id"`
	AgentNames []string       `json:"agent_names"`
	TeamName   string         `json:"team_name,omitempty"`
	ChatRecord []AgentMessage `json:"chat_record"`
}

// Observer-stream frame tags.
const (
	FrontendTypeTeamup  = "teamup"
	FrontendTypeMessage = "message"
)

// TagObserverFrame embeds a frontend_type tag into the payload object
// pushed on the observer socket.
func TagObserverFrame(payload any, frontendType string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("observer frame: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("observer frame: payload is not an object: %w", err)
	}
	obj["frontend_type"] = frontendType
	return json.Marshal(obj)
}
