// Package config defines the runtime configuration for both the
// router service and an agent client. Files are JSON5 so deployments
// can carry comments; IOA_* environment variables overlay file values.
package config

// Config is the root configuration.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Server     ServerConfig     `json:"server"`
	LLM        LLMConfig        `json:"llm"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Storage    StorageConfig    `json:"storage"`
	Discussion DiscussionConfig `json:"discussion"`
	Tool       ToolConfig       `json:"tool"`
}

// AgentConfig is the identity the client registers under.
type AgentConfig struct {
	Name string `json:"name"`
	Type string `json:"type"` // "Human Assistant" or "Thing Assistant"
	Desc string `json:"desc"`

	// Observation sources polled for proactive goals, keyed by name.
	// Each value is an HTTP endpoint returning the current state, or
	// "dummy" for the built-in no-op source.
	ObservationSources map[string]string `json:"observation_sources,omitempty"`
}

// ServerConfig locates the router. For the router process itself it is
// the listen address; for clients it is the address to dial.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LLMConfig selects the chat completion backend.
type LLMConfig struct {
	APIKey      string  `json:"api_key"`
	APIBase     string  `json:"api_base"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// EmbeddingConfig selects the embedding backend for capability search.
type EmbeddingConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
	Model   string `json:"model"`
}

// StorageConfig names the on-disk layout.
type StorageConfig struct {
	// Dir is the root data directory. The router keeps server state
	// under <dir>/server; each client keeps its state under
	// <dir>/agent_<sanitized name>.
	Dir string `json:"dir"`
}

// DiscussionConfig tunes the group discussion state machine.
type DiscussionConfig struct {
	// MaxTurns forces a conclusion once a discussion reaches this many
	// messages. Zero disables the cap.
	MaxTurns int `json:"max_turns"`

	// CollaborativePlanning enables the Dynamic Collaborative Planner.
	CollaborativePlanning bool `json:"collaborative_planning"`

	// DiscussionOnly restricts turns to discussion and conclusion,
	// with no task assignment or pause.
	DiscussionOnly bool `json:"discussion_only"`

	// MaxTeamUpAttempts bounds the discovery tool loop before the
	// last attempt forces a team_up call.
	MaxTeamUpAttempts int `json:"max_team_up_attempts"`

	// NestedTeams lets the agent form a sub-team for an assigned task
	// instead of executing it alone.
	NestedTeams bool `json:"nested_teams"`

	// TeamUpDepth bounds nested teamwork: an agent executing a task at
	// depth zero may not spin up a sub-team.
	TeamUpDepth int `json:"team_up_depth"`
}

// ToolConfig configures the task executor.
type ToolConfig struct {
	// Command, when set, runs assigned tasks through a shell command
	// that receives the task description on stdin and reports its
	// conclusion on stdout. Empty means tasks are executed by the LLM
	// directly.
	Command string `json:"command,omitempty"`

	// WorkDir is the working directory for Command.
	WorkDir string `json:"work_dir,omitempty"`
}
