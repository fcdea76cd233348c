package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"

	"github.com/OpenBMB/IoA/pkg/protocol"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Type: protocol.AgentTypeHuman,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7788,
		},
		LLM: LLMConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4-1106-preview",
			Temperature: 0.7,
		},
		Embedding: EmbeddingConfig{
			APIBase: "https://api.openai.com/v1",
			Model:   "text-embedding-ada-002",
		},
		Storage: StorageConfig{
			Dir: "data",
		},
		Discussion: DiscussionConfig{
			MaxTurns:              20,
			CollaborativePlanning: false,
			MaxTeamUpAttempts:     5,
			TeamUpDepth:           1,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("IOA_AGENT_NAME", &c.Agent.Name)
	envStr("IOA_AGENT_TYPE", &c.Agent.Type)
	envStr("IOA_AGENT_DESC", &c.Agent.Desc)

	envStr("IOA_SERVER_HOST", &c.Server.Host)
	if v := os.Getenv("IOA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("IOA_OPENAI_API_KEY", &c.LLM.APIKey)
	envStr("IOA_OPENAI_API_BASE", &c.LLM.APIBase)
	envStr("IOA_MODEL", &c.LLM.Model)

	envStr("IOA_EMBEDDING_API_KEY", &c.Embedding.APIKey)
	envStr("IOA_EMBEDDING_API_BASE", &c.Embedding.APIBase)
	envStr("IOA_EMBEDDING_MODEL", &c.Embedding.Model)

	// The embedding backend usually shares the chat credentials.
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.LLM.APIKey
	}

	envStr("IOA_STORAGE_DIR", &c.Storage.Dir)
	envStr("IOA_TOOL_COMMAND", &c.Tool.Command)

	if v := os.Getenv("IOA_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Discussion.MaxTurns = n
		}
	}
	if v := os.Getenv("IOA_COLLABORATIVE_PLANNING"); v != "" {
		c.Discussion.CollaborativePlanning = v == "true" || v == "1"
	}
	if v := os.Getenv("IOA_DISCUSSION_ONLY"); v != "" {
		c.Discussion.DiscussionOnly = v == "true" || v == "1"
	}
	if v := os.Getenv("IOA_NESTED_TEAMS"); v != "" {
		c.Discussion.NestedTeams = v == "true" || v == "1"
	}
}
