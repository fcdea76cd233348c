package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenBMB/IoA/pkg/protocol"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 7788 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Agent.Type != protocol.AgentTypeHuman {
		t.Errorf("Type = %q", cfg.Agent.Type)
	}
	if cfg.Discussion.TeamUpDepth != 1 || cfg.Discussion.MaxTeamUpAttempts != 5 {
		t.Errorf("discussion defaults = %+v", cfg.Discussion)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gpt-4-1106-preview" {
		t.Errorf("Model = %q", cfg.LLM.Model)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// agent identity
		agent: {
			name: "WeatherBot",
			type: "Thing Assistant",
			desc: "weather lookups",
		},
		server: { host: "router.local", port: 9000 },
		discussion: { max_turns: 8, discussion_only: true },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Name != "WeatherBot" || cfg.Agent.Type != protocol.AgentTypeThing {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Server.Host != "router.local" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Discussion.MaxTurns != 8 || !cfg.Discussion.DiscussionOnly {
		t.Errorf("discussion = %+v", cfg.Discussion)
	}
	// Untouched sections keep defaults.
	if cfg.Embedding.Model != "text-embedding-ada-002" {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IOA_AGENT_NAME", "EnvAgent")
	t.Setenv("IOA_SERVER_PORT", "7001")
	t.Setenv("IOA_OPENAI_API_KEY", "sk-test")
	t.Setenv("IOA_DISCUSSION_ONLY", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Name != "EnvAgent" {
		t.Errorf("Name = %q", cfg.Agent.Name)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if !cfg.Discussion.DiscussionOnly {
		t.Error("DiscussionOnly not set from env")
	}
	// Embedding key falls back to the chat key.
	if cfg.Embedding.APIKey != "sk-test" {
		t.Errorf("Embedding.APIKey = %q", cfg.Embedding.APIKey)
	}
}
