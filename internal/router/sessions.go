package router

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenBMB/IoA/internal/store"
)

// Session is one group chat.
type Session struct {
	CommID     string   `json:"comm_id"`
	AgentNames []string `json:"agent_names"`
	TeamName   string   `json:"team_name,omitempty"`
}

// SessionManager forms teams and resolves session membership.
type SessionManager struct {
	sessions *store.Bank[Session]
	registry *Registry
}

func NewSessionManager(ctx context.Context, db *store.DB, registry *Registry) (*SessionManager, error) {
	sessions, err := store.NewBank[Session](ctx, db, "sessions")
	if err != nil {
		return nil, err
	}
	return &SessionManager{sessions: sessions, registry: registry}, nil
}

// Teamup creates a session for the given members. Names not present in
// the registry are dropped rather than failing the whole teamup.
func (m *SessionManager) Teamup(ctx context.Context, agentNames []string, teamName string) (Session, error) {
	commID := strings.ReplaceAll(uuid.New().String(), "-", "")
	var members []string
	seen := make(map[string]bool)
	for _, name := range agentNames {
		if seen[name] || !m.registry.Contains(ctx, name) {
			continue
		}
		seen[name] = true
		members = append(members, name)
	}
	session := Session{CommID: commID, AgentNames: members, TeamName: teamName}
	if err := m.sessions.Put(ctx, commID, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Get returns the session, if known.
func (m *SessionManager) Get(ctx context.Context, commID string) (Session, bool) {
	session, err := m.sessions.Get(ctx, commID)
	if errors.Is(err, store.ErrNotFound) || err != nil {
		return Session{}, false
	}
	return session, true
}

// Members returns the agent names of the session.
func (m *SessionManager) Members(ctx context.Context, commID string) ([]string, bool) {
	session, ok := m.Get(ctx, commID)
	if !ok {
		return nil, false
	}
	return session.AgentNames, true
}
