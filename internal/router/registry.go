// Package router implements the central coordination service: agent
// registration and capability discovery, session formation, websocket
// message relay, chat archiving and the observer stream.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OpenBMB/IoA/internal/directory"
	"github.com/OpenBMB/IoA/internal/store"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// Registry keeps every registered agent: a document table for the
// authoritative entries and a vector index over their descriptions for
// capability search.
type Registry struct {
	entries *store.Bank[protocol.AgentEntry]
	index   *directory.Directory
	topK    int
}

func NewRegistry(ctx context.Context, db *store.DB, index *directory.Directory, topK int) (*Registry, error) {
	entries, err := store.NewBank[protocol.AgentEntry](ctx, db, "agents")
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	return &Registry{entries: entries, index: index, topK: topK}, nil
}

// Register records a new agent. Registration is first-write-wins: a
// name already taken keeps its original entry.
func (r *Registry) Register(ctx context.Context, info protocol.AgentInfo) error {
	if info.Name == "" {
		return fmt.Errorf("router: register: empty agent name")
	}
	exists, err := r.entries.Contains(ctx, info.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	entry := protocol.AgentEntry{
		Name:      info.Name,
		Type:      info.Type,
		Desc:      info.Desc,
		CreatedAt: time.Now().Format("2006-01-02-15-04-05"),
	}
	if err := r.entries.Put(ctx, info.Name, entry); err != nil {
		return err
	}
	return r.index.Upsert(ctx, info)
}

// Contains reports whether the name is registered.
func (r *Registry) Contains(ctx context.Context, name string) bool {
	ok, err := r.entries.Contains(ctx, name)
	return err == nil && ok
}

// Retrieve matches free-text capability descriptions against the
// registered agents, deduplicated with earlier capabilities winning.
func (r *Registry) Retrieve(ctx context.Context, capabilities []string) ([]protocol.AgentInfo, error) {
	matches, err := r.index.Search(ctx, capabilities, r.topK)
	if err != nil {
		return nil, err
	}
	infos := make([]protocol.AgentInfo, 0, len(matches))
	for _, m := range matches {
		infos = append(infos, m.Info)
	}
	return infos, nil
}

// Query looks up agents by exact name. The result aligns with the
// input: unknown names yield nil slots.
func (r *Registry) Query(ctx context.Context, names []string) ([]*protocol.AgentInfo, error) {
	out := make([]*protocol.AgentInfo, len(names))
	for i, name := range names {
		entry, err := r.entries.Get(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		info := entry.Info()
		out[i] = &info
	}
	return out, nil
}

// All returns every registered entry keyed by name.
func (r *Registry) All(ctx context.Context) (map[string]protocol.AgentEntry, error) {
	names, err := r.entries.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]protocol.AgentEntry, len(names))
	for _, name := range names {
		entry, err := r.entries.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = entry
	}
	return out, nil
}
