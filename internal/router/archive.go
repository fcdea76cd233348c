package router

import (
	"context"
	"errors"

	"github.com/OpenBMB/IoA/internal/store"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// ChatArchive persists the full message log of every session so past
// collaborations can be replayed or audited.
type ChatArchive struct {
	records *store.Bank[protocol.ChatRecord]
}

func NewChatArchive(ctx context.Context, db *store.DB) (*ChatArchive, error) {
	records, err := store.NewBank[protocol.ChatRecord](ctx, db, "chat")
	if err != nil {
		return nil, err
	}
	return &ChatArchive{records: records}, nil
}

// Create opens an empty record for a freshly formed session.
func (a *ChatArchive) Create(ctx context.Context, session Session) error {
	return a.records.Put(ctx, session.CommID, protocol.ChatRecord{
		CommID:     session.CommID,
		AgentNames: session.AgentNames,
		TeamName:   session.TeamName,
		ChatRecord: []protocol.AgentMessage{},
	})
}

// Append adds one message to the session's record. Relaying must not
// stall on an archive miss, so an unknown session starts a new record.
func (a *ChatArchive) Append(ctx context.Context, msg protocol.AgentMessage) error {
	record, err := a.records.Get(ctx, msg.CommID)
	if errors.Is(err, store.ErrNotFound) {
		record = protocol.ChatRecord{CommID: msg.CommID}
	} else if err != nil {
		return err
	}
	record.ChatRecord = append(record.ChatRecord, msg)
	return a.records.Put(ctx, msg.CommID, record)
}

// Get returns one session's record.
func (a *ChatArchive) Get(ctx context.Context, commID string) (protocol.ChatRecord, error) {
	return a.records.Get(ctx, commID)
}

// Fetch returns the records of the requested sessions; with no ids it
// returns every record. Unknown ids yield empty records, mirroring a
// fetch for a session whose log never started.
func (a *ChatArchive) Fetch(ctx context.Context, commIDs []string) (map[string]protocol.ChatRecord, error) {
	if commIDs == nil {
		var err error
		commIDs, err = a.records.Keys(ctx)
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]protocol.ChatRecord, len(commIDs))
	for _, id := range commIDs {
		record, err := a.records.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			record = protocol.ChatRecord{CommID: id}
		} else if err != nil {
			return nil, err
		}
		out[id] = record
	}
	return out, nil
}
