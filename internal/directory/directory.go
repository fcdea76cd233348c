// Package directory maintains the capability index: every registered
// agent's description is embedded and stored in a vector collection so
// that free-text capability queries can be matched to concrete agents.
package directory

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"github.com/OpenBMB/IoA/internal/store"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// Match is one search hit: the agent plus its cosine similarity to the
// query, in [0, 1] with higher meaning closer.
type Match struct {
	Info       protocol.AgentInfo
	Similarity float32
}

// Directory is a persistent vector index keyed by agent name.
type Directory struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// Open loads (or creates) a persistent directory under dir. The
// collection name is sanitized the same way agent-local table names
// are, so callers may pass raw agent or service names.
func Open(dir, collection string, embed chromem.EmbeddingFunc) (*Directory, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "directory.gob"), false)
	if err != nil {
		return nil, fmt.Errorf("directory: open %s: %w", dir, err)
	}
	return newDirectory(db, collection, embed)
}

// OpenEphemeral creates an in-memory directory, used in tests and for
// agent-local scratch collections that need no persistence.
func OpenEphemeral(collection string, embed chromem.EmbeddingFunc) (*Directory, error) {
	return newDirectory(chromem.NewDB(), collection, embed)
}

func newDirectory(db *chromem.DB, collection string, embed chromem.EmbeddingFunc) (*Directory, error) {
	c, err := db.GetOrCreateCollection(store.SanitizeName(collection), nil, embed)
	if err != nil {
		return nil, fmt.Errorf("directory: collection %s: %w", collection, err)
	}
	return &Directory{db: db, collection: c}, nil
}

// Upsert indexes the agent under its name, replacing any previous
// entry so re-registration refreshes the stored description.
func (d *Directory) Upsert(ctx context.Context, info protocol.AgentInfo) error {
	if info.Name == "" {
		return fmt.Errorf("directory: empty agent name")
	}
	// chromem has no update; drop the old vector first.
	if err := d.collection.Delete(ctx, nil, nil, info.Name); err != nil {
		return fmt.Errorf("directory: replace %s: %w", info.Name, err)
	}
	err := d.collection.AddDocument(ctx, chromem.Document{
		ID:      info.Name,
		Content: info.Desc,
		Metadata: map[string]string{
			"type": info.Type,
		},
	})
	if err != nil {
		return fmt.Errorf("directory: index %s: %w", info.Name, err)
	}
	return nil
}

// Get returns the stored agent, or store.ErrNotFound.
func (d *Directory) Get(ctx context.Context, name string) (protocol.AgentInfo, error) {
	doc, err := d.collection.GetByID(ctx, name)
	if err != nil {
		return protocol.AgentInfo{}, store.ErrNotFound
	}
	return protocol.AgentInfo{
		Name: doc.ID,
		Type: doc.Metadata["type"],
		Desc: doc.Content,
	}, nil
}

// Contains reports whether an agent with the given name is indexed.
func (d *Directory) Contains(ctx context.Context, name string) bool {
	_, err := d.collection.GetByID(ctx, name)
	return err == nil
}

// Delete removes the agent from the index. Unknown names are ignored.
func (d *Directory) Delete(ctx context.Context, name string) error {
	return d.collection.Delete(ctx, nil, nil, name)
}

// Len returns the number of indexed agents.
func (d *Directory) Len() int { return d.collection.Count() }

// Search runs one similarity query per capability description and
// merges the hits, keeping each agent once at its first appearance.
// Queries are processed in order, so earlier capabilities win ties.
func (d *Directory) Search(ctx context.Context, queries []string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	n := d.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}

	seen := make(map[string]bool)
	var matches []Match
	for _, q := range queries {
		if q == "" {
			continue
		}
		results, err := d.collection.Query(ctx, q, topK, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("directory: query %q: %w", q, err)
		}
		for _, r := range results {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			matches = append(matches, Match{
				Info: protocol.AgentInfo{
					Name: r.ID,
					Type: r.Metadata["type"],
					Desc: r.Content,
				},
				Similarity: r.Similarity,
			})
		}
	}
	return matches, nil
}
