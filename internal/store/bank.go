package store

import "context"

// Bank wraps a Table with a concrete value type, so callers read and
// write T directly instead of passing destinations around.
type Bank[T any] struct {
	table *Table
}

// NewBank opens (creating if needed) the named table as a typed bank.
func NewBank[T any](ctx context.Context, db *DB, table string) (*Bank[T], error) {
	t, err := db.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	return &Bank[T]{table: t}, nil
}

func (b *Bank[T]) Put(ctx context.Context, key string, value T) error {
	return b.table.Put(ctx, key, value)
}

// Get returns the stored value, or ErrNotFound.
func (b *Bank[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	err := b.table.Get(ctx, key, &v)
	return v, err
}

func (b *Bank[T]) Contains(ctx context.Context, key string) (bool, error) {
	return b.table.Contains(ctx, key)
}

func (b *Bank[T]) Delete(ctx context.Context, key string) error {
	return b.table.Delete(ctx, key)
}

func (b *Bank[T]) Keys(ctx context.Context) ([]string, error) {
	return b.table.Keys(ctx)
}

func (b *Bank[T]) Len(ctx context.Context) (int, error) {
	return b.table.Len(ctx)
}
