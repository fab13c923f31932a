package ycsbkv

import (
	"context"
	"errors"
	"fmt"
)

// Prepare empties the database and, for configurations that scan through a
// search index, creates that index. An existing index is left alone.
func Prepare(ctx context.Context, c Conn, cfg *Config) error {
	if err := c.FlushDB(ctx); err != nil {
		return fmt.Errorf("flushing database: %w", err)
	}
	if !cfg.UsesSearchIndex() {
		return nil
	}
	def := cfg.SearchIndexDef()
	err := c.CreateIndex(ctx, def)
	if err != nil && !errors.Is(err, ErrIndexExists) {
		return fmt.Errorf("creating index %s: %w", def.Name, err)
	}
	return nil
}

// Clean empties the database.
func Clean(ctx context.Context, c Conn) error {
	if err := c.FlushDB(ctx); err != nil {
		return fmt.Errorf("flushing database: %w", err)
	}
	return nil
}
