package ycsbkv

import (
	"context"
	"fmt"
)

// Index turns the unordered key space into a scan order.
type Index interface {
	// Added registers a newly inserted key.
	Added(ctx context.Context, c Conn, key string) error
	// Removed unregisters a deleted key.
	Removed(ctx context.Context, c Conn, key string) error
	// Range returns up to count keys starting at startKey, in scan order.
	Range(ctx context.Context, c Conn, startKey string, count int) ([]string, error)
}

// SortedSetIndex keeps keys in a sorted set scored by insertion ordinal.
// Scans therefore follow insertion order, not key order, and a key that was
// never indexed starts an empty scan.
type SortedSetIndex struct {
	Set string
	Seq *Sequence
}

func (ix *SortedSetIndex) Added(ctx context.Context, c Conn, key string) error {
	return c.ZAdd(ctx, ix.Set, float64(ix.Seq.Next()), key)
}

func (ix *SortedSetIndex) Removed(ctx context.Context, c Conn, key string) error {
	_, err := c.ZRem(ctx, ix.Set, key)
	return err
}

func (ix *SortedSetIndex) Range(ctx context.Context, c Conn, startKey string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	start, found, err := c.ZScore(ctx, ix.Set, startKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return c.ZRangeByScore(ctx, ix.Set, start, start+float64(count-1))
}

// SearchIndex delegates ordering to a server-side search index over IDField.
// It needs no client-side maintenance, but freshly written records only show
// up once the server has indexed them.
type SearchIndex struct {
	Name string
	ID   IDFunc
}

func (ix *SearchIndex) Added(ctx context.Context, c Conn, key string) error { return nil }

func (ix *SearchIndex) Removed(ctx context.Context, c Conn, key string) error { return nil }

func (ix *SearchIndex) Range(ctx context.Context, c Conn, startKey string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	id, err := ix.ID(startKey)
	if err != nil {
		return nil, fmt.Errorf("scan start: %w", err)
	}
	return c.Search(ctx, ix.Name, IDField, id, count)
}
