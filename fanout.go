package ycsbkv

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultFanoutLimit bounds concurrent fetches of one scan.
const DefaultFanoutLimit = 16

// fanout calls fetch for every key concurrently, at most limit at a time,
// and returns the results in key order. The first failure cancels the
// remaining fetches and is returned; no partial results are returned.
func fanout[T any](ctx context.Context, keys []string, limit int, fetch func(ctx context.Context, key string) (T, error)) ([]T, error) {
	results := make([]T, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, key := range keys {
		g.Go(func() error {
			v, err := fetch(gctx, key)
			if err != nil {
				return opErr("fetch", "", key, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
