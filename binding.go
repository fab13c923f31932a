package ycsbkv

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// NewShared builds the per-process state for stores connecting through dial.
func NewShared(dial Dialer, cfg *Config, logger *slog.Logger, metrics *Metrics) *Shared {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shared{
		Pool:        NewPoolManager(dial, cfg.PoolOptions(), logger, metrics),
		Seq:         &Sequence{},
		FanoutLimit: cfg.FanoutLimit,
		Logger:      logger,
		Metrics:     metrics,
	}
}

// OpenStore assembles the store cfg selects. In auto mode an enterprise
// deployment uses the search index (JSON documents under the JSON strategy,
// hashes otherwise) and anything else uses hashes with the sorted set.
// The sortedset and search modes force the index for either strategy.
func OpenStore(ctx context.Context, sh *Shared, cfg *Config) (*Store, error) {
	if cfg.IndexMode == IndexModeAuto {
		switch {
		case !cfg.Enterprise:
			return NewHashStore(ctx, sh, cfg.IndexSet)
		case cfg.SearchStrategy == StrategyJSON:
			return NewJSONStore(ctx, sh, cfg.IndexJSON)
		default:
			return NewHashSearchStore(ctx, sh, cfg.IndexHash)
		}
	}

	id := IDFunc(SuffixID)
	if cfg.UsesDocuments() {
		id = HashID
	}

	var codec Codec
	var name string
	if cfg.UsesDocuments() {
		codec, name = DocumentCodec{ID: id}, "json"
	} else if cfg.UsesSearchIndex() {
		codec, name = HashCodec{ID: id}, "hash-search"
	} else {
		codec, name = HashCodec{}, "hash"
	}

	var index Index
	if cfg.UsesSearchIndex() {
		index = &SearchIndex{Name: cfg.SearchIndexDef().Name, ID: id}
	} else {
		if sh.Seq == nil {
			return nil, fmt.Errorf("sorted set index needs a shared Sequence")
		}
		index = &SortedSetIndex{Set: cfg.IndexSet, Seq: sh.Seq}
		if name == "json" {
			name = "json-sortedset"
		}
	}
	return NewStore(ctx, sh, name, codec, index)
}

// Binding adapts a RecordStore to the status-returning calls of the
// benchmark driver. Errors and panics are logged and reported as
// StatusError; they never reach the caller.
type Binding struct {
	store  RecordStore
	logger *slog.Logger
}

func NewBinding(store RecordStore, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binding{store: store, logger: logger}
}

// OpenBinding opens the store cfg selects and wraps it.
func OpenBinding(ctx context.Context, sh *Shared, cfg *Config) (*Binding, error) {
	store, err := OpenStore(ctx, sh, cfg)
	if err != nil {
		return nil, err
	}
	return NewBinding(store, sh.logger()), nil
}

func (b *Binding) Store() RecordStore {
	return b.store
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (b *Binding) call(op, table, key string, fn func() error) (st Status) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = panicked{p, string(debug.Stack())}
			}
		}()
		return fn()
	}()
	if err != nil {
		b.logger.Error("ycsbkv: operation failed", "op", op, "table", table, "key", key, "err", err)
	}
	return StatusOf(err)
}

func (b *Binding) Read(ctx context.Context, table, key string, fields []string) (Record, Status) {
	var rec Record
	st := b.call("read", table, key, func() (err error) {
		rec, err = b.store.Read(ctx, table, key, fields)
		return err
	})
	return rec, st
}

func (b *Binding) Insert(ctx context.Context, table, key string, rec Record) Status {
	return b.call("insert", table, key, func() error {
		return b.store.Insert(ctx, table, key, rec)
	})
}

func (b *Binding) Update(ctx context.Context, table, key string, rec Record) Status {
	return b.call("update", table, key, func() error {
		return b.store.Update(ctx, table, key, rec)
	})
}

func (b *Binding) Delete(ctx context.Context, table, key string) Status {
	return b.call("delete", table, key, func() error {
		return b.store.Delete(ctx, table, key)
	})
}

func (b *Binding) Scan(ctx context.Context, table, startKey string, count int, fields []string) ([]Record, Status) {
	var recs []Record
	st := b.call("scan", table, startKey, func() (err error) {
		recs, err = b.store.Scan(ctx, table, startKey, count, fields)
		return err
	})
	return recs, st
}

// Cleanup disconnects the store; the shared pool closes once every binding
// of the process has been cleaned up.
func (b *Binding) Cleanup() Status {
	return b.call("cleanup", "", "", b.store.Disconnect)
}
