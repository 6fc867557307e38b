package tablegate

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/schema"
)

// Snapshot is one schema load: the catalog and the join graph built from
// it. A Snapshot is immutable.
type Snapshot struct {
	Catalog *schema.Catalog
	Graph   *joingraph.Graph
}

// NewSnapshot builds the join graph of c.
func NewSnapshot(c *schema.Catalog) *Snapshot {
	return &Snapshot{Catalog: c, Graph: joingraph.Build(c)}
}

// Store holds the current Snapshot. It is safe for concurrent use.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a Store serving c.
func NewStore(c *schema.Catalog) *Store {
	s := &Store{}
	s.Replace(c)
	return s
}

// LoadStore reads a schema file into a new Store.
func LoadStore(path string) (*Store, error) {
	c, err := schema.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewStore(c), nil
}

// Current returns the snapshot in effect.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace builds a snapshot from c and makes it current.
func (s *Store) Replace(c *schema.Catalog) {
	s.current.Store(NewSnapshot(c))
}

// Watch reloads the schema file at path into s on every change until ctx is
// done. Files that fail to load are logged and leave the current snapshot
// in place.
func (s *Store) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return schema.Watch(ctx, path,
		func(c *schema.Catalog) {
			s.Replace(c)
			logger.Info("schema reloaded", "path", path, "tables", len(c.Tables()))
		},
		func(err error) {
			logger.Warn("schema reload failed", "path", path, "error", err)
		},
	)
}
