package walstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

// EntityCache persists reconciled entity snapshots as a single JSON file,
// rewritten atomically on every put. Entity counts are small (the handful of
// orders/carts a client tracks), so a full rewrite is cheaper than a second
// log format.
type EntityCache struct {
	mu       sync.Mutex
	path     string
	entities map[string]*domain.Entity
}

// NewEntityCache loads the existing snapshot from dir, if any.
func NewEntityCache(dir string) (*EntityCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &EntityCache{
		path:     filepath.Join(dir, "entities.json"),
		entities: make(map[string]*domain.Entity),
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, err
	}
	var list []*domain.Entity
	if err := json.Unmarshal(data, &list); err != nil {
		// A corrupt cache is recoverable state, not fatal: start empty.
		return c, nil
	}
	for _, e := range list {
		c.entities[e.ID] = e
	}
	return c, nil
}

func (c *EntityCache) Put(entity *domain.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *entity
	c.entities[entity.ID] = &cp
	return c.persistLocked()
}

func (c *EntityCache) Get(entityID string) (*domain.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (c *EntityCache) All() ([]*domain.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (c *EntityCache) persistLocked() error {
	list := make([]*domain.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		list = append(list, e)
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

var _ ports.EntityCache = (*EntityCache)(nil)
