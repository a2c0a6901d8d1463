package ports

import "github.com/driftlabs/driftsync/internal/domain"

// EntryID uniquely identifies a record in the durable mutation log.
type EntryID uint64

// MutationLog is the durable, append-only backing store for the offline
// queue. Entries survive process restarts and are replayed into the queue on
// startup; Commit marks entries acknowledged by the backend so replay skips
// them.
type MutationLog interface {
	Append(m *domain.Mutation) (EntryID, error)
	Iterate(from EntryID, fn func(id EntryID, m *domain.Mutation) error) error
	Commit(upto EntryID) error
	Stats() LogStats
}

// LogStats exposes mutation log metadata for observability and replay.
type LogStats struct {
	OldestUncommitted EntryID
	LatestAppended    EntryID
	SizeBytes         int64
}

// EntityCache persists reconciled entity snapshots so the last known values
// survive restarts before the next flush. Opaque key-value semantics: the
// engine only ever reads the full set back at startup.
type EntityCache interface {
	Put(entity *domain.Entity) error
	Get(entityID string) (*domain.Entity, error)
	All() ([]*domain.Entity, error)
}
