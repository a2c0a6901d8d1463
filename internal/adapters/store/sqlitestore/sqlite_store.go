package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

// Store implements the mutation log and entity cache on top of a SQL
// database. The engine opens the connection (modernc.org/sqlite by default)
// so tests can substitute any database/sql handle.
type Store struct {
	db *sql.DB
}

// New prepares the schema and returns the store.
func New(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mutation_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			patch TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			committed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_log_committed ON mutation_log (committed, id)`,
		`CREATE TABLE IF NOT EXISTS entity_cache (
			entity_id TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			server_version INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("sqlite store schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(m *domain.Mutation) (ports.EntryID, error) {
	patch, err := json.Marshal(m.Patch)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(
		`INSERT INTO mutation_log (seq, entity_id, patch, enqueued_at, attempts) VALUES (?,?,?,?,?)`,
		m.Seq, m.EntityID, string(patch), m.EnqueuedAt.UnixMilli(), m.Attempts,
	)
	if err != nil {
		return 0, fmt.Errorf("append mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return ports.EntryID(id), nil
}

func (s *Store) Iterate(from ports.EntryID, fn func(id ports.EntryID, m *domain.Mutation) error) error {
	rows, err := s.db.Query(
		`SELECT id, seq, entity_id, patch, enqueued_at, attempts FROM mutation_log WHERE id >= ? ORDER BY id`,
		uint64(from),
	)
	if err != nil {
		return fmt.Errorf("iterate mutation log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id         uint64
			m          domain.Mutation
			patch      string
			enqueuedMs int64
		)
		if err := rows.Scan(&id, &m.Seq, &m.EntityID, &patch, &enqueuedMs, &m.Attempts); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(patch), &m.Patch); err != nil {
			return fmt.Errorf("corrupt mutation row %d: %w", id, err)
		}
		m.EnqueuedAt = time.UnixMilli(enqueuedMs)
		if err := fn(ports.EntryID(id), &m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) Commit(upto ports.EntryID) error {
	_, err := s.db.Exec(`UPDATE mutation_log SET committed = 1 WHERE id <= ?`, uint64(upto))
	if err != nil {
		return fmt.Errorf("commit mutation log: %w", err)
	}
	return nil
}

func (s *Store) Stats() ports.LogStats {
	var stats ports.LogStats

	var latest sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM mutation_log`).Scan(&latest); err == nil && latest.Valid {
		stats.LatestAppended = ports.EntryID(latest.Int64)
	}
	var oldest sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(id) FROM mutation_log WHERE committed = 0`).Scan(&oldest); err == nil && oldest.Valid {
		stats.OldestUncommitted = ports.EntryID(oldest.Int64)
	} else {
		stats.OldestUncommitted = stats.LatestAppended + 1
	}
	return stats
}

func (s *Store) Put(entity *domain.Entity) error {
	value, err := json.Marshal(entity.Value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO entity_cache (entity_id, value, server_version) VALUES (?,?,?)
		 ON CONFLICT (entity_id) DO UPDATE SET value = excluded.value, server_version = excluded.server_version`,
		entity.ID, string(value), entity.ServerVersion,
	)
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

func (s *Store) Get(entityID string) (*domain.Entity, error) {
	row := s.db.QueryRow(`SELECT value, server_version FROM entity_cache WHERE entity_id = ?`, entityID)
	var value string
	e := &domain.Entity{ID: entityID}
	if err := row.Scan(&value, &e.ServerVersion); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
		return nil, fmt.Errorf("corrupt entity row %s: %w", entityID, err)
	}
	return e, nil
}

func (s *Store) All() ([]*domain.Entity, error) {
	rows, err := s.db.Query(`SELECT entity_id, value, server_version FROM entity_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Entity
	for rows.Next() {
		var value string
		e := &domain.Entity{}
		if err := rows.Scan(&e.ID, &value, &e.ServerVersion); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
			return nil, fmt.Errorf("corrupt entity row %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ ports.MutationLog = (*Store)(nil)
	_ ports.EntityCache = (*Store)(nil)
)
