package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

// ErrQueueFull is returned by Enqueue at capacity. Data loss is explicit,
// never silent: the queue does not evict older entries to make room.
var ErrQueueFull = errors.New("driftsync: offline queue full")

// SendFunc delivers one mutation to the backend and returns once it is
// acknowledged or fails. Flush calls it strictly in sequence order.
type SendFunc func(ctx context.Context, m *domain.Mutation) error

type queued struct {
	logID ports.EntryID
	m     *domain.Mutation
}

// Queue is the bounded, durable, strictly ordered store of pending local
// mutations. Enqueue never blocks; Flush runs on its own worker and drains
// in sequence order, halting on the first failure and resuming from that
// point on the next flush (at-least-once delivery, order preserved per
// entity).
type Queue struct {
	log      ports.MutationLog
	obs      ports.Observability
	capacity int

	mu      sync.Mutex
	items   []queued
	nextSeq uint64
	pending map[string]int

	// flushMu serializes flushes; an in-flight flush is never cancelled by
	// queue shutdown, it completes or fails naturally.
	flushMu sync.Mutex
}

// New builds a queue over the durable log and replays any uncommitted
// entries that survived a restart, restoring sequence numbering.
func New(log ports.MutationLog, obs ports.Observability, capacity int) (*Queue, error) {
	if capacity <= 0 {
		capacity = 100
	}
	q := &Queue{
		log:      log,
		obs:      obs,
		capacity: capacity,
		pending:  make(map[string]int),
	}
	if err := q.replay(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) replay() error {
	stats := q.log.Stats()
	if stats.LatestAppended == 0 {
		return nil
	}
	start := stats.OldestUncommitted
	if start == 0 || start > stats.LatestAppended {
		return nil
	}

	var replayed int
	err := q.log.Iterate(start, func(id ports.EntryID, m *domain.Mutation) error {
		q.items = append(q.items, queued{logID: id, m: m})
		q.pending[m.EntityID]++
		if m.Seq > q.nextSeq {
			q.nextSeq = m.Seq
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay mutation log: %w", err)
	}
	if replayed > 0 {
		q.obs.LogInfo("mutation_log_replayed",
			ports.Field{Key: "mutations", Value: replayed},
			ports.Field{Key: "from_id", Value: start})
	}
	return nil
}

// Enqueue appends a mutation, assigns its sequence number, and persists it.
// It returns ErrQueueFull at capacity and never blocks on network I/O.
func (q *Queue) Enqueue(entityID string, patch domain.Patch) (*domain.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.obs.IncCounter("drift_queue_rejected_total", 1)
		return nil, ErrQueueFull
	}

	q.nextSeq++
	m := &domain.Mutation{
		Seq:        q.nextSeq,
		EntityID:   entityID,
		Patch:      patch,
		EnqueuedAt: time.Now(),
	}
	logID, err := q.log.Append(m)
	if err != nil {
		q.nextSeq--
		return nil, fmt.Errorf("append mutation log: %w", err)
	}
	q.items = append(q.items, queued{logID: logID, m: m})
	q.pending[entityID]++
	q.obs.SetGauge("drift_queue_depth", float64(len(q.items)))
	return m, nil
}

// Flush attempts in-order delivery of every queued mutation. Delivery halts
// on the first failure; acknowledged entries are removed and committed to
// the durable log. Enqueue calls continue to append while a flush runs.
func (q *Queue) Flush(ctx context.Context, send SendFunc) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var delivered int
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return delivered, nil
		}
		head := q.items[0]
		head.m.Attempts++
		q.mu.Unlock()

		if err := send(ctx, head.m); err != nil {
			q.obs.LogError("flush_halted", err,
				ports.Field{Key: "seq", Value: head.m.Seq},
				ports.Field{Key: "entity_id", Value: head.m.EntityID},
				ports.Field{Key: "attempts", Value: head.m.Attempts})
			return delivered, err
		}

		if err := q.log.Commit(head.logID); err != nil {
			q.obs.LogError("mutation_log_commit_failed", err)
		}

		q.mu.Lock()
		q.items = q.items[1:]
		if q.pending[head.m.EntityID] > 0 {
			q.pending[head.m.EntityID]--
			if q.pending[head.m.EntityID] == 0 {
				delete(q.pending, head.m.EntityID)
			}
		}
		q.obs.SetGauge("drift_queue_depth", float64(len(q.items)))
		q.mu.Unlock()

		q.obs.IncCounter("drift_mutations_flushed_total", 1)
		delivered++
	}
}

// Pending returns the queued mutations in delivery order. After a restart the
// reconciler reapplies them on top of the restored base, so the exposed value
// includes replayed mutations again.
func (q *Queue) Pending() []*domain.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.Mutation, len(q.items))
	for i, it := range q.items {
		out[i] = it.m
	}
	return out
}

// Depth reports how many mutations are waiting for delivery.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingFor reports the unacknowledged mutation count for one entity.
func (q *Queue) PendingFor(entityID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[entityID]
}
