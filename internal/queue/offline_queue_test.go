package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field) {}
func (nopObs) LogError(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64) {}
func (nopObs) ObserveLatency(string, float64) {}
func (nopObs) SetGauge(string, float64) {}

// memLog is an in-memory ports.MutationLog that survives across Queue
// instances in a test, standing in for the on-disk store.
type memLog struct {
	mu        sync.Mutex
	entries   map[ports.EntryID]*domain.Mutation
	nextID    ports.EntryID
	committed ports.EntryID
}

func newMemLog() *memLog {
	return &memLog{entries: make(map[ports.EntryID]*domain.Mutation)}
}

func (l *memLog) Append(m *domain.Mutation) (ports.EntryID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	cp := *m
	l.entries[l.nextID] = &cp
	return l.nextID, nil
}

func (l *memLog) Iterate(from ports.EntryID, fn func(id ports.EntryID, m *domain.Mutation) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := from; id <= l.nextID; id++ {
		m, ok := l.entries[id]
		if !ok {
			continue
		}
		cp := *m
		if err := fn(id, &cp); err != nil {
			return err
		}
	}
	return nil
}

func (l *memLog) Commit(upto ports.EntryID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upto > l.committed {
		l.committed = upto
	}
	return nil
}

func (l *memLog) Stats() ports.LogStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ports.LogStats{
		OldestUncommitted: l.committed + 1,
		LatestAppended:    l.nextID,
	}
}

func TestQueueFlushDeliversInOrder(t *testing.T) {
	q, err := New(newMemLog(), nopObs{}, 10)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	for _, entity := range []string{"order-1", "order-2", "order-1"} {
		if _, err := q.Enqueue(entity, domain.Patch{"step": entity}); err != nil {
			t.Fatalf("enqueue %s: %v", entity, err)
		}
	}
	if q.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", q.Depth())
	}

	var delivered []uint64
	n, err := q.Flush(context.Background(), func(_ context.Context, m *domain.Mutation) error {
		delivered = append(delivered, m.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 delivered, got %d", n)
	}
	for i, seq := range delivered {
		if seq != uint64(i+1) {
			t.Fatalf("delivery out of order: %v", delivered)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("expected empty queue after flush, got depth %d", q.Depth())
	}
}

func TestQueueRejectsAtCapacity(t *testing.T) {
	q, err := New(newMemLog(), nopObs{}, 3)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("order-1", domain.Patch{"i": i}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	if _, err := q.Enqueue("order-1", domain.Patch{"i": 3}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// The rejection must not evict anything: all three originals still flush.
	var seqs []uint64
	if _, err := q.Flush(context.Background(), func(_ context.Context, m *domain.Mutation) error {
		seqs = append(seqs, m.Seq)
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("expected seqs 1..3 intact, got %v", seqs)
	}

	// Room frees up after delivery.
	if _, err := q.Enqueue("order-1", domain.Patch{"i": 4}); err != nil {
		t.Fatalf("enqueue after flush: %v", err)
	}
}

func TestQueueFlushHaltsOnFailureAndResumes(t *testing.T) {
	q, err := New(newMemLog(), nopObs{}, 10)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("order-1", domain.Patch{"i": i}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	sendErr := errors.New("backend unreachable")
	n, err := q.Flush(context.Background(), func(_ context.Context, m *domain.Mutation) error {
		if m.Seq == 2 {
			return sendErr
		}
		return nil
	})
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected halt error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered before halt, got %d", n)
	}
	if q.Depth() != 2 {
		t.Fatalf("expected 2 remaining, got %d", q.Depth())
	}

	// The next flush resumes from the failed head; nothing is skipped or
	// reordered, and the retry shows an incremented attempt count.
	var resumed []*domain.Mutation
	n, err = q.Flush(context.Background(), func(_ context.Context, m *domain.Mutation) error {
		resumed = append(resumed, m)
		return nil
	})
	if err != nil {
		t.Fatalf("resume flush: %v", err)
	}
	if n != 2 || len(resumed) != 2 {
		t.Fatalf("expected 2 delivered on resume, got %d", n)
	}
	if resumed[0].Seq != 2 || resumed[1].Seq != 3 {
		t.Fatalf("resume out of order: %d, %d", resumed[0].Seq, resumed[1].Seq)
	}
	if resumed[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts on retried head, got %d", resumed[0].Attempts)
	}
}

func TestQueueReplaysUncommittedAfterRestart(t *testing.T) {
	log := newMemLog()

	q, err := New(log, nopObs{}, 10)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("order-1", domain.Patch{"i": i}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Deliver only the first, then "crash" by abandoning the queue.
	first := true
	_, _ = q.Flush(context.Background(), func(_ context.Context, m *domain.Mutation) error {
		if first {
			first = false
			return nil
		}
		return errors.New("connection dropped")
	})

	q2, err := New(log, nopObs{}, 10)
	if err != nil {
		t.Fatalf("restart queue: %v", err)
	}
	if q2.Depth() != 2 {
		t.Fatalf("expected 2 replayed mutations, got %d", q2.Depth())
	}
	if q2.PendingFor("order-1") != 2 {
		t.Fatalf("expected 2 pending for order-1, got %d", q2.PendingFor("order-1"))
	}

	// Sequence numbering continues past the replayed entries.
	m, err := q2.Enqueue("order-1", domain.Patch{"i": 3})
	if err != nil {
		t.Fatalf("enqueue after restart: %v", err)
	}
	if m.Seq != 4 {
		t.Fatalf("expected seq 4 after replaying 1..3, got %d", m.Seq)
	}

	// Pending exposes the queue in delivery order so the reconciler can
	// reapply replayed mutations on top of the restored base.
	pending := q2.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending entries, got %d", len(pending))
	}
	for i, p := range pending {
		if p.Seq != uint64(i+2) {
			t.Fatalf("pending out of order: %d at index %d", p.Seq, i)
		}
	}
}
