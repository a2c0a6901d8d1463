package reconcile

import (
	"sync"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

type entityState struct {
	base        map[string]any
	baseVersion uint64
	pending     []*domain.Mutation
	value       map[string]any
}

func (st *entityState) rebuild() {
	v := st.base
	if v == nil {
		v = map[string]any{}
	}
	for _, m := range st.pending {
		v = m.Patch.Apply(v)
	}
	st.value = v
}

// Reconciler merges the locally-held optimistic view of each entity with the
// authoritative values received from the backend.
//
// Conflict policy: a server update with a version strictly greater than the
// last seen one becomes the new base and all still-pending local mutations
// are reapplied on top of it in their original order (rebase). An update
// with version less than or equal to the last seen one is a duplicate or a
// stale retransmission and is ignored. The policy is deterministic: the same
// sequence of local and remote events yields the same final value on any
// replica.
type Reconciler struct {
	obs   ports.Observability
	cache ports.EntityCache

	mu       sync.Mutex
	entities map[string]*entityState
	subs     map[string]map[int]func(domain.Entity)
	nextID   int
}

// New builds a reconciler. cache may be nil when local persistence of
// reconciled values is not wanted.
func New(obs ports.Observability, cache ports.EntityCache) *Reconciler {
	return &Reconciler{
		obs:      obs,
		cache:    cache,
		entities: make(map[string]*entityState),
		subs:     make(map[string]map[int]func(domain.Entity)),
	}
}

// Restore seeds base values from the entity cache so the last reconciled
// state survives a restart. Pending mutations are restored separately by the
// offline queue replay.
func (r *Reconciler) Restore() error {
	if r.cache == nil {
		return nil
	}
	entities, err := r.cache.All()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		st := r.ensure(e.ID)
		st.base = e.Value
		st.baseVersion = e.ServerVersion
		st.rebuild()
	}
	return nil
}

// ApplyLocal records an optimistic local mutation: the pending list grows and
// the exposed value gains the patch immediately.
func (r *Reconciler) ApplyLocal(m *domain.Mutation) {
	r.mu.Lock()
	st := r.ensure(m.EntityID)
	st.pending = append(st.pending, m)
	st.value = m.Patch.Apply(st.value)
	snap := r.snapshotLocked(m.EntityID, st)
	r.mu.Unlock()

	r.notify(snap)
}

// ApplyRemote handles an authoritative update. It reports whether the update
// was applied; duplicates and stale retransmissions return false and leave
// the value untouched.
func (r *Reconciler) ApplyRemote(entityID string, serverValue map[string]any, version uint64) bool {
	r.mu.Lock()
	st := r.ensure(entityID)
	if version <= st.baseVersion {
		r.mu.Unlock()
		r.obs.IncCounter("drift_remote_stale_total", 1)
		return false
	}
	st.base = serverValue
	st.baseVersion = version
	st.rebuild()
	snap := r.snapshotLocked(entityID, st)
	base := r.baseSnapshotLocked(entityID, st)
	r.mu.Unlock()

	r.persist(base)
	r.notify(snap)
	return true
}

// Ack marks one local mutation as confirmed by the backend. The acked patch
// is folded into the base so the exposed value never regresses while the
// covering server update is still in flight.
func (r *Reconciler) Ack(entityID string, seq uint64) {
	r.mu.Lock()
	st, ok := r.entities[entityID]
	if !ok {
		r.mu.Unlock()
		return
	}
	idx := -1
	for i, m := range st.pending {
		if m.Seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	if st.base == nil {
		st.base = map[string]any{}
	}
	st.base = st.pending[idx].Patch.Apply(st.base)
	st.pending = append(st.pending[:idx], st.pending[idx+1:]...)
	st.rebuild()
	snap := r.snapshotLocked(entityID, st)
	base := r.baseSnapshotLocked(entityID, st)
	r.mu.Unlock()

	r.persist(base)
	r.notify(snap)
}

// Value returns the current reconciled view of an entity.
func (r *Reconciler) Value(entityID string) (domain.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.entities[entityID]
	if !ok {
		return domain.Entity{}, false
	}
	return r.snapshotLocked(entityID, st), true
}

// Subscribe registers for reconciled-value changes of one entity and returns
// an unsubscribe func.
func (r *Reconciler) Subscribe(entityID string, fn func(domain.Entity)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[entityID] == nil {
		r.subs[entityID] = make(map[int]func(domain.Entity))
	}
	id := r.nextID
	r.nextID++
	r.subs[entityID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[entityID], id)
	}
}

func (r *Reconciler) ensure(entityID string) *entityState {
	st, ok := r.entities[entityID]
	if !ok {
		st = &entityState{value: map[string]any{}}
		r.entities[entityID] = st
	}
	return st
}

func (r *Reconciler) snapshotLocked(entityID string, st *entityState) domain.Entity {
	value := make(map[string]any, len(st.value))
	for k, v := range st.value {
		value[k] = v
	}
	return domain.Entity{
		ID:            entityID,
		Value:         value,
		ServerVersion: st.baseVersion,
		PendingLocal:  len(st.pending),
	}
}

// baseSnapshotLocked copies the server-confirmed base only, without pending
// patches: the cache must restore to a state the queue replay can safely
// reapply on top of.
func (r *Reconciler) baseSnapshotLocked(entityID string, st *entityState) domain.Entity {
	base := make(map[string]any, len(st.base))
	for k, v := range st.base {
		base[k] = v
	}
	return domain.Entity{ID: entityID, Value: base, ServerVersion: st.baseVersion}
}

func (r *Reconciler) persist(e domain.Entity) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(&e); err != nil {
		r.obs.LogError("entity_cache_put_failed", err, ports.Field{Key: "entity_id", Value: e.ID})
	}
}

func (r *Reconciler) notify(e domain.Entity) {
	r.mu.Lock()
	fns := make([]func(domain.Entity), 0, len(r.subs[e.ID]))
	for _, fn := range r.subs[e.ID] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
