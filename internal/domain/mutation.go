package domain

import "time"

// Patch is a shallow JSON object merge: keys present in the patch replace
// the corresponding keys of the entity value. Applying the same patches in
// the same order always yields the same value, which is what makes the
// reconciler's rebase deterministic.
type Patch map[string]any

// Apply merges the patch onto value and returns the result. The receiver and
// the input map are never mutated.
func (p Patch) Apply(value map[string]any) map[string]any {
	out := make(map[string]any, len(value)+len(p))
	for k, v := range value {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Mutation is a pending local write not yet acknowledged by the backend.
// Sequence numbers are assigned at enqueue time and are unique and
// monotonically increasing per session; mutations for the same entity are
// delivered in sequence order, never reordered, never dropped silently.
type Mutation struct {
	Seq        uint64    `json:"seq"`
	EntityID   string    `json:"entity_id"`
	Patch      Patch     `json:"patch"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}
