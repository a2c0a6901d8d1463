package wire

import "encoding/json"

// EntityUpdate is the payload of an entity-update message: the authoritative
// value plus the server-confirmed version counter.
type EntityUpdate struct {
	EntityID string         `json:"entity_id"`
	Value    map[string]any `json:"value"`
	Version  uint64         `json:"version"`
}

// MutationAck is the payload acknowledging one submitted mutation.
type MutationAck struct {
	EntityID string `json:"entity_id"`
	Seq      uint64 `json:"seq"`
}

// PositionBatch carries a small ordered batch of samples for one actor.
// Samples stay raw so one malformed element can be skipped while the rest of
// the batch is still processed.
type PositionBatch struct {
	ActorID string            `json:"actor_id"`
	Samples []json.RawMessage `json:"samples"`
}
