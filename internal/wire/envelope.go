package wire

import (
	"encoding/json"
	"fmt"
)

// Well-known topics routed over the shared channel. The byte format of the
// underlying transport frames is not part of this contract; only that every
// message carries a topic, a monotonically meaningful sequence number, and a
// payload.
const (
	TopicEntityUpdate   = "entity.update"
	TopicMutationSubmit = "mutation.submit"
	TopicMutationAck    = "mutation.ack"
	TopicPositionIngest = "position.ingest"
	TopicHeartbeat      = "sys.heartbeat"
	TopicHeartbeatAck   = "sys.heartbeat.ack"
	TopicGeofenceEvent  = "geofence.event"
	TopicETAUpdate      = "eta.update"
)

// Envelope frames every message on the shared channel.
type Envelope struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope for the transport.
func Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a raw transport frame. A decode error means the single
// message is malformed and should be dropped without tearing down the
// channel.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic == "" {
		return nil, fmt.Errorf("decode envelope: missing topic")
	}
	return &env, nil
}
