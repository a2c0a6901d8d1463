package domain

import "time"

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PositionSample is one GPS/telemetry reading for a tracked actor. Samples
// arrive in small ordered batches; a sample whose timestamp is not strictly
// newer than the last accepted one for the same actor is discarded.
type PositionSample struct {
	ActorID        string    `json:"actor_id"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	HeadingDegrees *float64  `json:"heading_degrees,omitempty"`
	Timestamp      time.Time `json:"ts"`
}

// ZoneKind distinguishes circular from polygonal geofence zones.
type ZoneKind string

const (
	ZoneCircle  ZoneKind = "circle"
	ZonePolygon ZoneKind = "polygon"
)

// GeofenceZone is a named region with a semantic label ("pickup zone",
// "delivery zone"). Zones are static configuration, immutable for the
// lifetime of a session.
type GeofenceZone struct {
	Name         string   `json:"name" yaml:"name"`
	Label        string   `json:"label" yaml:"label"`
	Kind         ZoneKind `json:"kind" yaml:"kind"`
	Center       LatLng   `json:"center" yaml:"center"`
	RadiusMeters float64  `json:"radius_meters" yaml:"radius_meters"`
	Vertices     []LatLng `json:"vertices,omitempty" yaml:"vertices"`
}

// GeofenceEventType enumerates the derived transition events.
type GeofenceEventType string

const (
	GeofenceEntered   GeofenceEventType = "GEOFENCE_ENTERED"
	GeofenceExited    GeofenceEventType = "GEOFENCE_EXITED"
	RouteDeviated     GeofenceEventType = "ROUTE_DEVIATED"
	RouteDeviationEnd GeofenceEventType = "ROUTE_DEVIATION_CLEARED"
)

// GeofenceEvent is an edge-triggered fact derived from the position stream:
// emitted once per transition, never per observation.
type GeofenceEvent struct {
	ActorID string            `json:"actor_id"`
	Zone    string            `json:"zone,omitempty"`
	Label   string            `json:"label,omitempty"`
	Type    GeofenceEventType `json:"type"`
	At      time.Time         `json:"at"`
	Sample  PositionSample    `json:"sample"`
}

// ETAEstimate is a derived arrival prediction: a point estimate in minutes
// plus a fixed symmetric confidence window. Never persisted; always a
// function of the current stream.
type ETAEstimate struct {
	ActorID        string    `json:"actor_id"`
	Destination    LatLng    `json:"destination"`
	Minutes        float64   `json:"minutes"`
	WindowMinutes  float64   `json:"window_minutes"`
	DistanceMeters float64   `json:"distance_meters"`
	SpeedMPS       float64   `json:"speed_mps"`
	ComputedAt     time.Time `json:"computed_at"`
}
