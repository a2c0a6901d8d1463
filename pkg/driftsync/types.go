package driftsync

import (
	"github.com/driftlabs/driftsync/internal/conn"
	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
	"github.com/driftlabs/driftsync/internal/queue"
)

// LatLng is a geographic coordinate in decimal degrees.
type LatLng = domain.LatLng

// PositionSample is one GPS reading from a device.
type PositionSample = domain.PositionSample

// GeofenceZone describes a named circular or polygonal region.
type GeofenceZone = domain.GeofenceZone

// GeofenceEvent is an edge-triggered zone or route-deviation transition.
type GeofenceEvent = domain.GeofenceEvent

// ETAEstimate is an arrival prediction with its confidence window.
type ETAEstimate = domain.ETAEstimate

// Entity is the reconciled local view of one synchronized record.
type Entity = domain.Entity

// Mutation is one pending local write with its delivery metadata.
type Mutation = domain.Mutation

// Patch is a shallow field-merge applied to an entity value.
type Patch = domain.Patch

// ConnState enumerates the lifecycle states of the realtime channel.
type ConnState = conn.State

// Channel states, in the order the connection loop moves through them.
const (
	StateDisconnected = conn.StateDisconnected
	StateConnecting   = conn.StateConnecting
	StateConnected    = conn.StateConnected
	StateReconnecting = conn.StateReconnecting
	StateClosed       = conn.StateClosed
)

// Geofence event types.
const (
	GeofenceEntered   = domain.GeofenceEntered
	GeofenceExited    = domain.GeofenceExited
	RouteDeviated     = domain.RouteDeviated
	RouteDeviationEnd = domain.RouteDeviationEnd
)

// Transport abstracts the realtime channel so custom backends can plug in.
type Transport = ports.Transport

// MutationLog is the durable append/commit log backing the offline queue.
type MutationLog = ports.MutationLog

// EntityCache persists reconciled entity snapshots across restarts.
type EntityCache = ports.EntityCache

// Observability emits structured logs and metrics for engine internals.
type Observability = ports.Observability

// Field is a structured log/metric field used by Observability implementations.
type Field = ports.Field

// ErrQueueFull is returned by SubmitMutation when the offline queue is at
// capacity.
var ErrQueueFull = queue.ErrQueueFull

// Connection errors surfaced by the engine.
var (
	ErrNotConnected = conn.ErrNotConnected
	ErrClosed       = conn.ErrClosed
)
