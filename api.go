package driftsync

import (
	base "github.com/driftlabs/driftsync/pkg/driftsync"
)

// Re-exported errors for convenience.
var (
	ErrQueueFull    = base.ErrQueueFull
	ErrNotConnected = base.ErrNotConnected
	ErrClosed       = base.ErrClosed
)

// Type aliases so consumers can import github.com/driftlabs/driftsync directly.
type (
	Config         = base.Config
	ChannelConfig  = base.ChannelConfig
	Policy         = base.Policy
	StoreConfig    = base.StoreConfig
	GeoConfig      = base.GeoConfig
	ETAConfig      = base.ETAConfig
	MetricsConfig  = base.MetricsConfig
	Engine         = base.Engine
	Option         = base.Option
	LatLng         = base.LatLng
	PositionSample = base.PositionSample
	GeofenceZone   = base.GeofenceZone
	GeofenceEvent  = base.GeofenceEvent
	ETAEstimate    = base.ETAEstimate
	Entity         = base.Entity
	Mutation       = base.Mutation
	Patch          = base.Patch
	ConnState      = base.ConnState
	Transport      = base.Transport
	MutationLog    = base.MutationLog
	EntityCache    = base.EntityCache
	Observability  = base.Observability
	Field          = base.Field
)

// Channel states.
const (
	StateDisconnected = base.StateDisconnected
	StateConnecting   = base.StateConnecting
	StateConnected    = base.StateConnected
	StateReconnecting = base.StateReconnecting
	StateClosed       = base.StateClosed
)

// Geofence event types.
const (
	GeofenceEntered   = base.GeofenceEntered
	GeofenceExited    = base.GeofenceExited
	RouteDeviated     = base.RouteDeviated
	RouteDeviationEnd = base.RouteDeviationEnd
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Engine constructors and options.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	return base.New(cfg, opts...)
}

func WithTransport(t Transport) Option {
	return base.WithTransport(t)
}

func WithMutationLog(l MutationLog) Option {
	return base.WithMutationLog(l)
}

func WithEntityCache(c EntityCache) Option {
	return base.WithEntityCache(c)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}
