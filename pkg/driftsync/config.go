package driftsync

import (
	"github.com/driftlabs/driftsync/internal/app/config"
	"github.com/driftlabs/driftsync/internal/ports"
)

// Config re-exports the root configuration struct so embedding applications
// can construct or modify it programmatically.
type Config = config.Config

type (
	// ChannelConfig holds realtime channel connection details.
	ChannelConfig = config.Channel
	// Policy controls offline queue capacity and ack timeouts.
	Policy = ports.Policy
	// StoreConfig selects and configures the durable storage backend.
	StoreConfig = config.Store
	// GeoConfig configures geofence zones and route deviation.
	GeoConfig = config.Geo
	// ETAConfig tunes the arrival estimator.
	ETAConfig = config.ETA
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.Metrics
)

// LoadConfig reads YAML from disk, substitutes environment variables, and
// applies defaults and validation.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
