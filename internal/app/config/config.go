package config

import (
	"fmt"
	"os"
	"time"

	"github.com/drone/envsubst"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

type Config struct {
	Channel Channel      `yaml:"channel"`
	Policy  ports.Policy `yaml:"policy"`
	Store   Store        `yaml:"store"`
	Geo     Geo          `yaml:"geo"`
	ETA     ETA          `yaml:"eta"`
	Metrics Metrics      `yaml:"metrics"`
}

// Channel configures the connection manager.
type Channel struct {
	Endpoint          string        `yaml:"endpoint"`
	Credential        string        `yaml:"credential"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// Store selects the durable local storage backend.
type Store struct {
	Backend string `yaml:"backend"` // "wal" or "sqlite"
	Dir     string `yaml:"dir"`     // wal backend
	Path    string `yaml:"path"`    // sqlite backend
}

type Geo struct {
	Zones                []domain.GeofenceZone `yaml:"zones"`
	RouteDeviationMeters float64               `yaml:"route_deviation_meters"`
}

type ETA struct {
	DefaultSpeedMPS    float64     `yaml:"default_speed_mps"`
	InstantWeight      float64     `yaml:"instant_weight"`
	MarginMinutes      float64     `yaml:"margin_minutes"`
	TrafficMultipliers [24]float64 `yaml:"traffic_multipliers"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Load reads YAML from disk, expands ${VAR} and ${VAR:-default} references
// from the environment (a .env file alongside the process is honored when
// present), applies defaults, and validates.
func Load(path string) (*Config, error) {
	_ = gotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	replaced, err := envsubst.EvalEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("config env expansion: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(replaced), &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Channel.HeartbeatInterval == 0 {
		c.Channel.HeartbeatInterval = 30 * time.Second
	}
	if c.Channel.HeartbeatTimeout == 0 {
		c.Channel.HeartbeatTimeout = 3 * c.Channel.HeartbeatInterval
	}
	if c.Channel.BackoffInitial == 0 {
		c.Channel.BackoffInitial = time.Second
	}
	if c.Channel.BackoffMax == 0 {
		c.Channel.BackoffMax = 30 * time.Second
	}
	if c.Policy.QueueCapacity == 0 {
		c.Policy.QueueCapacity = 100
	}
	if c.Policy.AckTimeout == 0 {
		c.Policy.AckTimeout = 10 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "wal"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "./data/driftsync"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/driftsync/driftsync.db"
	}
	if c.Geo.RouteDeviationMeters == 0 {
		c.Geo.RouteDeviationMeters = 250
	}
	if c.ETA.DefaultSpeedMPS == 0 {
		c.ETA.DefaultSpeedMPS = 8.3
	}
	if c.ETA.InstantWeight == 0 {
		c.ETA.InstantWeight = 0.7
	}
	if c.ETA.MarginMinutes == 0 {
		c.ETA.MarginMinutes = 5
	}
	for i := range c.ETA.TrafficMultipliers {
		if c.ETA.TrafficMultipliers[i] == 0 {
			c.ETA.TrafficMultipliers[i] = 1
		}
	}
	for i := range c.Geo.Zones {
		if c.Geo.Zones[i].Kind == "" {
			c.Geo.Zones[i].Kind = domain.ZoneCircle
		}
	}
}

func (c *Config) Validate() error {
	if c.Channel.Endpoint == "" {
		return fmt.Errorf("channel.endpoint is required")
	}
	if c.Channel.HeartbeatTimeout < c.Channel.HeartbeatInterval {
		return fmt.Errorf("channel.heartbeat_timeout must be >= channel.heartbeat_interval")
	}
	switch c.Store.Backend {
	case "wal", "sqlite":
	default:
		return fmt.Errorf("store.backend must be wal or sqlite, got %q", c.Store.Backend)
	}
	for _, z := range c.Geo.Zones {
		if z.Name == "" {
			return fmt.Errorf("every zone needs a name")
		}
		switch z.Kind {
		case domain.ZoneCircle:
			if z.RadiusMeters <= 0 {
				return fmt.Errorf("zone %q: radius_meters must be positive", z.Name)
			}
		case domain.ZonePolygon:
			if len(z.Vertices) < 3 {
				return fmt.Errorf("zone %q: polygon needs at least 3 vertices", z.Name)
			}
		default:
			return fmt.Errorf("zone %q: unknown kind %q", z.Name, z.Kind)
		}
	}
	return nil
}
