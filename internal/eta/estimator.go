package eta

import (
	"errors"
	"sync"
	"time"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/geo"
)

// ErrNoSamples is returned when no position sample has been observed yet for
// the actor.
var ErrNoSamples = errors.New("driftsync: no samples for actor")

// Options tunes the deliberately simple estimation model: accuracy is not
// guaranteed, only boundedness and monotonic responsiveness to new samples.
type Options struct {
	// DefaultSpeedMPS is used until two samples exist for an actor.
	DefaultSpeedMPS float64
	// InstantWeight is the fixed weighting of instantaneous speed against
	// the traffic-table speed, favoring instantaneous to damp noise from a
	// single low-quality sample.
	InstantWeight float64
	// MarginMinutes is the fixed symmetric confidence window. Not derived
	// from statistical variance: only point samples are available.
	MarginMinutes float64
	// TrafficMultipliers maps hour-of-day to an average-speed multiplier
	// representing typical traffic conditions.
	TrafficMultipliers [24]float64
}

func (o *Options) applyDefaults() {
	if o.DefaultSpeedMPS <= 0 {
		o.DefaultSpeedMPS = 8.3 // ~30 km/h urban average
	}
	if o.InstantWeight <= 0 || o.InstantWeight > 1 {
		o.InstantWeight = 0.7
	}
	if o.MarginMinutes <= 0 {
		o.MarginMinutes = 5
	}
	for i := range o.TrafficMultipliers {
		if o.TrafficMultipliers[i] <= 0 {
			o.TrafficMultipliers[i] = 1
		}
	}
}

type track struct {
	prev *domain.PositionSample
	last *domain.PositionSample
	dest *domain.LatLng
}

// Estimator derives arrival predictions from the accepted position stream
// and a static traffic-pattern table.
type Estimator struct {
	opts Options

	mu     sync.Mutex
	tracks map[string]*track
}

func New(opts Options) *Estimator {
	opts.applyDefaults()
	return &Estimator{
		opts:   opts,
		tracks: make(map[string]*track),
	}
}

// Observe records an accepted sample. The caller (the location stream
// processor) guarantees monotonic timestamps per actor.
func (e *Estimator) Observe(s domain.PositionSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.ensure(s.ActorID)
	tr.prev = tr.last
	cp := s
	tr.last = &cp
}

// SetDestination registers where the actor is heading so a fresh estimate
// can be published after every accepted sample. A nil destination clears it.
func (e *Estimator) SetDestination(actorID string, dest *domain.LatLng) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(actorID).dest = dest
}

// Destination returns the registered destination, if any.
func (e *Estimator) Destination(actorID string) (domain.LatLng, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.tracks[actorID]
	if !ok || tr.dest == nil {
		return domain.LatLng{}, false
	}
	return *tr.dest, true
}

// Estimate computes the point estimate and confidence window for the actor
// en route to destination, as a pure function of the current stream state.
func (e *Estimator) Estimate(actorID string, dest domain.LatLng) (domain.ETAEstimate, error) {
	e.mu.Lock()
	tr, ok := e.tracks[actorID]
	if !ok || tr.last == nil {
		e.mu.Unlock()
		return domain.ETAEstimate{}, ErrNoSamples
	}
	last := *tr.last
	var prev *domain.PositionSample
	if tr.prev != nil {
		cp := *tr.prev
		prev = &cp
	}
	e.mu.Unlock()

	remaining := geo.HaversineMeters(domain.LatLng{Lat: last.Lat, Lng: last.Lng}, dest)

	instant := e.opts.DefaultSpeedMPS
	if prev != nil {
		dt := last.Timestamp.Sub(prev.Timestamp).Seconds()
		if dt > 0 {
			instant = geo.HaversineMeters(
				domain.LatLng{Lat: prev.Lat, Lng: prev.Lng},
				domain.LatLng{Lat: last.Lat, Lng: last.Lng},
			) / dt
		}
	}

	tableSpeed := e.opts.DefaultSpeedMPS * e.opts.TrafficMultipliers[last.Timestamp.Hour()]
	blended := e.opts.InstantWeight*instant + (1-e.opts.InstantWeight)*tableSpeed
	if blended <= 0 {
		blended = e.opts.DefaultSpeedMPS
	}

	return domain.ETAEstimate{
		ActorID:        actorID,
		Destination:    dest,
		Minutes:        remaining / blended / 60,
		WindowMinutes:  e.opts.MarginMinutes,
		DistanceMeters: remaining,
		SpeedMPS:       blended,
		ComputedAt:     time.Now(),
	}, nil
}

func (e *Estimator) ensure(actorID string) *track {
	tr, ok := e.tracks[actorID]
	if !ok {
		tr = &track{}
		e.tracks[actorID] = tr
	}
	return tr
}
