package geo

import (
	"sync"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

type actorState struct {
	last     *domain.PositionSample
	inside   map[string]bool
	deviated bool
	route    []domain.LatLng
}

// Processor consumes batched position samples per actor and derives
// edge-triggered geofence and route-deviation events. Zones are static
// configuration, immutable for the lifetime of the processor.
type Processor struct {
	zones            []domain.GeofenceZone
	deviationMeters  float64
	obs              ports.Observability
	onAcceptedSample func(domain.PositionSample)
	onEvent          func(domain.GeofenceEvent)

	mu     sync.Mutex
	actors map[string]*actorState
}

// NewProcessor builds a processor for the given zone set. deviationMeters is
// the fixed threshold beyond which an actor counts as off its assigned
// route; zero disables deviation events.
func NewProcessor(zones []domain.GeofenceZone, deviationMeters float64, obs ports.Observability) *Processor {
	return &Processor{
		zones:           zones,
		deviationMeters: deviationMeters,
		obs:             obs,
		actors:          make(map[string]*actorState),
	}
}

// OnAcceptedSample registers the sink for samples that survived the
// monotonic-timestamp guard; the ETA estimator feeds from it.
func (p *Processor) OnAcceptedSample(fn func(domain.PositionSample)) { p.onAcceptedSample = fn }

// OnEvent registers the sink for derived events; the engine publishes them
// back onto the router.
func (p *Processor) OnEvent(fn func(domain.GeofenceEvent)) { p.onEvent = fn }

// SetRoute assigns the route polyline deviation is measured against.
func (p *Processor) SetRoute(actorID string, route []domain.LatLng) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensure(actorID).route = route
}

// LastSample returns the most recently accepted sample for an actor.
func (p *Processor) LastSample(actorID string) (domain.PositionSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.actors[actorID]
	if !ok || st.last == nil {
		return domain.PositionSample{}, false
	}
	return *st.last, true
}

// Ingest processes one ordered batch of samples for an actor. Samples whose
// timestamp is not strictly newer than the last accepted sample are
// discarded, which protects against network retries and duplicate batches;
// they produce no state change and no events. Derived events are returned
// and also forwarded to the OnEvent sink.
func (p *Processor) Ingest(actorID string, samples []domain.PositionSample) []domain.GeofenceEvent {
	p.mu.Lock()
	st := p.ensure(actorID)

	var (
		events   []domain.GeofenceEvent
		accepted []domain.PositionSample
	)
	for i := range samples {
		s := samples[i]
		s.ActorID = actorID
		if st.last != nil && !s.Timestamp.After(st.last.Timestamp) {
			p.obs.IncCounter("drift_samples_discarded_total", 1)
			continue
		}
		accepted = append(accepted, s)
		events = append(events, p.acceptLocked(st, s)...)
	}
	p.mu.Unlock()

	if p.onAcceptedSample != nil {
		for _, s := range accepted {
			p.onAcceptedSample(s)
		}
	}
	for _, ev := range events {
		p.obs.IncCounter("drift_geofence_events_total", 1)
		if p.onEvent != nil {
			p.onEvent(ev)
		}
	}
	return events
}

func (p *Processor) acceptLocked(st *actorState, s domain.PositionSample) []domain.GeofenceEvent {
	st.last = &s

	var events []domain.GeofenceEvent
	pos := domain.LatLng{Lat: s.Lat, Lng: s.Lng}

	for i := range p.zones {
		z := &p.zones[i]
		now := ZoneContains(z, pos)
		was := st.inside[z.Name]
		if now == was {
			continue
		}
		st.inside[z.Name] = now
		typ := domain.GeofenceEntered
		if !now {
			typ = domain.GeofenceExited
		}
		events = append(events, domain.GeofenceEvent{
			ActorID: s.ActorID,
			Zone:    z.Name,
			Label:   z.Label,
			Type:    typ,
			At:      s.Timestamp,
			Sample:  s,
		})
	}

	if p.deviationMeters > 0 && len(st.route) > 0 {
		off := DistanceToRouteMeters(pos, st.route) > p.deviationMeters
		if off != st.deviated {
			st.deviated = off
			typ := domain.RouteDeviated
			if !off {
				typ = domain.RouteDeviationEnd
			}
			events = append(events, domain.GeofenceEvent{
				ActorID: s.ActorID,
				Type:    typ,
				At:      s.Timestamp,
				Sample:  s,
			})
		}
	}
	return events
}

func (p *Processor) ensure(actorID string) *actorState {
	st, ok := p.actors[actorID]
	if !ok {
		st = &actorState{inside: make(map[string]bool)}
		p.actors[actorID] = st
	}
	return st
}
