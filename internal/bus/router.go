package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/driftlabs/driftsync/internal/conn"
	"github.com/driftlabs/driftsync/internal/ports"
	"github.com/driftlabs/driftsync/internal/wire"
)

// Subscription is a handle on one topic subscription. Messages arrive on C;
// Unsubscribe releases the listener so it does not leak across reconnects.
type Subscription struct {
	C      <-chan *wire.Envelope
	topic  string
	id     int
	router *Router
	once   sync.Once
}

// Unsubscribe removes the subscription and closes C. Safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.drop(s.topic, s.id)
	})
}

// Router is the topic-based fan-out over the single physical channel.
// Inbound envelopes are dispatched to subscribers by topic; outbound
// publishes go through the connection manager, which serializes them onto
// the channel.
type Router struct {
	mgr *conn.Manager
	obs ports.Observability

	mu     sync.Mutex
	subs   map[string]map[int]chan *wire.Envelope
	nextID int
}

// NewRouter wires the router as the manager's inbound sink.
func NewRouter(mgr *conn.Manager, obs ports.Observability) *Router {
	r := &Router{
		mgr:  mgr,
		obs:  obs,
		subs: make(map[string]map[int]chan *wire.Envelope),
	}
	mgr.OnInbound(r.dispatch)
	return r
}

// Subscribe registers for a topic. The buffer bounds how far a slow consumer
// may lag; when it overflows the oldest message for that subscriber is
// dropped and counted, so one stuck consumer cannot stall the channel.
func (r *Router) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *wire.Envelope, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[int]chan *wire.Envelope)
	}
	r.subs[topic][id] = ch
	return &Subscription{C: ch, topic: topic, id: id, router: r}
}

// Publish marshals payload and sends it outbound on the given topic. It
// fails fast with conn.ErrNotConnected while the channel is down.
func (r *Router) Publish(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return r.mgr.Send(&wire.Envelope{Topic: topic, Seq: r.mgr.NextSeq(), Payload: raw})
}

// PublishLocal fans payload out to local subscribers only, without touching
// the transport. Derived events (geofence transitions, ETA updates) use this
// path.
func (r *Router) PublishLocal(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish local %s: %w", topic, err)
	}
	r.dispatch(&wire.Envelope{Topic: topic, Payload: raw})
	return nil
}

func (r *Router) dispatch(env *wire.Envelope) {
	// Sends stay under the lock so a concurrent Unsubscribe cannot close a
	// channel mid-send; every send is non-blocking, so the lock is never
	// held across a stalled consumer.
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.subs[env.Topic] {
		select {
		case ch <- env:
		default:
			// Slow consumer: shed the oldest message, keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- env:
			default:
			}
			r.obs.IncCounter("drift_subscriber_dropped_total", 1)
		}
	}
}

func (r *Router) drop(topic string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.subs[topic]; ok {
		if ch, ok := m[id]; ok {
			delete(m, id)
			close(ch)
		}
		if len(m) == 0 {
			delete(r.subs, topic)
		}
	}
}
