package driftsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/driftlabs/driftsync/internal/adapters/observability"
	"github.com/driftlabs/driftsync/internal/adapters/store/sqlitestore"
	"github.com/driftlabs/driftsync/internal/adapters/store/walstore"
	"github.com/driftlabs/driftsync/internal/adapters/transport/wstransport"
	"github.com/driftlabs/driftsync/internal/app/config"
	"github.com/driftlabs/driftsync/internal/bus"
	"github.com/driftlabs/driftsync/internal/conn"
	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/eta"
	"github.com/driftlabs/driftsync/internal/geo"
	"github.com/driftlabs/driftsync/internal/ports"
	"github.com/driftlabs/driftsync/internal/queue"
	"github.com/driftlabs/driftsync/internal/reconcile"
	"github.com/driftlabs/driftsync/internal/wire"
)

// Option customizes the dependencies used by Engine.
type Option func(*overrides)

type overrides struct {
	transport     ports.Transport
	mutationLog   ports.MutationLog
	entityCache   ports.EntityCache
	observability ports.Observability
}

// WithTransport injects a custom channel transport (websocket is the
// default; an AMQP adapter ships in this module, anything implementing the
// port works).
func WithTransport(t ports.Transport) Option {
	return func(o *overrides) { o.transport = t }
}

// WithMutationLog lets callers bring their own durable mutation log.
func WithMutationLog(l ports.MutationLog) Option {
	return func(o *overrides) { o.mutationLog = l }
}

// WithEntityCache injects a custom entity snapshot store.
func WithEntityCache(c ports.EntityCache) Option {
	return func(o *overrides) { o.entityCache = c }
}

// WithObservability plugs in a custom metrics/logging backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.observability = obs }
}

// Engine wires the connection manager, channel router, offline queue, state
// reconciler, location stream processor, and ETA estimator into one
// embeddable runtime. Everything it owns self-heals on reconnection; nothing
// it does is fatal to the hosting process.
type Engine struct {
	cfg    *config.Config
	obs    ports.Observability
	mgr    *conn.Manager
	router *bus.Router
	queue  *queue.Queue
	rec    *reconcile.Reconciler
	proc   *geo.Processor
	est    *eta.Estimator

	db         *sql.DB
	walLog     *walstore.Store
	metricsSrv *http.Server

	ackMu      sync.Mutex
	ackWaiters map[uint64]chan struct{}

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// New bootstraps the default adapters (websocket transport, file-WAL or
// SQLite storage per config, Prometheus observability when a metrics address
// is configured). Option values override any dependency.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	// Defaults are applied to a copy; the caller's config stays untouched.
	cfgCopy := *cfg
	cfgCopy.Geo.Zones = append([]domain.GeofenceZone(nil), cfg.Geo.Zones...)
	cfg = &cfgCopy
	cfg.ApplyDefaults()

	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	obs := ov.observability
	if obs == nil {
		logger := observability.NewLogger("driftsync")
		if cfg.Metrics.Addr != "" {
			obs = observability.NewPromObs(logger)
		} else {
			obs = observability.NewSlogObs(logger)
		}
	}

	e := &Engine{
		cfg:        cfg,
		obs:        obs,
		ackWaiters: make(map[uint64]chan struct{}),
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}

	mutationLog := ov.mutationLog
	entityCache := ov.entityCache
	if mutationLog == nil || entityCache == nil {
		switch cfg.Store.Backend {
		case "sqlite":
			db, err := sql.Open("sqlite", cfg.Store.Path)
			if err != nil {
				return nil, err
			}
			store, err := sqlitestore.New(db)
			if err != nil {
				return nil, errors.Join(db.Close(), err)
			}
			e.db = db
			if mutationLog == nil {
				mutationLog = store
			}
			if entityCache == nil {
				entityCache = store
			}
		default:
			if mutationLog == nil {
				wal, err := walstore.New(filepath.Join(cfg.Store.Dir, "queue"))
				if err != nil {
					return nil, err
				}
				e.walLog = wal
				mutationLog = wal
			}
			if entityCache == nil {
				cache, err := walstore.NewEntityCache(filepath.Join(cfg.Store.Dir, "entities"))
				if err != nil {
					return nil, err
				}
				entityCache = cache
			}
		}
	}

	q, err := queue.New(mutationLog, obs, cfg.Policy.QueueCapacity)
	if err != nil {
		return nil, err
	}
	e.queue = q

	e.rec = reconcile.New(obs, entityCache)
	if err := e.rec.Restore(); err != nil {
		return nil, fmt.Errorf("restore entity cache: %w", err)
	}
	// The cache holds the server-confirmed base only. Mutations replayed from
	// the durable log go back through the reconciler so the exposed value
	// carries them again and later acks and rebases find them pending.
	for _, m := range q.Pending() {
		e.rec.ApplyLocal(m)
	}

	transport := ov.transport
	if transport == nil {
		transport = wstransport.New()
	}
	e.mgr = conn.NewManager(transport, obs, conn.Options{
		Endpoint:          cfg.Channel.Endpoint,
		Credential:        cfg.Channel.Credential,
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Channel.HeartbeatTimeout,
		BackoffInitial:    cfg.Channel.BackoffInitial,
		BackoffMax:        cfg.Channel.BackoffMax,
	})
	e.router = bus.NewRouter(e.mgr, obs)

	e.proc = geo.NewProcessor(cfg.Geo.Zones, cfg.Geo.RouteDeviationMeters, obs)
	e.est = eta.New(eta.Options{
		DefaultSpeedMPS:    cfg.ETA.DefaultSpeedMPS,
		InstantWeight:      cfg.ETA.InstantWeight,
		MarginMinutes:      cfg.ETA.MarginMinutes,
		TrafficMultipliers: cfg.ETA.TrafficMultipliers,
	})

	e.proc.OnAcceptedSample(func(s domain.PositionSample) {
		e.est.Observe(s)
		if dest, ok := e.est.Destination(s.ActorID); ok {
			if est, err := e.est.Estimate(s.ActorID, dest); err == nil {
				_ = e.router.PublishLocal(wire.TopicETAUpdate, est)
			}
		}
	})
	e.proc.OnEvent(func(ev domain.GeofenceEvent) {
		_ = e.router.PublishLocal(wire.TopicGeofenceEvent, ev)
	})

	// Once into Connected, exactly one flush kicks off; the queued backlog
	// drains in order before anything new goes out.
	e.mgr.OnStateChange(func(s conn.State) {
		if s == conn.StateConnected {
			e.signalFlush()
		}
		e.obs.SetGauge("drift_connection_state", float64(s))
	})

	return e, nil
}

// Start begins the connection loop, the inbound topic consumers, and the
// flush worker. It returns immediately; call Run to block on a context.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.consume(wire.TopicEntityUpdate, 64, e.handleEntityUpdate)
	e.consume(wire.TopicMutationAck, 64, e.handleMutationAck)
	e.consume(wire.TopicPositionIngest, 128, e.handlePositionBatch)

	e.wg.Add(1)
	go e.flushWorker(ctx)

	if err := e.mgr.Connect(ctx); err != nil {
		return err
	}

	e.startMetrics()
	return nil
}

// Run starts the engine and blocks until the context is cancelled, then
// shuts down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Shutdown closes the channel, stops the workers, and releases storage. An
// in-flight flush completes or fails naturally.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error

	if err := e.mgr.Close(); err != nil {
		errs = append(errs, err)
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if e.walLog != nil {
		if err := e.walLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubmitMutation records an optimistic local write and schedules its
// delivery. It never blocks on the network; at capacity it returns
// ErrQueueFull and the caller decides what to drop. The returned sequence
// number orders the mutation within this session.
func (e *Engine) SubmitMutation(entityID string, patch map[string]any) (uint64, error) {
	m, err := e.queue.Enqueue(entityID, domain.Patch(patch))
	if err != nil {
		return 0, err
	}
	e.rec.ApplyLocal(m)
	if e.mgr.State() == conn.StateConnected {
		e.signalFlush()
	}
	return m.Seq, nil
}

// IngestPositions feeds one ordered batch of samples for an actor through
// the location stream processor. Backend-pushed batches on the
// position-ingest topic take the same path.
func (e *Engine) IngestPositions(actorID string, samples []domain.PositionSample) []domain.GeofenceEvent {
	return e.proc.Ingest(actorID, samples)
}

// SubscribeEntity registers for reconciled-value changes of one entity.
func (e *Engine) SubscribeEntity(entityID string, fn func(domain.Entity)) func() {
	return e.rec.Subscribe(entityID, fn)
}

// SubscribeGeofence registers for derived events of one actor. The returned
// func unsubscribes.
func (e *Engine) SubscribeGeofence(actorID string, fn func(domain.GeofenceEvent)) func() {
	sub := e.router.Subscribe(wire.TopicGeofenceEvent, 32)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case env, ok := <-sub.C:
				if !ok {
					return
				}
				var ev domain.GeofenceEvent
				if err := json.Unmarshal(env.Payload, &ev); err != nil {
					continue
				}
				if ev.ActorID == actorID {
					fn(ev)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			sub.Unsubscribe()
		})
	}
}

// SubscribeETA registers for published ETA updates of one actor.
func (e *Engine) SubscribeETA(actorID string, fn func(domain.ETAEstimate)) func() {
	sub := e.router.Subscribe(wire.TopicETAUpdate, 32)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case env, ok := <-sub.C:
				if !ok {
					return
				}
				var est domain.ETAEstimate
				if err := json.Unmarshal(env.Payload, &est); err != nil {
					continue
				}
				if est.ActorID == actorID {
					fn(est)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			sub.Unsubscribe()
		})
	}
}

// Estimate computes the arrival prediction for an actor en route to
// destination from the current stream state.
func (e *Engine) Estimate(actorID string, dest domain.LatLng) (domain.ETAEstimate, error) {
	return e.est.Estimate(actorID, dest)
}

// SetRoute assigns the polyline route deviation is measured against.
func (e *Engine) SetRoute(actorID string, route []domain.LatLng) {
	e.proc.SetRoute(actorID, route)
}

// SetDestination registers where an actor is heading so ETA updates are
// published after every accepted sample.
func (e *Engine) SetDestination(actorID string, dest *domain.LatLng) {
	e.est.SetDestination(actorID, dest)
}

// Entity returns the current reconciled view of an entity.
func (e *Engine) Entity(entityID string) (domain.Entity, bool) {
	return e.rec.Value(entityID)
}

// ConnectionState reports the channel state for display.
func (e *Engine) ConnectionState() conn.State { return e.mgr.State() }

// QueueDepth reports how many mutations wait for delivery, for display.
func (e *Engine) QueueDepth() int { return e.queue.Depth() }

// PendingFor reports the unacknowledged mutation count for one entity.
func (e *Engine) PendingFor(entityID string) int { return e.queue.PendingFor(entityID) }

// Latency reports the last sampled heartbeat round trip.
func (e *Engine) Latency() time.Duration { return e.mgr.Latency() }

// SessionID identifies this client's logical connection.
func (e *Engine) SessionID() string { return e.mgr.SessionID() }

func (e *Engine) signalFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) flushWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.flushCh:
			if e.mgr.State() != conn.StateConnected {
				continue
			}
			if _, err := e.queue.Flush(ctx, e.deliverMutation); err != nil {
				// Delivery halted; the head entry stays queued. Retry after a
				// pause unless a reconnect re-triggers the flush first.
				timer := time.NewTimer(e.cfg.Channel.BackoffInitial)
				select {
				case <-e.stopCh:
					timer.Stop()
					return
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				e.signalFlush()
			}
		}
	}
}

// deliverMutation publishes one mutation and waits for its acknowledgment,
// bounding the wait with the configured ack timeout.
func (e *Engine) deliverMutation(ctx context.Context, m *domain.Mutation) error {
	ack := make(chan struct{})
	e.ackMu.Lock()
	e.ackWaiters[m.Seq] = ack
	e.ackMu.Unlock()
	defer func() {
		e.ackMu.Lock()
		delete(e.ackWaiters, m.Seq)
		e.ackMu.Unlock()
	}()

	if err := e.router.Publish(wire.TopicMutationSubmit, m); err != nil {
		return err
	}

	timer := time.NewTimer(e.cfg.Policy.AckTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		return fmt.Errorf("mutation %d: ack timeout", m.Seq)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consume runs one inbound topic consumer until shutdown.
func (e *Engine) consume(topic string, buffer int, handle func(*wire.Envelope)) {
	sub := e.router.Subscribe(topic, buffer)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stopCh:
				sub.Unsubscribe()
				return
			case env, ok := <-sub.C:
				if !ok {
					return
				}
				handle(env)
			}
		}
	}()
}

func (e *Engine) handleEntityUpdate(env *wire.Envelope) {
	var upd wire.EntityUpdate
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		e.obs.LogError("entity_update_malformed", err)
		e.obs.IncCounter("drift_inbound_dropped_total", 1)
		return
	}
	e.rec.ApplyRemote(upd.EntityID, upd.Value, upd.Version)
}

func (e *Engine) handleMutationAck(env *wire.Envelope) {
	var ack wire.MutationAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		e.obs.LogError("mutation_ack_malformed", err)
		e.obs.IncCounter("drift_inbound_dropped_total", 1)
		return
	}
	e.rec.Ack(ack.EntityID, ack.Seq)

	e.ackMu.Lock()
	if ch, ok := e.ackWaiters[ack.Seq]; ok {
		close(ch)
		delete(e.ackWaiters, ack.Seq)
	}
	e.ackMu.Unlock()
}

func (e *Engine) handlePositionBatch(env *wire.Envelope) {
	var batch wire.PositionBatch
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		e.obs.LogError("position_batch_malformed", err)
		e.obs.IncCounter("drift_inbound_dropped_total", 1)
		return
	}
	samples := make([]domain.PositionSample, 0, len(batch.Samples))
	for _, raw := range batch.Samples {
		var s domain.PositionSample
		if err := json.Unmarshal(raw, &s); err != nil {
			// One malformed sample never poisons the batch.
			e.obs.LogError("position_sample_malformed", err,
				ports.Field{Key: "actor_id", Value: batch.ActorID})
			continue
		}
		samples = append(samples, s)
	}
	if len(samples) > 0 {
		e.proc.Ingest(batch.ActorID, samples)
	}
}

func (e *Engine) startMetrics() {
	if e.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	e.metricsSrv = &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.obs.LogError("metrics_server_exited", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.obs.SetGauge("drift_queue_depth", float64(e.queue.Depth()))
			}
		}
	}()
}
