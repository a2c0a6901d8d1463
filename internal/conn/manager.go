package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlabs/driftsync/internal/ports"
	"github.com/driftlabs/driftsync/internal/wire"
)

// ErrNotConnected is returned by Send when the channel is not in the
// Connected state. Callers are expected to enqueue instead of retrying.
var ErrNotConnected = errors.New("driftsync: not connected")

// ErrClosed is returned once Close has been called; the manager never
// reconnects afterwards.
var ErrClosed = errors.New("driftsync: connection manager closed")

// Options configures the connection lifecycle.
type Options struct {
	Endpoint          string
	Credential        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
}

// Manager owns the single physical channel to the backend: connect,
// heartbeat, latency sampling, and reconnection with capped exponential
// backoff. All other components send through it and never touch the
// transport directly.
type Manager struct {
	opts      Options
	transport ports.Transport
	obs       ports.Observability

	mu        sync.Mutex
	state     State
	sessionID string
	lastAck   time.Time
	latency   time.Duration
	handlers  map[int]func(State)
	nextID    int
	outSeq    uint64
	hbSentAt  map[uint64]time.Time

	inbound     func(*wire.Envelope)
	sendFailure func(*wire.Envelope)

	sendMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	started   bool
	wg        sync.WaitGroup
}

// NewManager builds a manager over the given transport. Connect must be
// called before the channel carries traffic.
func NewManager(t ports.Transport, obs ports.Observability, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:      opts,
		transport: t,
		obs:       obs,
		state:     StateDisconnected,
		sessionID: uuid.NewString(),
		handlers:  make(map[int]func(State)),
		hbSentAt:  make(map[uint64]time.Time),
		closed:    make(chan struct{}),
	}
}

// OnInbound registers the sink for decoded non-heartbeat envelopes. The
// router installs itself here; heartbeat acks are consumed internally.
func (m *Manager) OnInbound(fn func(*wire.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = fn
}

// OnSendFailure registers a handler that receives envelopes whose
// transport-level send failed while Connected. Heartbeat frames are excluded.
// Callers publishing frames outside the durable queue can use this to avoid
// silent loss; queued mutations need no handler because they stay queued
// until acknowledged.
func (m *Manager) OnSendFailure(fn func(*wire.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFailure = fn
}

// OnStateChange registers a handler for connection-state transitions and
// returns an unsubscribe func. Handlers run on the manager goroutine and
// must not block.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Connect starts the connection-management loop. It returns immediately;
// progress is observable through OnStateChange. Calling Connect twice or
// after Close is an error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("driftsync: already connected")
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Send transmits an envelope, failing fast with ErrNotConnected when the
// channel is down. A transport-level failure while Connected transitions the
// manager to Reconnecting and hands the envelope to the send-failure handler.
func (m *Manager) Send(env *wire.Envelope) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	err = m.transport.Send(data)
	m.sendMu.Unlock()
	if err != nil {
		m.obs.LogError("transport_send_failed", err, ports.Field{Key: "topic", Value: env.Topic})
		m.mu.Lock()
		fn := m.sendFailure
		m.mu.Unlock()
		if fn != nil && env.Topic != wire.TopicHeartbeat {
			fn(env)
		}
		// Dropping the transport wakes the session loop, which drives the
		// Reconnecting transition.
		_ = m.transport.Close()
		return err
	}
	return nil
}

// NextSeq hands out channel-level sequence numbers for outbound envelopes.
func (m *Manager) NextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outSeq++
	return m.outSeq
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID identifies this client's logical connection.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Latency reports the round-trip time sampled from the most recent heartbeat
// ack. Diagnostics only; no behavior depends on it.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Close tears the channel down and suppresses further reconnection. It is
// terminal and idempotent: repeated calls are no-ops. An in-flight flush is
// allowed to complete or fail naturally.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		_ = m.transport.Close()
	})
	m.wg.Wait()
	m.setState(StateClosed)
	return nil
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	attempt := 0
	for {
		if m.isClosed() || ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		if err := m.transport.Open(ctx, m.opts.Endpoint, m.opts.Credential); err != nil {
			m.obs.LogError("connect_failed", err, ports.Field{Key: "attempt", Value: attempt})
			m.setState(StateReconnecting)
			if !m.waitBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		m.mu.Lock()
		m.lastAck = time.Now()
		m.mu.Unlock()
		m.setState(StateConnected)
		m.obs.IncCounter("drift_connects_total", 1)

		m.runSession(ctx)

		if m.isClosed() || ctx.Err() != nil {
			return
		}
		m.setState(StateDisconnected)
		m.setState(StateReconnecting)
		m.obs.IncCounter("drift_reconnects_total", 1)
		if !m.waitBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// runSession pumps inbound frames and heartbeats until the transport drops,
// a heartbeat ack goes missing past the timeout, or the manager closes.
func (m *Manager) runSession(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	// Heartbeats that never got an ack belong to this session; their
	// timestamps are useless once it ends and would pile up across reconnects.
	defer func() {
		m.mu.Lock()
		m.hbSentAt = make(map[uint64]time.Time)
		m.mu.Unlock()
	}()

	recv := m.transport.Receive()
	for {
		select {
		case <-m.closed:
			return
		case <-ctx.Done():
			return
		case data, ok := <-recv:
			if !ok {
				return
			}
			m.handleFrame(data)
		case <-ticker.C:
			m.mu.Lock()
			stale := time.Since(m.lastAck) > m.opts.HeartbeatTimeout
			m.mu.Unlock()
			if stale {
				// Half-open connection: the transport has not reported an
				// error, but the backend stopped answering. Declare it dead.
				m.obs.LogError("heartbeat_timeout", errors.New("no heartbeat ack"),
					ports.Field{Key: "timeout", Value: m.opts.HeartbeatTimeout.String()})
				_ = m.transport.Close()
				return
			}
			if err := m.sendHeartbeat(); err != nil {
				return
			}
		}
	}
}

func (m *Manager) sendHeartbeat() error {
	m.mu.Lock()
	m.outSeq++
	seq := m.outSeq
	m.hbSentAt[seq] = time.Now()
	m.mu.Unlock()

	data, err := wire.Encode(&wire.Envelope{Topic: wire.TopicHeartbeat, Seq: seq})
	if err != nil {
		return err
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := m.transport.Send(data); err != nil {
		m.obs.LogError("heartbeat_send_failed", err)
		_ = m.transport.Close()
		return err
	}
	return nil
}

func (m *Manager) handleFrame(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		// Malformed inbound payload: drop the single message, keep the channel.
		m.obs.LogError("inbound_malformed", err)
		m.obs.IncCounter("drift_inbound_dropped_total", 1)
		return
	}

	if env.Topic == wire.TopicHeartbeatAck {
		now := time.Now()
		m.mu.Lock()
		m.lastAck = now
		if sent, ok := m.hbSentAt[env.Seq]; ok {
			m.latency = now.Sub(sent)
			delete(m.hbSentAt, env.Seq)
		}
		rtt := m.latency
		m.mu.Unlock()
		m.obs.ObserveLatency("drift_heartbeat_rtt_seconds", rtt.Seconds())
		return
	}

	m.mu.Lock()
	fn := m.inbound
	m.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// waitBackoff sleeps for the computed backoff delay. It returns false when
// the wait was cancelled by Close or context cancellation.
func (m *Manager) waitBackoff(ctx context.Context, attempt int) bool {
	d := backoffDelay(attempt, m.opts.BackoffInitial, m.opts.BackoffMax)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.closed:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	handlers := make([]func(State), 0, len(m.handlers))
	for _, fn := range m.handlers {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	m.obs.LogInfo("connection_state", ports.Field{Key: "state", Value: s.String()})
	for _, fn := range handlers {
		fn(s)
	}
}
