package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftlabs/driftsync/internal/ports"
	"github.com/driftlabs/driftsync/internal/wire"
)

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field) {}
func (nopObs) LogError(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64) {}
func (nopObs) ObserveLatency(string, float64) {}
func (nopObs) SetGauge(string, float64) {}

// fakeTransport scripts the channel from the backend's side: tests deliver
// frames, fail sends, or drop the connection.
type fakeTransport struct {
	mu       sync.Mutex
	recv     chan []byte
	sent     [][]byte
	openErrs []error
	sendErr  error
	opens    int
	dropped  bool
}

func (t *fakeTransport) Open(ctx context.Context, endpoint, credential string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if len(t.openErrs) > 0 {
		err := t.openErrs[0]
		t.openErrs = t.openErrs[1:]
		if err != nil {
			return err
		}
	}
	t.recv = make(chan []byte, 16)
	t.dropped = false
	return nil
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Receive() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recv != nil && !t.dropped {
		close(t.recv)
		t.dropped = true
	}
	return nil
}

func (t *fakeTransport) deliver(tb testing.TB, env *wire.Envelope) {
	tb.Helper()
	data, err := wire.Encode(env)
	if err != nil {
		tb.Fatalf("encode: %v", err)
	}
	t.mu.Lock()
	ch, dropped := t.recv, t.dropped
	t.mu.Unlock()
	if dropped {
		tb.Fatalf("deliver on dropped transport")
	}
	ch <- data
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) sentEnvelopes(tb testing.TB) []*wire.Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wire.Envelope, 0, len(t.sent))
	for _, data := range t.sent {
		env, err := wire.Decode(data)
		if err != nil {
			tb.Fatalf("decode sent frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	return Options{
		Endpoint:          "wss://test",
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
	}
}

func TestManagerConnectsAndSamplesHeartbeatLatency(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, nopObs{}, testOptions())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	var hb *wire.Envelope
	waitFor(t, "heartbeat sent", func() bool {
		for _, env := range tr.sentEnvelopes(t) {
			if env.Topic == wire.TopicHeartbeat {
				hb = env
				return true
			}
		}
		return false
	})

	tr.deliver(t, &wire.Envelope{Topic: wire.TopicHeartbeatAck, Seq: hb.Seq})
	waitFor(t, "latency sample", func() bool { return m.Latency() > 0 })

	if m.SessionID() == "" {
		t.Fatalf("expected a session id")
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, nopObs{}, testOptions())
	defer m.Close()

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "first connect", func() bool { return m.State() == StateConnected })

	// Backend drops the connection.
	_ = tr.Close()
	waitFor(t, "reconnect", func() bool {
		return tr.openCount() >= 2 && m.State() == StateConnected
	})

	mu.Lock()
	defer mu.Unlock()
	var sawReconnecting bool
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Fatalf("expected a Reconnecting transition, got %v", states)
	}
}

func TestManagerBacksOffWhileBackendIsDown(t *testing.T) {
	tr := &fakeTransport{openErrs: []error{
		errors.New("refused"),
		errors.New("refused"),
		nil,
	}}
	m := NewManager(tr, nopObs{}, testOptions())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected after retries", func() bool { return m.State() == StateConnected })
	if n := tr.openCount(); n != 3 {
		t.Fatalf("expected 3 open attempts, got %d", n)
	}
}

func TestManagerDeclaresHalfOpenConnectionDead(t *testing.T) {
	tr := &fakeTransport{}
	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.HeartbeatTimeout = 25 * time.Millisecond
	m := NewManager(tr, nopObs{}, opts)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	// Never ack a heartbeat: the staleness check must tear the session down
	// and open a new transport.
	waitFor(t, "reconnect after heartbeat timeout", func() bool {
		return tr.openCount() >= 2
	})
}

func TestManagerSendFastFailsWhenNotConnected(t *testing.T) {
	tr := &fakeTransport{openErrs: []error{errors.New("refused")}}
	m := NewManager(tr, nopObs{}, testOptions())
	defer m.Close()

	err := m.Send(&wire.Envelope{Topic: wire.TopicMutationSubmit, Seq: 1})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestManagerHandsFailedSendToHandler(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, nopObs{}, testOptions())
	defer m.Close()

	var mu sync.Mutex
	var failed []*wire.Envelope
	m.OnSendFailure(func(env *wire.Envelope) {
		mu.Lock()
		failed = append(failed, env)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	tr.mu.Lock()
	tr.sendErr = errors.New("broken pipe")
	tr.mu.Unlock()

	env := &wire.Envelope{Topic: wire.TopicMutationSubmit, Seq: m.NextSeq()}
	if err := m.Send(env); err == nil {
		t.Fatalf("expected send error")
	}

	mu.Lock()
	got := len(failed)
	mu.Unlock()
	if got != 1 || failed[0].Seq != env.Seq {
		t.Fatalf("expected failed envelope handed to handler, got %d", got)
	}
}

func TestManagerRoutesInboundFrames(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, nopObs{}, testOptions())
	defer m.Close()

	inbound := make(chan *wire.Envelope, 4)
	m.OnInbound(func(env *wire.Envelope) { inbound <- env })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	// A malformed frame is dropped without killing the session.
	tr.mu.Lock()
	tr.recv <- []byte("{not json")
	tr.mu.Unlock()

	tr.deliver(t, &wire.Envelope{Topic: wire.TopicEntityUpdate, Seq: 9})

	select {
	case env := <-inbound:
		if env.Topic != wire.TopicEntityUpdate || env.Seq != 9 {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound envelope never routed")
	}
	if m.State() != StateConnected {
		t.Fatalf("malformed frame tore down the session")
	}
}

func TestManagerCloseIsTerminal(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, nopObs{}, testOptions())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if m.State() != StateClosed {
		t.Fatalf("expected Closed, got %v", m.State())
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on reconnect, got %v", err)
	}
	if n := tr.openCount(); n != 1 {
		t.Fatalf("manager reconnected after close: %d opens", n)
	}
}

func TestManagerDropsUnackedHeartbeatTimestampsWithSession(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, nopObs{}, testOptions())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	// Heartbeats go out unanswered; their timestamps accumulate.
	waitFor(t, "unacked heartbeats", func() bool {
		m.mu.Lock()
		n := len(m.hbSentAt)
		m.mu.Unlock()
		return n >= 3
	})
	m.mu.Lock()
	stale := make([]uint64, 0, len(m.hbSentAt))
	for seq := range m.hbSentAt {
		stale = append(stale, seq)
	}
	m.mu.Unlock()

	_ = tr.Close()
	waitFor(t, "reconnect", func() bool {
		return tr.openCount() >= 2 && m.State() == StateConnected
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seq := range stale {
		if _, ok := m.hbSentAt[seq]; ok {
			t.Fatalf("heartbeat timestamp for seq %d survived the session", seq)
		}
	}
}
