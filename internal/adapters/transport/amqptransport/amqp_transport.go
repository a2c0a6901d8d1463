package amqptransport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/driftlabs/driftsync/internal/ports"
)

// Options names the broker resources the transport binds to. Outbound frames
// are published to Exchange with PublishKey; inbound frames are consumed from
// a queue bound to Exchange with ConsumeKey.
type Options struct {
	Exchange   string
	PublishKey string
	ConsumeKey string
	Queue      string
}

func (o *Options) applyDefaults() {
	if o.Exchange == "" {
		o.Exchange = "driftsync"
	}
	if o.PublishKey == "" {
		o.PublishKey = "driftsync.out"
	}
	if o.ConsumeKey == "" {
		o.ConsumeKey = "driftsync.in"
	}
}

// Transport carries engine frames over AMQP 0-9-1, for embedding the engine
// in backend services that already speak to a broker instead of a websocket
// edge. Reconnection stays with the connection manager: a broker-side close
// just closes the Receive channel.
type Transport struct {
	opts Options

	mu     sync.Mutex
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	recv   chan []byte
	cancel context.CancelFunc
}

func New(opts Options) *Transport {
	opts.applyDefaults()
	return &Transport{opts: opts}
}

// Open dials the broker, declares the exchange and consume queue, and starts
// delivering inbound frames. credential overrides the URI userinfo as
// "user:password"; leave it empty when the endpoint already carries it.
func (t *Transport) Open(ctx context.Context, endpoint, credential string) error {
	uri := endpoint
	if credential != "" {
		parsed, err := amqp091.ParseURI(endpoint)
		if err != nil {
			return fmt.Errorf("amqp uri: %w", err)
		}
		user, pass, ok := strings.Cut(credential, ":")
		if !ok {
			return errors.New("amqp transport: credential must be user:password")
		}
		parsed.Username, parsed.Password = user, pass
		uri = parsed.String()
	}

	conn, err := amqp091.Dial(uri)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return errors.Join(conn.Close(), err)
	}

	if err := ch.ExchangeDeclare(t.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Join(conn.Close(), err)
	}
	q, err := ch.QueueDeclare(t.opts.Queue, false, true, t.opts.Queue == "", false, nil)
	if err != nil {
		return errors.Join(conn.Close(), err)
	}
	if err := ch.QueueBind(q.Name, t.opts.ConsumeKey, t.opts.Exchange, false, nil); err != nil {
		return errors.Join(conn.Close(), err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return errors.Join(conn.Close(), err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	recv := make(chan []byte, 64)

	t.mu.Lock()
	t.conn = conn
	t.ch = ch
	t.recv = recv
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		defer close(recv)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case recv <- d.Body:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return errors.New("amqp transport: not open")
	}
	return ch.PublishWithContext(context.Background(), t.opts.Exchange, t.opts.PublishKey, false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		})
}

func (t *Transport) Receive() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}

func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn, t.ch, t.cancel = nil, nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

var _ ports.Transport = (*Transport)(nil)
