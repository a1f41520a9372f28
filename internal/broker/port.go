package broker

import (
	"context"
	"sync"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
)

// ErrPortClosed is returned for commands on a closed port.
var ErrPortClosed = apperrors.New(apperrors.ErrorTypeValidation, "PORT_CLOSED", "port closed")

type request struct {
	cmd  Command
	errc chan error
}

// Port is one client of the broker. Commands run one at a time on the
// port's own loop; messages arrive on Messages until the port closes.
type Port struct {
	id     uint64
	b      *Broker
	ctx    context.Context
	cancel context.CancelFunc
	reqs   chan request
	done   chan struct{}

	mu     sync.Mutex
	out    chan Message
	closed bool
	once   sync.Once
}

func newPort(b *Broker, id uint64, outbox int) *Port {
	ctx, cancel := context.WithCancel(context.Background())
	return &Port{
		id:     id,
		b:      b,
		ctx:    ctx,
		cancel: cancel,
		reqs:   make(chan request),
		done:   make(chan struct{}),
		out:    make(chan Message, outbox),
	}
}

func (p *Port) ID() uint64 { return p.id }

// Messages is closed when the port closes.
func (p *Port) Messages() <-chan Message { return p.out }

func (p *Port) Done() <-chan struct{} { return p.done }

// Do runs cmd on the port's command loop and returns its error.
func (p *Port) Do(ctx context.Context, cmd Command) error {
	errc := make(chan error, 1)
	select {
	case p.reqs <- request{cmd: cmd, errc: errc}:
	case <-p.done:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the port's subscriptions and closes Messages. Safe to call
// more than once.
func (p *Port) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.done)
		p.b.release(p)

		p.mu.Lock()
		p.closed = true
		close(p.out)
		p.mu.Unlock()
	})
}

func (p *Port) loop() {
	for {
		select {
		case r := <-p.reqs:
			r.errc <- p.b.handle(p, r.cmd)
		case <-p.done:
			return
		}
	}
}

// send queues msg without blocking. A full outbox drops the message, so
// one slow port never stalls the relays other ports share.
func (p *Port) send(msg Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.out <- msg:
		return true
	default:
		metrics.BrokerDropped.WithLabelValues(string(msg.Kind)).Inc()
		return false
	}
}

// pump forwards one relay subscription to the port, then reports its end.
func (p *Port) pump(s *multiplexer.Subscription) {
	forward := func(d multiplexer.Delivery) {
		p.send(Message{Kind: KindEvent, PortID: p.id, SubID: d.SubID, RelayURL: d.Relay, Event: d.Event})
	}
	drain := func() {
		for {
			select {
			case d := <-s.Events():
				forward(d)
			default:
				return
			}
		}
	}
	for {
		select {
		case d := <-s.Events():
			forward(d)
		case <-s.Done():
			drain()
			p.send(Message{Kind: KindSubEnd, PortID: p.id, SubID: s.ID, RelayURL: s.Relay, Reason: s.Reason()})
			return
		case <-p.done:
			return
		}
	}
}
