package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// Factory dials a fresh ClientTransport.
type Factory func(ctx context.Context) (*ClientTransport, error)

// Pool keeps up to size multiplexed transports to one address. Transports are
// shared, not borrowed: Get hands out the next live one round robin. A
// transport that has shut down is dropped and replaced by a newly dialed one,
// so its decoder and pending table are never reused.
type Pool struct {
	mu      sync.Mutex
	conns   []*ClientTransport
	size    int
	next    int
	factory Factory
	closed  bool

	dialing int           // dials in flight
	dialed  chan struct{} // closed and replaced whenever a dial finishes
}

// NewPool creates an empty pool. Connections are dialed lazily.
func NewPool(size int, factory Factory) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size, factory: factory, dialed: make(chan struct{})}
}

// Get returns a live transport, dialing one if the pool is below size. The
// dial runs without the lock held, so callers keep getting live transports
// while it is in flight. A caller finding no live transport and no free slot
// waits for a pending dial to finish.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		p.prune()

		if len(p.conns)+p.dialing < p.size {
			p.dialing++
			p.mu.Unlock()
			return p.dial(ctx)
		}
		if len(p.conns) > 0 {
			t := p.pick()
			p.mu.Unlock()
			return t, nil
		}
		wait := p.dialed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) dial(ctx context.Context) (*ClientTransport, error) {
	t, err := p.factory(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	close(p.dialed)
	p.dialed = make(chan struct{})

	if p.closed {
		if t != nil {
			t.Close()
		}
		return nil, ErrPoolClosed
	}
	if err != nil {
		p.prune()
		if len(p.conns) > 0 {
			// Fall back to what we have.
			return p.pick(), nil
		}
		return nil, err
	}
	p.conns = append(p.conns, t)
	return t, nil
}

// Len returns the number of live transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	return len(p.conns)
}

// Close shuts every transport down.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, t := range conns {
		err = multierr.Append(err, t.Close())
	}
	return err
}

func (p *Pool) pick() *ClientTransport {
	t := p.conns[p.next%len(p.conns)]
	p.next++
	return t
}

func (p *Pool) prune() {
	live := p.conns[:0]
	for _, t := range p.conns {
		select {
		case <-t.Done():
		default:
			live = append(live, t)
		}
	}
	for i := len(live); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = live
}
