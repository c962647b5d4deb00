package server

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"mini-jsonrpc/message"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/transport"
)

type connKey struct{}

// Conn is one client connection as seen by handlers. It is safe for
// concurrent use; every write is a whole frame.
type Conn struct {
	adapter transport.Adapter
	encoder *protocol.Encoder
	log     *zap.Logger

	writeMu sync.Mutex // Per-connection write lock, shared by all requests on this conn

	subsMu sync.Mutex
	subs   map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(parent context.Context, adapter transport.Adapter, encoder *protocol.Encoder, log *zap.Logger) *Conn {
	c := &Conn{
		adapter: adapter,
		encoder: encoder,
		log:     log,
		subs:    make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithValue(parent, connKey{}, c))
	return c
}

// ConnFromContext returns the connection a handler is serving.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}

// Push sends an event: a response whose id is the event name, answering no
// request. Clients route it to their subscription handler.
func (c *Conn) Push(ctx context.Context, event string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return &protocol.SerializationError{Err: err}
	}
	return c.send(ctx, message.NewResult(message.StringID(event), raw))
}

// Notify sends a server-initiated notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &protocol.SerializationError{Err: err}
	}
	return c.send(ctx, message.NewNotification(method, raw))
}

// Subscribe turns events on or off for this connection.
func (c *Conn) Subscribe(events map[string]bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ev, on := range events {
		if on {
			c.subs[ev] = true
		} else {
			delete(c.subs, ev)
		}
	}
}

// Subscribed reports whether the client asked for event.
func (c *Conn) Subscribed(event string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs[event]
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Conn) send(ctx context.Context, v any) error {
	frame, err := c.encoder.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ctx.Err(); err != nil {
		return transport.ErrClosed
	}
	if err := c.adapter.Write(ctx, frame); err != nil {
		c.close()
		return &transport.Error{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.adapter.Close(); err != nil {
			c.log.Debug("close connection", zap.Error(err))
		}
	})
}
