// Package client is the high-level JSON-RPC client: it discovers endpoints in
// a registry, picks one with a balancer, and multiplexes calls over a pool of
// transports per endpoint.
//
//	Call ──→ middleware chain ──→ Registry.Discover ──→ Balancer.Pick ──→ Pool.Get ──→ ClientTransport.Call
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

var ErrClientClosed = errors.New("client: closed")

// Options configures a Client. The zero value of each field picks a default.
type Options struct {
	Balancer          loadbalance.Balancer // default round robin
	PoolSize          int                  // transports per endpoint, default 1
	Codec             codec.Codec
	IDs               func() transport.IDGenerator // one generator per transport; default sequential
	MaxFrameSize      int
	MaxMessageSize    int // WebSocket message bound; may carry many frames
	HeartbeatInterval time.Duration
	KeepAlive         time.Duration
	DialTimeout       time.Duration
	Middlewares       []middleware.Middleware
	Logger            *zap.Logger
}

// Client calls one named service.
type Client struct {
	service  string
	registry registry.Registry
	balancer loadbalance.Balancer
	opts     Options
	log      *zap.Logger
	handler  middleware.HandlerFunc

	mu      sync.Mutex
	pools   map[string]*transport.Pool // pool for each endpoint address
	routers map[*transport.ClientTransport]*eventRouter
	closed  bool
}

// NewClient creates a client for service. Transports are dialed lazily.
func NewClient(service string, reg registry.Registry, opts Options) *Client {
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON
	}
	if opts.IDs == nil {
		opts.IDs = transport.SequentialIDs
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Client{
		service:  service,
		registry: reg,
		balancer: opts.Balancer,
		opts:     opts,
		log:      opts.Logger.With(zap.String("service", service)),
		pools:    make(map[string]*transport.Pool),
		routers:  make(map[*transport.ClientTransport]*eventRouter),
	}
	c.handler = middleware.Chain(opts.Middlewares...)(c.invoke)
	return c
}

// Call invokes method and decodes the result into reply (which may be nil).
// A JSON-RPC error object is returned as a *message.Error.
func (c *Client) Call(ctx context.Context, method string, params any, reply any) error {
	raw, err := c.marshal(params)
	if err != nil {
		return err
	}
	// The id is assigned by the transport the call ends up on.
	resp, err := c.handler(ctx, message.NewRequest(message.ID{}, method, raw))
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := c.opts.Codec.Unmarshal(resp.Result, reply); err != nil {
		return fmt.Errorf("client: decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends method without waiting for (or expecting) a response.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := c.marshal(params)
	if err != nil {
		return err
	}
	_, err = c.handler(ctx, message.NewNotification(method, raw))
	return err
}

// Close shuts every pooled transport down.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.closed = true
	c.mu.Unlock()

	var err error
	for _, p := range pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// invoke is the innermost handler of the chain.
func (c *Client) invoke(ctx context.Context, req *message.Request) (*message.Response, error) {
	ct, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	if req.IsNotification() {
		return nil, ct.Notify(ctx, req.Method, req.Params)
	}
	return ct.Call(ctx, req.Method, req.Params)
}

// transport picks an endpoint and returns a live transport to it.
func (c *Client) transport(ctx context.Context) (*transport.ClientTransport, error) {
	eps, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", c.service, err)
	}
	ep, err := c.balancer.Pick(eps)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", c.service, err)
	}
	pool, err := c.pool(*ep)
	if err != nil {
		return nil, err
	}
	return pool.Get(ctx)
}

func (c *Client) pool(ep registry.Endpoint) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	p, ok := c.pools[ep.Addr]
	if !ok {
		p = transport.NewPool(c.opts.PoolSize, func(ctx context.Context) (*transport.ClientTransport, error) {
			return c.dial(ctx, ep)
		})
		c.pools[ep.Addr] = p
	}
	return p, nil
}

// dial opens one transport to ep. Each transport gets its own event router so
// pushed events reach only the subscriptions made on that connection.
func (c *Client) dial(ctx context.Context, ep registry.Endpoint) (*transport.ClientTransport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	adapter, err := transport.Dial(ctx, ep.Network, ep.Addr, transport.DialOptions{
		KeepAlive:      c.opts.KeepAlive,
		MaxMessageSize: c.opts.MaxMessageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", ep.Addr, err)
	}

	router := newEventRouter(c.log)
	log := c.log.With(zap.String("addr", ep.Addr))
	ct := transport.NewClientTransport(adapter, transport.Options{
		MaxFrameSize:      c.opts.MaxFrameSize,
		HeartbeatInterval: c.opts.HeartbeatInterval,
		IDs:               c.opts.IDs(),
		Codec:             c.opts.Codec,
		OnUnmatched:       router.dispatch,
		Logger:            log,
	})
	log.Debug("connected", zap.String("network", ep.Network))

	c.mu.Lock()
	c.routers[ct] = router
	c.mu.Unlock()
	go func() {
		<-ct.Done()
		c.mu.Lock()
		delete(c.routers, ct)
		c.mu.Unlock()
		router.closeAll(ct.Err())
	}()
	return ct, nil
}

func (c *Client) marshal(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := c.opts.Codec.Marshal(params)
	if err != nil {
		return nil, &protocol.SerializationError{Err: err}
	}
	return raw, nil
}
