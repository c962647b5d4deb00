// Package transport implements the per-connection JSON-RPC client: one duplex
// connection, one frame decoder, one pending-request table.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ Encoder ──→ Adapter.Write ──→ peer
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop: Adapter.Read ──→ Decoder.Feed ──→ frames ──┬─ response(id=2) → pending.Resolve → goroutine-2
//	                                                     ├─ unmatched response (pushed event) → OnUnmatched
//	                                                     └─ request from peer → OnRequest
//
// When the connection ends, for whatever reason, the residual buffer is
// dropped silently and every pending request fails with
// pending.ErrConnectionClosed. A ClientTransport is never reconnected; dial a
// new one instead.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
	"mini-jsonrpc/pending"
	"mini-jsonrpc/protocol"
)

// Options configures a ClientTransport. The zero value is usable.
type Options struct {
	MaxFrameSize      int           // 0 means unbounded
	HeartbeatInterval time.Duration // ping period for adapters that implement Pinger; 0 disables
	IDs               IDGenerator
	Codec             codec.Codec

	// OnUnmatched receives responses no request is waiting for, e.g. pushed
	// events whose id is the event name. Called from the receive goroutine.
	OnUnmatched func(*message.Response)
	// OnRequest receives calls and notifications initiated by the peer.
	// Called from the receive goroutine.
	OnRequest func(*message.Request)

	Logger *zap.Logger
}

// Result is what a pending call eventually receives.
type Result struct {
	Response *message.Response
	Err      error
}

// ClientTransport multiplexes concurrent calls over one connection.
type ClientTransport struct {
	adapter Adapter
	decoder *protocol.Decoder
	encoder *protocol.Encoder
	codec   codec.Codec
	pending *pending.Table
	ids     IDGenerator
	opts    Options
	log     *zap.Logger

	sending sync.Mutex // serializes whole frames on the wire

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	done      chan struct{}
	readDone  chan struct{}
}

// NewClientTransport takes ownership of adapter and starts the receive loop
// and, if configured, the heartbeat loop.
func NewClientTransport(adapter Adapter, opts Options) *ClientTransport {
	if opts.IDs == nil {
		opts.IDs = SequentialIDs()
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ClientTransport{
		adapter:  adapter,
		decoder:  protocol.NewDecoder(protocol.WithMaxFrameSize(opts.MaxFrameSize)),
		encoder:  protocol.NewEncoder(opts.Codec),
		codec:    opts.Codec,
		pending:  pending.NewTable(),
		ids:      opts.IDs,
		opts:     opts,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go t.recvLoop()
	if p, ok := adapter.(Pinger); ok && opts.HeartbeatInterval > 0 {
		go t.heartbeatLoop(p, opts.HeartbeatInterval)
	}
	return t
}

// Send writes a call and returns its id and a channel that receives exactly
// one Result. A request that cannot be serialized fails before an id is drawn.
func (t *ClientTransport) Send(ctx context.Context, method string, params any) (message.ID, <-chan Result, error) {
	raw, err := t.marshalParams(params)
	if err != nil {
		return message.ID{}, nil, err
	}
	// The id itself always encodes cleanly, so a null id stands in for it.
	if _, err := t.encoder.Encode(message.NewRequest(message.ID{}, method, raw)); err != nil {
		return message.ID{}, nil, err
	}

	id := t.ids()
	frame, err := t.encoder.Encode(message.NewRequest(id, method, raw))
	if err != nil {
		return message.ID{}, nil, err
	}

	// Register before writing: the response may arrive before Write returns.
	ch := make(chan Result, 1)
	err = t.pending.Register(id, func(resp *message.Response, err error) {
		ch <- Result{Response: resp, Err: err}
	})
	if err != nil {
		if errors.Is(err, pending.ErrConnectionClosed) {
			return message.ID{}, nil, t.closedErr()
		}
		return message.ID{}, nil, err
	}

	if err := t.write(ctx, frame); err != nil {
		t.pending.Cancel(id, err)
		return message.ID{}, nil, err
	}
	return id, ch, nil
}

// Call sends a request and waits for its response. If ctx ends first the
// pending entry is cancelled and a late response is reported as unmatched.
// A JSON-RPC error object is returned as the response, not as err.
func (t *ClientTransport) Call(ctx context.Context, method string, params any) (*message.Response, error) {
	id, ch, err := t.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Response, t.wrapResultErr(res.Err)
	case <-ctx.Done():
		if t.pending.Cancel(id, ctx.Err()) {
			return nil, ctx.Err()
		}
		// Resolved concurrently; the result is already buffered.
		res := <-ch
		return res.Response, t.wrapResultErr(res.Err)
	}
}

// Notify writes a request without an id. No response is expected.
func (t *ClientTransport) Notify(ctx context.Context, method string, params any) error {
	raw, err := t.marshalParams(params)
	if err != nil {
		return err
	}
	frame, err := t.encoder.Encode(message.NewNotification(method, raw))
	if err != nil {
		return err
	}
	return t.write(ctx, frame)
}

// Reply answers a request the peer sent us.
func (t *ClientTransport) Reply(ctx context.Context, resp *message.Response) error {
	frame, err := t.encoder.Encode(resp)
	if err != nil {
		return err
	}
	return t.write(ctx, frame)
}

// Pending returns the number of calls awaiting a response.
func (t *ClientTransport) Pending() int {
	return t.pending.Len()
}

// Done is closed once the transport has shut down.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport shut down, or nil while it is open.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close shuts the connection down and waits for the receive loop to exit.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	<-t.readDone
	return nil
}

// recvLoop is the only reader of the adapter and the only user of the decoder.
func (t *ClientTransport) recvLoop() {
	defer close(t.readDone)
	defer func() {
		if n := t.decoder.Close(); n > 0 {
			t.log.Debug("dropped partial frame on close", zap.Int("bytes", n))
		}
	}()

	for {
		chunk, err := t.adapter.Read(t.ctx)
		if len(chunk) > 0 {
			frames, ferr := t.decoder.Feed(chunk)
			for _, f := range frames {
				t.dispatch(f)
			}
			if ferr != nil {
				t.log.Warn("closing connection", zap.Error(ferr))
				t.shutdown(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, ErrClosed) {
				t.shutdown(ErrClosed)
			} else {
				t.shutdown(&Error{Op: "read", Err: err})
			}
			return
		}
	}
}

func (t *ClientTransport) dispatch(f protocol.Frame) {
	if f.Err != nil {
		t.log.Warn("skipping malformed frame", zap.Error(f.Err))
		return
	}
	msg, err := message.Parse(f.Payload)
	if err != nil {
		t.log.Warn("skipping invalid message", zap.Error(err), zap.ByteString("payload", f.Payload))
		return
	}

	if msg.IsRequest() {
		if t.opts.OnRequest == nil {
			t.log.Debug("no handler for peer request", zap.String("method", msg.Method))
			return
		}
		t.opts.OnRequest(msg.Request())
		return
	}

	resp := msg.Response()
	// A null id matches nothing; it reports a request the peer could not read.
	if resp.ID.IsZero() || t.pending.Resolve(resp.ID, resp) != nil {
		if t.opts.OnUnmatched == nil {
			t.log.Debug("unmatched response", zap.Stringer("id", resp.ID))
			return
		}
		t.opts.OnUnmatched(resp)
	}
}

// heartbeatLoop pings the peer so a dead connection is noticed even when no
// calls are in flight.
func (t *ClientTransport) heartbeatLoop(p Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(t.ctx, interval)
			err := p.Ping(ctx)
			cancel()
			if err != nil && t.ctx.Err() == nil {
				t.log.Warn("heartbeat failed", zap.Error(err))
				t.shutdown(&Error{Op: "ping", Err: err})
				return
			}
		}
	}
}

func (t *ClientTransport) write(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return t.closedErr()
	default:
	}

	t.sending.Lock()
	err := t.adapter.Write(ctx, frame)
	t.sending.Unlock()
	if err != nil {
		// A partial write leaves the stream unframeable.
		werr := &Error{Op: "write", Err: err}
		t.shutdown(werr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return werr
	}
	return nil
}

func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = cause
		t.mu.Unlock()

		t.cancel()
		if err := t.adapter.Close(); err != nil {
			t.log.Debug("adapter close", zap.Error(err))
		}
		if n := t.pending.DrainOnClose(); n > 0 {
			t.log.Info("failed pending requests on close", zap.Int("count", n), zap.NamedError("cause", cause))
		}
		close(t.done)
	})
}

func (t *ClientTransport) closedErr() error {
	if err := t.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return errors.Join(pending.ErrConnectionClosed, err)
	}
	return pending.ErrConnectionClosed
}

func (t *ClientTransport) wrapResultErr(err error) error {
	if errors.Is(err, pending.ErrConnectionClosed) {
		return t.closedErr()
	}
	return err
}

func (t *ClientTransport) marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := t.codec.Marshal(params)
	if err != nil {
		return nil, &protocol.SerializationError{Err: err}
	}
	return raw, nil
}
