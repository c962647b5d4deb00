// Package server implements a JSON-RPC 2.0 peer over newline-delimited frames,
// with service registration, a middleware chain, parallel request processing,
// event push and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (single goroutine feeds the frame decoder)
//	  → for each request frame: go handleRequest (parallel processing)
//	    → message.Parse → Middleware Chain → dispatch (HandleFunc or reflect.Call) → Encoder → write response
//
// The same pipeline runs over TCP (Serve) and WebSocket (ServeHTTP), where
// every text message carries one or more frames.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/transport"
)

// MethodSubUnsub toggles event subscriptions for the calling connection.
// Params map event names to true (subscribe) or false (unsubscribe).
const MethodSubUnsub = "ev_subunsub"

// Func is a method registered by name. Its result is marshaled as the
// response result; a returned *message.Error is sent as is.
type Func func(ctx context.Context, params json.RawMessage) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMaxFrameSize bounds every inbound frame; a client exceeding it is
// disconnected.
func WithMaxFrameSize(n int) Option {
	return func(s *Server) { s.maxFrameSize = n }
}

// WithMaxMessageSize bounds one inbound WebSocket message, which may batch
// several frames. Zero picks 16 MiB.
func WithMaxMessageSize(n int) Option {
	return func(s *Server) { s.maxMessageSize = n }
}

// WithCodec sets the codec used for results and the response envelope.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

type advertisement struct {
	reg     registry.Registry
	service string
	addr    string
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	regMu       sync.RWMutex
	serviceMap  map[string]*service     // Registered services: "Arith" → *service
	funcs       map[string]Func         // Methods registered by name: "wallet_status" → Func
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // The final handler chain: middleware(middleware(...(dispatch)))
	buildOnce   sync.Once

	codec          codec.Codec
	encoder        *protocol.Encoder
	maxFrameSize   int
	maxMessageSize int
	log            *zap.Logger

	mu        sync.Mutex
	listeners []net.Listener
	https     []*http.Server
	conns     map[*Conn]struct{}
	adverts   []advertisement

	wg       sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool    // Set to true during shutdown to suppress Accept errors
}

// NewServer creates a new RPC server with an empty service map. The
// ev_subunsub method is always available.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		funcs:      make(map[string]Func),
		conns:      make(map[*Conn]struct{}),
		codec:      codec.JSON,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.encoder = protocol.NewEncoder(s.codec)
	s.funcs[MethodSubUnsub] = subUnsub
	return s
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// Its methods are callable as "Arith.Add".
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.regMu.Lock()
	svr.serviceMap[svc.name] = svc
	svr.regMu.Unlock()
	return nil
}

// HandleFunc registers fn under an exact method name, replacing any earlier one.
func (svr *Server) HandleFunc(method string, fn Func) {
	svr.regMu.Lock()
	svr.funcs[method] = fn
	svr.regMu.Unlock()
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on address and serves network "tcp" or "ws".
func (svr *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	switch network {
	case "", "tcp":
		return svr.Serve(ln)
	case "ws":
		return svr.ServeWebSocket(ln)
	}
	ln.Close()
	return fmt.Errorf("%w: %q", transport.ErrUnknownNetwork, network)
}

// Serve runs the TCP accept loop: one goroutine per connection.
func (svr *Server) Serve(ln net.Listener) error {
	svr.build()
	if !svr.track(ln) {
		return nil
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.serveConn(context.Background(), transport.NewTCPAdapter(conn))
	}
}

// ServeWebSocket serves HTTP on ln, upgrading every request to a WebSocket.
func (svr *Server) ServeWebSocket(ln net.Listener) error {
	svr.build()
	hs := &http.Server{Handler: svr, ReadHeaderTimeout: 10 * time.Second}
	svr.mu.Lock()
	svr.https = append(svr.https, hs)
	svr.mu.Unlock()
	if svr.shutdown.Load() {
		return nil
	}
	if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (svr *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svr.build()
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		svr.log.Debug("websocket accept", zap.Error(err))
		return
	}
	svr.serveConn(r.Context(), transport.NewWSAdapter(ws, svr.maxMessageSize))
}

// Advertise registers addr under service in reg. Shutdown deregisters it
// before closing listeners, so clients stop routing here first.
func (svr *Server) Advertise(ctx context.Context, reg registry.Registry, service string, ep registry.Endpoint, ttl int64) error {
	if err := reg.Register(ctx, service, ep, ttl); err != nil {
		return err
	}
	svr.mu.Lock()
	svr.adverts = append(svr.adverts, advertisement{reg: reg, service: service, addr: ep.Addr})
	svr.mu.Unlock()
	return nil
}

// Broadcast pushes event to every connection subscribed to it and returns how
// many received it.
func (svr *Server) Broadcast(ctx context.Context, event string, result any) int {
	svr.mu.Lock()
	conns := make([]*Conn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if !c.Subscribed(event) {
			continue
		}
		if err := c.Push(ctx, event, result); err != nil {
			svr.log.Debug("push failed", zap.String("event", event), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Shutdown performs graceful shutdown:
//  1. Deregister from every registry (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close listeners (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	svr.mu.Lock()
	adverts := svr.adverts
	svr.adverts = nil
	svr.mu.Unlock()

	var err error
	for _, a := range adverts {
		err = multierr.Append(err, a.reg.Deregister(ctx, a.service, a.addr))
	}

	// Set the flag BEFORE closing listeners, or Serve sees a real Accept error.
	// handleFrame reads it under mu too.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	for _, ln := range svr.listeners {
		ln.Close()
	}
	for _, hs := range svr.https {
		// Hijacked WebSocket connections are closed below with the others.
		hs.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("server: timeout waiting for ongoing requests to finish"))
	}

	svr.mu.Lock()
	for c := range svr.conns {
		c.close()
	}
	svr.mu.Unlock()
	return err
}

func (svr *Server) build() {
	svr.buildOnce.Do(func() {
		// Build the middleware chain once at startup (not per-request)
		svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	})
}

func (svr *Server) track(ln net.Listener) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		ln.Close()
		return false
	}
	svr.listeners = append(svr.listeners, ln)
	return true
}

// serveConn runs the read loop of one connection in a single goroutine (the
// decoder is not shared) and dispatches each request to its own goroutine.
func (svr *Server) serveConn(parent context.Context, adapter transport.Adapter) {
	c := newConn(parent, adapter, svr.encoder, svr.log)
	svr.mu.Lock()
	svr.conns[c] = struct{}{}
	svr.mu.Unlock()

	d := protocol.NewDecoder(protocol.WithMaxFrameSize(svr.maxFrameSize))
	defer func() {
		d.Close()
		c.close()
		svr.mu.Lock()
		delete(svr.conns, c)
		svr.mu.Unlock()
	}()

	for {
		chunk, err := adapter.Read(c.ctx)
		if len(chunk) > 0 {
			frames, ferr := d.Feed(chunk)
			for _, f := range frames {
				svr.handleFrame(c, f)
			}
			if ferr != nil {
				svr.log.Warn("dropping client", zap.Error(ferr))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (svr *Server) handleFrame(c *Conn, f protocol.Frame) {
	if f.Err != nil {
		svr.reply(c, message.NewErrorResponse(message.ID{}, message.NewError(message.CodeParseError, "")))
		return
	}
	msg, err := message.Parse(f.Payload)
	if err != nil {
		svr.reply(c, message.NewErrorResponse(message.ID{}, message.NewError(message.CodeInvalidRequest, "")))
		return
	}
	if !msg.IsRequest() {
		svr.log.Debug("ignoring response from client", zap.Stringer("id", msg.Response().ID))
		return
	}

	req := msg.Request()
	// Add under mu so it never races with Shutdown's Wait: once the flag is
	// set no new request is tracked.
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		if !req.IsNotification() {
			svr.reply(c, message.NewErrorResponse(*req.ID, message.NewError(message.CodeInternalError, "server: shutting down")))
		}
		return
	}
	svr.wg.Add(1)
	svr.mu.Unlock()
	go svr.handleRequest(c, req)
}

// handleRequest runs one request through the middleware chain and writes the
// response. Notifications are executed but never answered.
func (svr *Server) handleRequest(c *Conn, req *message.Request) {
	defer svr.wg.Done()

	resp, err := svr.handler(c.ctx, req)
	if req.IsNotification() {
		return
	}
	if err != nil {
		resp = message.NewErrorResponse(*req.ID, toError(err))
	}
	if resp == nil {
		resp = message.NewResult(*req.ID, nil)
	}
	svr.reply(c, resp)
}

func (svr *Server) reply(c *Conn, resp *message.Response) {
	if err := c.send(c.ctx, resp); err != nil {
		svr.log.Debug("failed to write response", zap.Stringer("id", resp.ID), zap.Error(err))
	}
}

// dispatch is the core handler that routes a request to a registered method.
// It is wrapped by the middleware chain.
//
// Flow: exact name in funcs, else parse "Service.Method" → find service → find
// method → reflect.New(args) → unmarshal params → reflect.Call → marshal reply
func (svr *Server) dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	var id message.ID
	if req.ID != nil {
		id = *req.ID
	}

	var (
		result any
		err    error
	)
	svr.regMu.RLock()
	fn, ok := svr.funcs[req.Method]
	svr.regMu.RUnlock()
	if ok {
		result, err = fn(ctx, req.Params)
	} else {
		result, err = svr.callService(ctx, req)
	}
	if err != nil {
		return message.NewErrorResponse(id, toError(err)), nil
	}

	raw, err := svr.codec.Marshal(result)
	if err != nil {
		svr.log.Error("failed to marshal method result", zap.String("method", req.Method), zap.Error(err))
		return message.NewErrorResponse(id, message.NewError(message.CodeInternalError, "")), nil
	}
	return message.NewResult(id, raw), nil
}

func (svr *Server) callService(ctx context.Context, req *message.Request) (any, error) {
	serviceName, methodName, ok := strings.Cut(req.Method, ".")
	if !ok {
		return nil, message.NewError(message.CodeMethodNotFound, "")
	}
	svr.regMu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.regMu.RUnlock()
	if svc == nil {
		return nil, message.NewError(message.CodeMethodNotFound, "")
	}
	method := svc.method[methodName]
	if method == nil {
		return nil, message.NewError(message.CodeMethodNotFound, "")
	}

	argv := reflect.New(method.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(method.ReplyType) // e.g., reflect.New(Reply) → *Reply
	if len(req.Params) > 0 {
		if err := svr.codec.Unmarshal(req.Params, argv.Interface()); err != nil {
			return nil, message.NewError(message.CodeInvalidParams, err.Error())
		}
	}

	if err := svc.call(ctx, method, argv, replyv); err != nil {
		return nil, err
	}
	return replyv.Interface(), nil
}

// toError turns a handler or middleware failure into the error object sent to
// the client.
func toError(err error) *message.Error {
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return message.NewError(message.CodeInternalError, err.Error())
}

func subUnsub(ctx context.Context, params json.RawMessage) (any, error) {
	c, ok := ConnFromContext(ctx)
	if !ok {
		return nil, message.NewError(message.CodeNotSupported, "")
	}
	var events map[string]bool
	if err := json.Unmarshal(params, &events); err != nil {
		return nil, message.NewError(message.CodeInvalidParams, err.Error())
	}
	c.Subscribe(events)
	return true, nil
}
