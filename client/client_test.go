package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/server"
	"mini-jsonrpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

// startServer runs a wallet-like server on loopback and registers it under
// "wallet" in reg.
func startServer(t *testing.T, reg registry.Registry, name string) (*server.Server, string) {
	t.Helper()
	return startServerAt(t, reg, name, "127.0.0.1:0")
}

func startServerAt(t *testing.T, reg registry.Registry, name, addr string) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer()
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	svr.HandleFunc("whoami", func(ctx context.Context, params json.RawMessage) (any, error) {
		return name, nil
	})
	svr.HandleFunc("tx_status", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, message.NewError(message.CodeInvalidTxID, "")
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	addr = ln.Addr().String()
	if err := reg.Register(context.Background(), "wallet", registry.Endpoint{Addr: addr, Network: "tcp", Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}
	return svr, addr
}

func newClient(t *testing.T, reg registry.Registry, opts Options) *Client {
	t.Helper()
	c := NewClient("wallet", reg, opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, reg, "a")
	c := newClient(t, reg, Options{})

	// Call Arith.Add(1, 2) = 3
	reply := &Reply{}
	if err := c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %v", reply.Result)
	}

	// Call again: Add(10, 20) = 30
	reply2 := &Reply{}
	if err := c.Call(context.Background(), "Arith.Add", &Args{A: 10, B: 20}, reply2); err != nil {
		t.Fatal(err)
	}
	if reply2.Result != 30 {
		t.Fatalf("expect 30, got %v", reply2.Result)
	}
}

func TestClientApplicationError(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, reg, "a")
	c := newClient(t, reg, Options{})

	err := c.Call(context.Background(), "tx_status", map[string]string{"txId": "00"}, nil)
	if !errors.Is(err, message.NewError(message.CodeInvalidTxID, "")) {
		t.Fatalf("expect invalid tx id, got %v", err)
	}
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) || rpcErr.Message != message.CodeText(message.CodeInvalidTxID) {
		t.Fatalf("expect the server message, got %v", err)
	}
}

func TestClientNotify(t *testing.T) {
	reg := registry.NewStaticRegistry()
	svr, _ := startServer(t, reg, "a")
	var pings atomic.Int32
	svr.HandleFunc("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		pings.Add(1)
		return nil, nil
	})
	c := newClient(t, reg, Options{})

	if err := c.Notify(context.Background(), "ping", nil); err != nil {
		t.Fatal(err)
	}
	// A call on the same connection is answered after the notification was read.
	if err := c.Call(context.Background(), "whoami", nil, nil); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for pings.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pings.Load() != 1 {
		t.Fatalf("expect one ping, got %d", pings.Load())
	}
}

func TestClientLoadBalance(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, reg, "a")
	startServer(t, reg, "b")
	c := newClient(t, reg, Options{Balancer: &loadbalance.RoundRobinBalancer{}, PoolSize: 2})

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		var name string
		if err := c.Call(context.Background(), "whoami", nil, &name); err != nil {
			t.Fatal(err)
		}
		seen[name]++
	}
	if seen["a"] != 5 || seen["b"] != 5 {
		t.Fatalf("expect calls spread evenly, got %v", seen)
	}
}

func TestClientNoEndpoints(t *testing.T) {
	c := newClient(t, registry.NewStaticRegistry(), Options{})
	err := c.Call(context.Background(), "whoami", nil, nil)
	if !errors.Is(err, loadbalance.ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}

func TestClientRetryAfterServerRestart(t *testing.T) {
	reg := registry.NewStaticRegistry()
	svr, addr := startServer(t, reg, "a")
	c := newClient(t, reg, Options{
		Middlewares: []middleware.Middleware{middleware.RetryMiddleware(3, 10*time.Millisecond, nil)},
	})
	if err := c.Call(context.Background(), "whoami", nil, nil); err != nil {
		t.Fatal(err)
	}

	// Restart on the same address: the pooled transport is dead and the
	// retry dials a fresh one.
	svr.Shutdown(time.Second)
	startServerAt(t, reg, "b", addr)

	var name string
	if err := c.Call(context.Background(), "whoami", nil, &name); err != nil {
		t.Fatal(err)
	}
	if name != "b" {
		t.Fatalf("expect the new server, got %s", name)
	}
}

func TestClientMiddlewareLogging(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, reg, "a")
	core, logs := observer.New(zapcore.DebugLevel)
	c := newClient(t, reg, Options{
		Middlewares: []middleware.Middleware{middleware.LoggingMiddleware(zap.New(core))},
	})

	c.Call(context.Background(), "whoami", nil, nil)
	c.Call(context.Background(), "tx_status", nil, nil)
	if logs.FilterMessage("call").Len() != 1 || logs.FilterMessage("call returned error").Len() != 1 {
		t.Fatalf("unexpected log entries %v", logs.All())
	}
}

func TestClientWebSocket(t *testing.T) {
	svr := server.NewServer()
	svr.Register(&Arith{})
	hs := httptest.NewServer(svr)
	defer hs.Close()

	reg := registry.NewStaticRegistry()
	reg.Register(context.Background(), "wallet", registry.Endpoint{
		Addr:    strings.TrimPrefix(hs.URL, "http://"),
		Network: "ws",
	}, 0)
	c := newClient(t, reg, Options{HeartbeatInterval: 50 * time.Millisecond, IDs: transport.UUIDIDs})

	var reply Reply
	if err := c.Call(context.Background(), "Arith.Add", Args{A: 2, B: 2}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 4 {
		t.Fatalf("expect 4, got %d", reply.Result)
	}
	c.Close()
}

func TestClientClose(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, reg, "a")
	c := NewClient("wallet", reg, Options{})
	if err := c.Call(context.Background(), "whoami", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Call(context.Background(), "whoami", nil, nil); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expect ErrClientClosed, got %v", err)
	}
}
