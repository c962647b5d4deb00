package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/registry"
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

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// startServer serves svr on a loopback TCP listener.
func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return ln.Addr().String()
}

func dial(t *testing.T, addr string, opts transport.Options) *transport.ClientTransport {
	t.Helper()
	adapter, err := transport.DialTCP(context.Background(), addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	ct := transport.NewClientTransport(adapter, opts)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func newArithServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(opts...)
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	svr.HandleFunc("wallet_status", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"current_height": 1042, "is_in_sync": true}, nil
	})
	return svr
}

func TestServer(t *testing.T) {
	addr := startServer(t, newArithServer(t))
	ct := dial(t, addr, transport.Options{})

	cases := []struct {
		method string
		args   Args
		expect int
	}{
		{"Arith.Add", Args{1, 2}, 3},
		{"Arith.Add", Args{10, 20}, 30},
		{"Arith.Div", Args{10, 2}, 5},
	}
	for _, tc := range cases {
		resp, err := ct.Call(context.Background(), tc.method, tc.args)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Error != nil {
			t.Fatalf("%s: unexpected error %v", tc.method, resp.Error)
		}
		var reply Reply
		if err := json.Unmarshal(resp.Result, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Result != tc.expect {
			t.Fatalf("%s: expect %d, got %d", tc.method, tc.expect, reply.Result)
		}
	}

	resp, err := ct.Call(context.Background(), "wallet_status", nil)
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		CurrentHeight int  `json:"current_height"`
		IsInSync      bool `json:"is_in_sync"`
	}
	json.Unmarshal(resp.Result, &status)
	if status.CurrentHeight != 1042 || !status.IsInSync {
		t.Fatalf("unexpected status %s", resp.Result)
	}
}

func TestServerErrors(t *testing.T) {
	addr := startServer(t, newArithServer(t))
	ct := dial(t, addr, transport.Options{})

	cases := []struct {
		method string
		params any
		code   int
	}{
		{"Arith.Sub", Args{1, 2}, message.CodeMethodNotFound},
		{"Nope.Add", nil, message.CodeMethodNotFound},
		{"tx_send", nil, message.CodeMethodNotFound},
		{"Arith.Add", json.RawMessage(`{"A":"x"}`), message.CodeInvalidParams},
		{"Arith.Div", Args{1, 0}, message.CodeInternalError},
		{"ev_subunsub", json.RawMessage(`[1]`), message.CodeInvalidParams},
	}
	for _, tc := range cases {
		resp, err := ct.Call(context.Background(), tc.method, tc.params)
		if err != nil {
			t.Fatalf("%s: %v", tc.method, err)
		}
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("%s: expect code %d, got %+v", tc.method, tc.code, resp.Error)
		}
	}
}

func TestServerMalformedFrames(t *testing.T) {
	addr := startServer(t, newArithServer(t))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Garbage, a non JSON-RPC object and a notification, then a real call.
	conn.Write([]byte("ABCDE\n" + `{"hello":1}` + "\n" +
		`{"jsonrpc":"2.0","method":"Arith.Add","params":{"A":1,"B":1}}` + "\n" +
		`{"jsonrpc":"2.0","id":"x","method":"Arith.Add","params":{"A":2,"B":3}}` + "\n"))

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []message.Message
	for len(got) < 3 {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v (got %d responses)", err, len(got))
		}
		var m message.Message
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatal(err)
		}
		got = append(got, m)
	}

	codes := map[int]bool{}
	var answered bool
	for _, m := range got {
		if m.Error != nil {
			if m.ID != nil {
				t.Fatalf("expect null id on %v", m.Error)
			}
			codes[m.Error.Code] = true
			continue
		}
		if m.ID.String() != "x" || string(m.Result) != `{"Result":5}` {
			t.Fatalf("unexpected response %+v", m)
		}
		answered = true
	}
	if !codes[message.CodeParseError] || !codes[message.CodeInvalidRequest] || !answered {
		t.Fatalf("expect parse error, invalid request and one answer, got %+v", got)
	}
}

func TestServerEvents(t *testing.T) {
	svr := newArithServer(t)
	addr := startServer(t, svr)

	events := make(chan *message.Response, 4)
	ct := dial(t, addr, transport.Options{OnUnmatched: func(r *message.Response) { events <- r }})
	dial(t, addr, transport.Options{}) // connected but not subscribed

	resp, err := ct.Call(context.Background(), MethodSubUnsub, map[string]bool{"ev_sync_progress": true})
	if err != nil || string(resp.Result) != "true" {
		t.Fatalf("expect subscription ack, got %v %v", resp, err)
	}

	if n := svr.Broadcast(context.Background(), "ev_sync_progress", map[string]int{"done": 1, "total": 2}); n != 1 {
		t.Fatalf("expect one subscriber, got %d", n)
	}
	if n := svr.Broadcast(context.Background(), "ev_system_state", nil); n != 0 {
		t.Fatalf("expect no subscribers, got %d", n)
	}
	select {
	case ev := <-events:
		if ev.ID.String() != "ev_sync_progress" || string(ev.Result) != `{"done":1,"total":2}` {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expect pushed event")
	}

	ct.Call(context.Background(), MethodSubUnsub, map[string]bool{"ev_sync_progress": false})
	if n := svr.Broadcast(context.Background(), "ev_sync_progress", nil); n != 0 {
		t.Fatalf("expect unsubscribed, got %d", n)
	}
}

func TestServerMiddleware(t *testing.T) {
	var seen atomic.Int32
	svr := newArithServer(t)
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			seen.Add(1)
			return next(ctx, req)
		}
	})
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	addr := startServer(t, svr)
	ct := dial(t, addr, transport.Options{})

	if resp, err := ct.Call(context.Background(), "Arith.Add", Args{1, 1}); err != nil || resp.Error != nil {
		t.Fatalf("first call should pass: %v %v", err, resp)
	}
	resp, err := ct.Call(context.Background(), "Arith.Add", Args{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "rate limit") {
		t.Fatalf("expect rate limit error, got %+v", resp)
	}
	if seen.Load() != 2 {
		t.Fatalf("expect middleware to see 2 calls, got %d", seen.Load())
	}
}

func TestServerWebSocket(t *testing.T) {
	svr := newArithServer(t)
	hs := httptest.NewServer(svr)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adapter, err := transport.Dial(ctx, "ws", strings.TrimPrefix(hs.URL, "http://"), transport.DialOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ct := transport.NewClientTransport(adapter, transport.Options{})
	defer ct.Close()

	resp, err := ct.Call(ctx, "Arith.Add", Args{4, 5})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Result) != `{"Result":9}` {
		t.Fatalf("expect 9, got %s", resp.Result)
	}
}

func TestServerFrameTooLarge(t *testing.T) {
	addr := startServer(t, newArithServer(t, WithMaxFrameSize(64)))
	ct := dial(t, addr, transport.Options{})

	_, err := ct.Call(context.Background(), "Arith.Add", map[string]string{"A": strings.Repeat("x", 128)})
	if err == nil {
		t.Fatal("expect the server to drop the connection")
	}
	<-ct.Done()
}

func TestServerShutdown(t *testing.T) {
	svr := newArithServer(t)
	release := make(chan struct{})
	svr.HandleFunc("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return "done", nil
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()

	reg := registry.NewStaticRegistry()
	ep := registry.Endpoint{Addr: ln.Addr().String(), Network: "tcp"}
	if err := svr.Advertise(context.Background(), reg, "wallet", ep, 10); err != nil {
		t.Fatal(err)
	}

	ct := dial(t, ln.Addr().String(), transport.Options{})
	_, ch, err := ct.Send(context.Background(), "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("expect graceful shutdown, got %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("expect Serve to return nil, got %v", err)
	}

	res := <-ch
	if res.Err != nil || string(res.Response.Result) != `"done"` {
		t.Fatalf("expect in-flight call to finish, got %+v", res)
	}
	if eps, _ := reg.Discover(context.Background(), "wallet"); len(eps) != 0 {
		t.Fatalf("expect deregistered, got %v", eps)
	}
}

// 关闭过程中同一连接上的新请求不再执行, 直接收到错误.
func TestServerShutdownRejectsNewRequests(t *testing.T) {
	svr := newArithServer(t)
	release := make(chan struct{})
	var ran atomic.Int32
	svr.HandleFunc("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return "done", nil
	})
	svr.HandleFunc("count", func(ctx context.Context, params json.RawMessage) (any, error) {
		ran.Add(1)
		return nil, nil
	})
	addr := startServer(t, svr)
	ct := dial(t, addr, transport.Options{})

	_, slow, err := ct.Send(context.Background(), "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	shut := make(chan error, 1)
	go func() { shut <- svr.Shutdown(2 * time.Second) }()
	for !svr.shutdown.Load() {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := ct.Call(ctx, "count", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(resp.Err(), message.NewError(message.CodeInternalError, "")) {
		t.Fatalf("expect internal error, got %v", resp.Err())
	}
	if ran.Load() != 0 {
		t.Fatal("expect no new request to run after shutdown began")
	}

	close(release)
	if err := <-shut; err != nil {
		t.Fatalf("expect graceful shutdown, got %v", err)
	}
	if res := <-slow; res.Err != nil || string(res.Response.Result) != `"done"` {
		t.Fatalf("expect in-flight call to finish, got %+v", res)
	}
}

func TestServerShutdownTimeout(t *testing.T) {
	svr := newArithServer(t)
	block := make(chan struct{})
	defer close(block)
	svr.HandleFunc("stuck", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-block
		return nil, nil
	})
	addr := startServer(t, svr)
	ct := dial(t, addr, transport.Options{})
	ct.Send(context.Background(), "stuck", nil)
	time.Sleep(50 * time.Millisecond)

	if err := svr.Shutdown(50 * time.Millisecond); err == nil {
		t.Fatal("expect timeout error")
	}
}

func TestRegisterRejectsBadReceivers(t *testing.T) {
	svr := NewServer()
	if err := svr.Register(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	type empty struct{}
	if err := svr.Register(&empty{}); err == nil {
		t.Fatal("expect error for receiver without rpc methods")
	}
}
