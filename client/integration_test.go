package client

import (
	"context"
	"os"
	"testing"
	"time"

	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/registry"
)

// TestMultiServerWithEtcd 多实例 + 负载均衡 + etcd
// 链路: Client → Registry(etcd) → LB → Pool → Decoder/Encoder → Middleware → Server → 反射调用
//
// Requires a running etcd; set ETCD_ENDPOINT (e.g. localhost:2379) to enable.
func TestMultiServerWithEtcd(t *testing.T) {
	endpoint := os.Getenv("ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("ETCD_ENDPOINT not set")
	}

	// 1. 连接 etcd
	reg, err := registry.NewEtcdRegistry([]string{endpoint}, nil)
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	// 2. 启动 2 个 Server 并通过 Advertise 注册到 etcd
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	local := registry.NewStaticRegistry()
	for _, name := range []string{"a", "b"} {
		svr, addr := startServer(t, local, name)
		ep := registry.Endpoint{Addr: addr, Network: "tcp", Weight: 10}
		if err := svr.Advertise(ctx, reg, "wallet-it", ep, 10); err != nil {
			t.Fatalf("failed to register: %v", err)
		}
	}

	// 3. 创建 Client（用同一个 registry 做服务发现）
	cli := NewClient("wallet-it", reg, Options{Balancer: &loadbalance.RoundRobinBalancer{}})
	defer cli.Close()

	// 4. 发 10 个请求，验证全部正确且两个实例都被访问
	seen := map[string]bool{}
	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		if err := cli.Call(ctx, "Arith.Add", &Args{A: i, B: i * 10}, reply); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if expected := i + i*10; reply.Result != expected {
			t.Fatalf("request %d: expect %d, got %d", i, expected, reply.Result)
		}
		var name string
		if err := cli.Call(ctx, "whoami", nil, &name); err != nil {
			t.Fatal(err)
		}
		seen[name] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expect both instances used, got %v", seen)
	}
}
