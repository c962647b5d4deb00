package registry

import (
	"context"
	"os"
	"testing"
	"time"
)

// Requires a running etcd; set ETCD_ENDPOINT (e.g. localhost:2379) to enable.
func TestRegisterAndDiscover(t *testing.T) {
	endpoint := os.Getenv("ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("ETCD_ENDPOINT not set")
	}
	reg, err := NewEtcdRegistry([]string{endpoint}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep1 := Endpoint{Addr: "127.0.0.1:10001", Network: "tcp", Weight: 10, Version: "7.2"}
	ep2 := Endpoint{Addr: "127.0.0.1:10002", Network: "ws", Weight: 5, Version: "7.2"}

	if err := reg.Register(ctx, "wallet", ep1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "wallet", ep2, 10); err != nil {
		t.Fatal(err)
	}

	eps, err := reg.Discover(ctx, "wallet")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(eps))
	}

	if err := reg.Deregister(ctx, "wallet", ep1.Addr); err != nil {
		t.Fatal(err)
	}

	eps, err = reg.Discover(ctx, "wallet")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].Addr != ep2.Addr || eps[0].Network != "ws" {
		t.Fatalf("expect only %s after deregister, got %+v", ep2.Addr, eps)
	}

	reg.Deregister(ctx, "wallet", ep2.Addr)
}
