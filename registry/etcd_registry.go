package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Each service instance is one key with a TTL lease:
//
//	Key:   /mini-jsonrpc/{service}/{addr}
//	Value: JSON-encoded Endpoint
//
// If the process holding the lease dies, the lease expires and the endpoint
// disappears on its own.
const keyPrefix = "/mini-jsonrpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: log}, nil
}

func serviceKey(service string) string {
	return keyPrefix + service + "/"
}

// Register stores ep under a lease of ttl seconds and keeps the lease alive
// until ctx ends. leaseID stays local so one registry can serve several
// services concurrently.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(service)+ep.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("service", service), zap.String("addr", ep.Addr))
	}()
	return nil
}

// Deregister removes an endpoint immediately instead of waiting for its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	_, err := r.client.Delete(ctx, serviceKey(service)+addr)
	return err
}

// Watch re-reads the full endpoint list whenever anything under the service
// prefix changes, and emits it.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix())
		for range watchChan {
			eps, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn("discover after watch event", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered endpoints for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key))
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
