// Package registry tells the client where a JSON-RPC service can be reached.
package registry

import "context"

// Endpoint is one reachable instance of a service.
type Endpoint struct {
	Addr    string `json:"addr" toml:"addr"`
	Network string `json:"network" toml:"network"` // "tcp", "ws" or "wss"
	Weight  int    `json:"weight" toml:"weight"`   // Weight for load balancing
	Version string `json:"version,omitempty" toml:"version"`
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
