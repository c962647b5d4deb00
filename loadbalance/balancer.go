// Package loadbalance picks which endpoint of a service the next call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity wallet nodes
//   - WeightedRandom:  nodes of different capacity
//   - ConsistentHash:  sticky routing by key, e.g. per account
package loadbalance

import (
	"errors"
	"fmt"

	"mini-jsonrpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target endpoint.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Called on every call; must be goroutine-safe.
	Pick(eps []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName maps a config value to a strategy.
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(""), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
