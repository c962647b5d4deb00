package main

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-jsonrpc/client"
	"mini-jsonrpc/config"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/server"
	"mini-jsonrpc/transport"
)

// buildRegistry returns the configured registry and a func releasing it.
func buildRegistry(cfg *config.Config, log *zap.Logger) (registry.Registry, func(), error) {
	if cfg.Registry.Kind == "etcd" {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Etcd, log.Named("etcd"))
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	}

	reg := registry.NewStaticRegistry()
	for _, ep := range cfg.Registry.Endpoints {
		if err := reg.Register(context.Background(), cfg.Client.Service, ep, 0); err != nil {
			return nil, nil, err
		}
	}
	return reg, func() {}, nil
}

// buildClient maps the client section onto client.Options. Middlewares run
// outermost first: logging, rate limit, retry, then the per-attempt timeout.
func buildClient(cfg *config.Config, reg registry.Registry, log *zap.Logger) (*client.Client, error) {
	cc := cfg.Client
	bal, err := loadbalance.ByName(cc.Balancer)
	if err != nil {
		return nil, err
	}
	if _, err := transport.IDsByName(cc.IDs); err != nil {
		return nil, err
	}
	// Each transport gets its own generator so sequences start at 1 per connection.
	newIDs := func() transport.IDGenerator {
		ids, _ := transport.IDsByName(cc.IDs)
		return ids
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if cc.RateLimit > 0 {
		burst := cc.RateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimitMiddleware(cc.RateLimit, burst))
	}
	if cc.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cc.Retries, cc.RetryDelay.Duration, log))
	}
	if cc.CallTimeout.Duration > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cc.CallTimeout.Duration))
	}

	return client.NewClient(cc.Service, reg, client.Options{
		Balancer:          bal,
		PoolSize:          cc.PoolSize,
		IDs:               newIDs,
		MaxFrameSize:      cc.MaxFrameSize,
		MaxMessageSize:    cc.MaxMessageSize,
		HeartbeatInterval: cc.Heartbeat.Duration,
		KeepAlive:         cc.KeepAlive.Duration,
		DialTimeout:       cc.DialTimeout.Duration,
		Middlewares:       mws,
		Logger:            log,
	}), nil
}

func newDemoServer(log *zap.Logger, sc config.ServerConfig) *demoServer {
	d := &demoServer{
		srv: server.NewServer(
			server.WithLogger(log),
			server.WithMaxFrameSize(sc.MaxFrameSize),
			server.WithMaxMessageSize(sc.MaxMessageSize),
		),
		height: 1,
	}
	d.srv.Use(middleware.LoggingMiddleware(log))
	d.srv.HandleFunc("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		if params == nil {
			return nil, nil
		}
		return params, nil
	})
	d.srv.HandleFunc("wallet_status", func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.status(), nil
	})
	return d
}

type systemState struct {
	CurrentHeight int64 `json:"current_height"`
	IsInSync      bool  `json:"is_in_sync"`
}

func (d *demoServer) status() systemState {
	return systemState{CurrentHeight: atomic.LoadInt64(&d.height), IsInSync: true}
}

// run advances the fake chain and pushes ev_system_state until ctx ends.
func (d *demoServer) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			atomic.AddInt64(&d.height, 1)
			d.srv.Broadcast(ctx, client.EventSystemState, d.status())
		}
	}
}
