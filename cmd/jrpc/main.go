package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-jsonrpc/client"
	"mini-jsonrpc/config"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/server"
)

var (
	configFlag   string
	addrFlag     string
	logLevelFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "jrpc",
		Short:         "Newline-delimited JSON-RPC 2.0 client and test server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to jrpc.toml")
	rootCmd.PersistentFlags().StringVarP(&addrFlag, "addr", "a", "", "Endpoints to use instead of the registry (host:port or ws://host:port/path, comma separated)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error, off)")

	rootCmd.AddCommand(
		callCmd(),
		notifyCmd(),
		subscribeCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jrpc:", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// callCmd
// ---------------------------------------------------------------------------

func callCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call METHOD [PARAMS]",
		Short: "Call a method and print its result",
		Example: `  jrpc call wallet_status
  jrpc call tx_list '{"count":10}' --addr 127.0.0.1:10000`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup()
			if err != nil {
				return err
			}
			defer env.close()

			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			if timeout == 0 {
				timeout = env.cfg.Client.CallTimeout.Duration
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var result json.RawMessage
			if err := env.client.Call(ctx, args[0], params, &result); err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Call timeout (default client.call_timeout)")
	return cmd
}

// ---------------------------------------------------------------------------
// notifyCmd
// ---------------------------------------------------------------------------

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify METHOD [PARAMS]",
		Short: "Send a notification (no response expected)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup()
			if err != nil {
				return err
			}
			defer env.close()

			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			return env.client.Notify(cmd.Context(), args[0], params)
		},
	}
}

// ---------------------------------------------------------------------------
// subscribeCmd
// ---------------------------------------------------------------------------

func subscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe EVENT...",
		Short: "Subscribe to pushed events and print them as JSON lines",
		Example: `  jrpc subscribe ev_sync_progress ev_system_state
  jrpc subscribe ev_txs_changed --addr ws://127.0.0.1:8080/api`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup()
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := json.NewEncoder(cmd.OutOrStdout())
			sub, err := env.client.Subscribe(ctx, func(event string, payload json.RawMessage) {
				out.Encode(map[string]any{"event": event, "result": payload})
			}, args...)
			if err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return sub.Close(closeCtx)
			case <-sub.Done():
				return sub.Err()
			}
		},
	}
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var eventInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo wallet server for testing clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			svr := newDemoServer(log, cfg.Server)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			served := make(chan error, 1)
			go func() {
				served <- svr.srv.ListenAndServe(cfg.Server.Network, cfg.Server.Listen)
			}()
			log.Info("serving", zap.String("network", cfg.Server.Network), zap.String("listen", cfg.Server.Listen))

			if cfg.Server.Advertise != "" {
				reg, closeReg, err := buildRegistry(cfg, log)
				if err != nil {
					return err
				}
				defer closeReg()
				ep := registry.Endpoint{Addr: cfg.Server.Advertise, Network: cfg.Server.Network, Weight: 1}
				if err := svr.srv.Advertise(ctx, reg, cfg.Client.Service, ep, cfg.Registry.TTL); err != nil {
					return fmt.Errorf("advertise: %w", err)
				}
			}

			go svr.run(ctx, eventInterval)

			select {
			case err := <-served:
				return err
			case <-ctx.Done():
				log.Info("shutting down")
				return svr.srv.Shutdown(cfg.Server.ShutdownTimeout.Duration)
			}
		},
	}
	cmd.Flags().DurationVar(&eventInterval, "event-interval", 2*time.Second, "How often to push ev_system_state")
	return cmd
}

type env struct {
	cfg    *config.Config
	log    *zap.Logger
	client *client.Client
	closer func()
}

func (e *env) close() {
	e.closer()
	e.log.Sync()
}

func setup() (*env, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	reg, closeReg, err := buildRegistry(cfg, log)
	if err != nil {
		return nil, err
	}
	c, err := buildClient(cfg, reg, log)
	if err != nil {
		closeReg()
		return nil, err
	}
	return &env{
		cfg:    cfg,
		log:    log,
		client: c,
		closer: func() {
			c.Close()
			closeReg()
		},
	}, nil
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, err
	}
	if addrFlag != "" {
		eps, err := config.ParseEndpoints(addrFlag)
		if err != nil {
			return nil, nil, fmt.Errorf("--addr: %w", err)
		}
		cfg.Registry.Kind = "static"
		cfg.Registry.Endpoints = eps
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func parseParams(args []string) (json.RawMessage, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	raw := json.RawMessage(args[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid JSON: %s", args[0])
	}
	return raw, nil
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// demoServer is the peer started by `jrpc serve`.
type demoServer struct {
	srv    *server.Server
	height int64
}
