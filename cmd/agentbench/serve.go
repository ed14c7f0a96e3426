package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbench/internal/gateway"
	"github.com/jkaninda/agentbench/internal/gateway/httpapi"
	"github.com/jkaninda/agentbench/internal/mcpserver"
	"github.com/jkaninda/agentbench/internal/ratelimit"
)

var (
	serveAddr       string
	serveStdio      bool
	serveEnableRuns bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sandbox tools over MCP",
	Long: `Expose the sandbox tool registry and the task prompts as an MCP server.

By default the server speaks streamable HTTP at mcp.server.path on
mcp.server.addr, next to /healthz, /readyz, /metrics and the /v1 run history
API. With --stdio it speaks MCP over stdin/stdout instead and serves nothing
else.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override the listen address (e.g. :8000)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve MCP over stdin/stdout")
	serveCmd.Flags().BoolVar(&serveEnableRuns, "enable-runs", false, "allow POST /v1/runs to start agent runs")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.MCP.Server.Addr = serveAddr
	}

	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := mcpserver.New(sc.ToolReg, sc.Tasks, version, logger)
	if err != nil {
		return err
	}
	// One lock for every path into the sandbox: MCP tool calls and HTTP runs.
	sandboxMu := &sync.Mutex{}
	srv.WithObservability(sc.Obs).WithLock(sandboxMu)

	if serveStdio {
		logger.Info("serving MCP over stdio", slog.Any("tools", sc.ToolReg.List()))
		return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.ListenAddr(),
		EnableDocs: cfg.MCP.Server.Docs,
		APIKeys:    cfg.MCP.Server.APIKeys,
	}
	if obs := sc.Obs; obs != nil {
		gwCfg.HealthChecker = obs.Health
		if m := obs.MetricsOrNil(); m != nil {
			gwCfg.Metrics = m
			gwCfg.MetricsRegistry = m.Registry
			if mc := cfg.Observability.Metrics; mc != nil {
				gwCfg.MetricsPath = mc.Path
			}
		}
		if ts := obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
	}

	gw := httpapi.NewGateway(gwCfg, logger).
		WithMCP(cfg.MCPPath(), srv.Handler(cfg.MCPPath())).
		WithRuns(sc.Store.Runs(), sc.Tasks)
	if serveEnableRuns {
		provider := newLLMProvider(cfg, sc.Obs, logger)
		gw.WithBench(sc.newBench(sc.newLoop(provider), provider.Name(), false).WithLock(sandboxMu)).
			WithRunLimit(ratelimit.NewLimiter(ratelimit.Config{RunsPerHour: cfg.MCP.Server.RunsPerHour}))
	}

	logger.Info("starting MCP server",
		slog.String("addr", gwCfg.ListenAddr),
		slog.String("path", cfg.MCPPath()),
		slog.Any("tools", sc.ToolReg.List()),
	)
	return serveGateway(ctx, gw, logger)
}

// serveGateway runs gw until ctx is cancelled or it fails, then stops it.
func serveGateway(ctx context.Context, gw gateway.Gateway, logger *slog.Logger) error {
	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			return err
		}
		return nil
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}
