package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/agentbench/internal/agent"
	"github.com/jkaninda/agentbench/internal/config"
	"github.com/jkaninda/agentbench/internal/container"
	"github.com/jkaninda/agentbench/internal/llm"
	"github.com/jkaninda/agentbench/internal/llm/openai"
	"github.com/jkaninda/agentbench/internal/observability"
	"github.com/jkaninda/agentbench/internal/sandbox"
	"github.com/jkaninda/agentbench/internal/storage"
	pgstore "github.com/jkaninda/agentbench/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/agentbench/internal/storage/sqlite"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/tools"
	"github.com/jkaninda/agentbench/internal/tools/file"
	"github.com/jkaninda/agentbench/internal/tools/lifecycle"
	mcptools "github.com/jkaninda/agentbench/internal/tools/mcp"
	"github.com/jkaninda/agentbench/internal/tools/shell"
	tasktool "github.com/jkaninda/agentbench/internal/tools/task"
	"github.com/jkaninda/agentbench/internal/verify"
	"github.com/jkaninda/agentbench/internal/workspace"
)

// remoteServerName names the server registered by --tools-url.
const remoteServerName = "remote"

// SharedComponents holds the subsystems every command builds on.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Tasks     *tasks.Store
	Store     storage.Store // Unified store (SQLite or PostgreSQL).
	Obs       *observability.Observability
	Workspace *workspace.Workspace // nil when tools are remote.
	Runtime   *container.DockerRuntime
	Manager   *container.Manager
	Sandbox   sandbox.Sandbox
	ToolReg   *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// sharedOptions selects what initShared builds.
type sharedOptions struct {
	// toolsURL points at a remote agentbench MCP server. When set, no local
	// Docker sandbox is created and the agent uses the remote tools instead.
	toolsURL string
}

// newLogger builds the JSON stderr logger at the --log-level (or AGENTBENCH_LOG_LEVEL) level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(goutils.Env("AGENTBENCH_LOG_LEVEL", logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads --config (or AGENTBENCH_CONFIG). Without either, the
// default path is used when it exists and built-in defaults otherwise.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("AGENTBENCH_CONFIG", configPath)
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	return config.Load(path)
}

// initShared performs the initialization shared by run, bench, serve and exec.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	image, provider := cfg.Container.Image, cfg.Providers.Default
	if image == "" {
		image = container.DefaultImage
	}
	if provider == "" {
		provider = "ollama"
	}
	obs, err := observability.New(cfg.Observability, logger,
		observability.AttrSandboxImage.String(image),
		observability.AttrProvider.String(provider),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		})
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Tasks.
	taskStore, err := tasks.Load(cfg.TasksDir)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	sc.Tasks = taskStore
	logger.Debug("tasks loaded", slog.String("source", taskStore.Source()), slog.Int("count", taskStore.Len()))

	// Run history.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("migrating storage: %w", err)
	}
	sc.Store = store
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Tool registry.
	toolReg := tools.NewRegistry()
	if opts.toolsURL == "" {
		if err := sc.initSandbox(toolReg); err != nil {
			sc.Cleanup()
			return nil, err
		}
	}

	// MCP tool servers.
	servers := cfg.MCP.Servers
	if opts.toolsURL != "" {
		servers = append([]config.MCPServerConfig{{
			Name:      remoteServerName,
			Transport: "streamable_http",
			URL:       opts.toolsURL,
		}}, servers...)
	}
	if len(servers) > 0 {
		mcpBridge := mcptools.NewBridge(version, logger)
		sc.addCleanup(mcpBridge.Close)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, mcpCfg := range servers {
			mcpToolList, mcpErr := mcpBridge.ConnectAndDiscover(mcpCtx, mcpCfg)
			if mcpErr != nil {
				if mcpCfg.Name == remoteServerName && opts.toolsURL != "" {
					mcpCancel()
					sc.Cleanup()
					return nil, fmt.Errorf("connecting to tool server %s: %w", opts.toolsURL, mcpErr)
				}
				logger.Error("MCP server failed, skipping",
					slog.String("server", mcpCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range mcpToolList {
				toolReg.Register(t)
			}
		}
		mcpCancel()
	}
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	sc.ToolReg = observability.InstrumentRegistry(toolReg, obs.MetricsOrNil(), obs.TracerOrNil())

	// Health checks. Without a health block every check is registered.
	if obs != nil && obs.Health != nil {
		includeDB, includeDocker := true, true
		if oc := cfg.Observability; oc != nil && oc.Health != nil {
			includeDB, includeDocker = oc.Health.IncludeDB, oc.Health.IncludeDocker
		}
		if includeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if includeDocker && sc.Runtime != nil {
			obs.Health.AddCheck("docker", sc.Runtime.Ping)
			obs.Health.AddCheck("sandbox_image", sc.Manager.CheckImage)
			// Absent between runs; reported, never fails readiness on its own.
			obs.Health.AddCheckFunc("sandbox_container", sc.Manager.Describe, false)
		}
	}

	return sc, nil
}

// initSandbox connects to Docker and registers the local sandbox tools.
func (sc *SharedComponents) initSandbox(reg *tools.Registry) error {
	cfg, logger := sc.Config, sc.Logger

	rt, err := container.NewDockerRuntime(logger)
	if err != nil {
		return fmt.Errorf("initializing docker: %w", err)
	}
	sc.addCleanup(func() {
		if err := rt.Close(); err != nil {
			logger.Error("closing docker client", slog.String("error", err.Error()))
		}
	})
	sc.Runtime = rt

	workDir := cfg.Container.WorkDir
	if workDir == "" {
		workDir = container.DefaultWorkDir
	}
	ws, err := initWorkspace(cfg,
		workspace.WithContainer(rt, workDir),
		workspace.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	sc.Manager = container.NewManager(rt, container.Config{
		Name:         cfg.Container.Name,
		Image:        cfg.Container.Image,
		WorkDir:      workDir,
		HostDir:      ws.Root,
		KeepAlive:    cfg.Container.KeepAlive,
		Ports:        cfg.Container.Ports,
		Env:          cfg.Container.Env,
		PreserveDirs: cfg.Container.PreserveDirs,
		PullImage:    cfg.Container.PullImage,
		Network:      cfg.Container.Network,
	}, logger).WithCleaner(ws)

	var sbx sandbox.Sandbox = sandbox.NewExecutor(rt, sandbox.Config{
		WorkDir:        workDir,
		DefaultTimeout: cfg.Exec.Timeout(),
		PollInterval:   cfg.Exec.PollInterval(),
		MaxOutputBytes: cfg.Exec.MaxOutputBytes,
		EchoTarget:     cfg.Exec.EchoTarget,
	}, logger)
	if obs := sc.Obs; obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		sbx = observability.NewInstrumentedSandbox(sbx, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	sc.Sandbox = sbx
	logger.Debug("sandbox initialized",
		slog.String("container", sc.Manager.Config().Name),
		slog.String("image", sc.Manager.Config().Image),
		slog.Duration("exec_timeout", cfg.Exec.Timeout()),
	)

	lifecycle.Register(reg, sc.Manager)
	reg.Register(file.NewListTool(ws))
	reg.Register(file.NewReadTool(ws))
	reg.Register(file.NewWriteTool(ws, sc.Manager, logger))
	reg.Register(shell.NewTool(sbx, sc.Manager, logger))
	reg.Register(tasktool.NewTool(sc.Tasks))
	return nil
}

// newLoop builds the dispatch loop from the agent config.
func (sc *SharedComponents) newLoop(provider llm.Provider) *agent.Loop {
	a := &sc.Config.Agent
	return agent.NewLoop(provider, sc.ToolReg, sc.Logger).
		WithObservability(sc.Obs).
		WithMaxIterations(a.Iterations()).
		WithMaxTokens(a.MaxTokens).
		WithSampling(a.SeedValue(), a.TemperatureValue()).
		WithAgentTools(a.ToolNames()...).
		WithForcedCompletion(a.ForcedMessage(), a.ForcedCompletion.ExecCommand)
}

// newBench wraps runner in a recording bench. Verification is attached when
// enabled in config or forced by withVerify and the sandbox is local.
func (sc *SharedComponents) newBench(runner agent.Runner, provider string, withVerify bool) *agent.Bench {
	b := agent.NewBench(runner, sc.Tasks, sc.Logger).
		WithStore(sc.Store.Runs()).
		WithProvider(provider).
		WithObservability(sc.Obs)

	v := sc.Config.Verify
	if v == nil {
		if !withVerify {
			return b
		}
		v = &config.VerifyConfig{Enabled: true}
	}
	if !v.Enabled && !withVerify {
		return b
	}
	if sc.Runtime == nil {
		sc.Logger.Warn("test verification needs a local docker runtime, skipping")
		return b
	}
	newman := verify.NewNewmanRunner(sc.Runtime, verify.NewmanConfig{
		Image:     v.Image,
		Network:   v.Network,
		BaseURL:   v.BaseURL,
		PullImage: sc.Config.Container.PullImage,
	}, sc.Logger)
	readyURL := v.ReadyURL
	if readyURL == "" {
		readyURL = v.BaseURL
	}
	return b.WithVerifier(newman, readyURL, v.ReadyTimeout(), v.ReadyInterval()).
		WithReportDir(filepath.Join(sc.Config.ResolvedDataDir(), "reports"))
}

// initWorkspace creates and returns the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config, opts ...workspace.Option) (*workspace.Workspace, error) {
	root := cfg.ResolvedWorkspace()
	if root == "" {
		return workspace.Default(opts...)
	}
	return workspace.New(root, opts...)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or AGENTBENCH_STORAGE_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
		pgCfg.ConnectTimeout = time.Duration(p.ConnectTimeoutS) * time.Second
	}

	store, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}

// newLLMProvider creates the LLM provider based on the configured default,
// with the fallback chain and instrumentation applied.
func newLLMProvider(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) llm.Provider {
	provider := buildProvider(cfg.Providers.Default, cfg, logger)

	// Build fallback chain if configured.
	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{provider}
		for _, name := range cfg.Providers.Fallback {
			providers = append(providers, buildProvider(name, cfg, logger))
		}
		provider = llm.NewFallbackProvider(providers, logger)
	}

	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	return provider
}

// buildProvider creates a single LLM provider by name. Names are checked by config validation.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) llm.Provider {
	switch name {
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		)
	default:
		return openai.NewOllama(cfg.Providers.Ollama.BaseURL, cfg.Providers.Ollama.Model, logger)
	}
}
