// Package main is the entry point for mailgw, the IMAP-to-MCP gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/textfortress/mailgw/internal/agent"
	"github.com/textfortress/mailgw/internal/attachments"
	"github.com/textfortress/mailgw/internal/buildinfo"
	"github.com/textfortress/mailgw/internal/cache"
	"github.com/textfortress/mailgw/internal/config"
	"github.com/textfortress/mailgw/internal/connwatch"
	"github.com/textfortress/mailgw/internal/eventbus"
	"github.com/textfortress/mailgw/internal/llm"
	"github.com/textfortress/mailgw/internal/mcp"
	"github.com/textfortress/mailgw/internal/modelconfig"
	"github.com/textfortress/mailgw/internal/pool"
	"github.com/textfortress/mailgw/internal/sampler"
	"github.com/textfortress/mailgw/internal/syncengine"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
			return
		case "ask":
			if flag.NArg() < 2 {
				fmt.Fprintln(os.Stderr, "usage: mailgw ask <instruction> [account_id]")
				os.Exit(1)
			}
			runAsk(logger, *configPath, flag.Arg(1), flag.Arg(2))
			return
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	fmt.Println("mailgw - IMAP to MCP gateway")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the MCP server (stdio and/or HTTP)")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// accountPools builds one connection pool per configured account, each
// sized from the account's own overrides layered on the pool section's
// defaults, per spec.md §4.3.
func accountPools(cfg *config.Config, logger *slog.Logger) map[string]*pool.Pool {
	pools := make(map[string]*pool.Pool, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		poolCfg := cfg.Pool
		poolCfg.MinConnections = acct.MinConnections
		poolCfg.MaxConnections = acct.MaxConnections

		factory := pool.NewSessionFactory(acct, logger)
		p := pool.New(acct.ID, factory, poolCfg, logger)
		p.Warm(context.Background())
		pools[acct.ID] = p
	}
	return pools
}

// asSyncEnginePools and asMCPPools narrow the concrete pool map to the
// narrower interfaces syncengine and mcp each depend on, so neither
// package needs to import the other's view of *pool.Pool directly.
func asSyncEnginePools(pools map[string]*pool.Pool) map[string]syncengine.AccountPool {
	out := make(map[string]syncengine.AccountPool, len(pools))
	for id, p := range pools {
		out[id] = p
	}
	return out
}

func asMCPPools(pools map[string]*pool.Pool) map[string]mcp.AccountPool {
	out := make(map[string]mcp.AccountPool, len(pools))
	for id, p := range pools {
		out[id] = p
	}
	return out
}

// runAsk runs a single agent executor task against the configured
// accounts and prints the result, for operators testing the tool
// surface without standing up a full MCP client. It uses the same
// noopLLMClient as runServe when no provider is wired in, so it
// reports "no provider configured" rather than silently no-opping —
// a real deployment supplies its own llm.Client.
func runAsk(logger *slog.Logger, configPath, instruction, accountID string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	pools := accountPools(cfg, logger)
	defer func() {
		for _, p := range pools {
			p.Close()
		}
	}()

	registry := mcp.NewRegistry()
	dispatcher := mcp.NewDispatcher(registry, asMCPPools(pools), cfg.DefaultAccountID(), logger)
	exec := agent.NewExecutor(logger, dispatcher, registry, noopLLMClient{}, agent.WithMaxIterations(cfg.Agent.MaxIterations))

	if accountID == "" {
		accountID = cfg.DefaultAccountID()
	}

	result, err := exec.Run(context.Background(), agent.Request{Instruction: instruction, AccountID: accountID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if result.Success {
		fmt.Println(result.FinalResponse)
	} else {
		fmt.Fprintf(os.Stderr, "task did not complete: %s\n", result.Error)
		os.Exit(1)
	}
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting mailgw", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "accounts", len(cfg.Accounts), "default_account", cfg.DefaultAccountID())

	if cfg.MCP.APIKey == "" {
		logger.Warn("MAILGW_API_KEY not set, MCP HTTP transport auth disabled")
	}

	pools := accountPools(cfg, logger)
	defer func() {
		for _, p := range pools {
			p.Close()
		}
	}()

	mailCache, err := cache.Open(cfg.Cache)
	if err != nil {
		logger.Error("failed to open mail cache", "error", err)
		os.Exit(1)
	}
	defer mailCache.Close()
	logger.Info("mail cache opened", "path", cfg.Cache.DatabasePath)

	attachmentStore, err := attachments.Open(cfg.Attachments, cfg.Cache.DatabasePath+".attachments")
	if err != nil {
		logger.Error("failed to open attachment store", "error", err)
		os.Exit(1)
	}
	defer attachmentStore.Close()
	if stats, err := attachmentStore.Stats(context.Background()); err == nil {
		logger.Info("attachment store opened", "root", cfg.Attachments.StorageRoot, "count", stats.Count, "size", stats.HumanSize())
	} else {
		logger.Info("attachment store opened", "root", cfg.Attachments.StorageRoot)
	}

	modelStore, err := modelconfig.Open(cfg.Cache.DatabasePath + ".models")
	if err != nil {
		logger.Error("failed to open model config store", "error", err)
		os.Exit(1)
	}
	defer modelStore.Close()

	samplerStore, err := sampler.Open(cfg.Cache.DatabasePath + ".samplers")
	if err != nil {
		logger.Error("failed to open sampler config store", "error", err)
		os.Exit(1)
	}
	defer samplerStore.Close()

	eventHub := eventbus.NewHub(logger)
	defer eventHub.Close()

	syncInterval := time.Duration(cfg.Cache.SyncIntervalSeconds) * time.Second
	engine := syncengine.New(mailCache, asSyncEnginePools(pools), syncInterval, logger, syncengine.WithPublisher(eventHub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	logger.Info("sync engine started", "interval", syncInterval)

	// connwatch probes each account's reachability independently of the
	// pool's own per-connection health checker: it gives the operator
	// a single "is this account up" signal even while the pool is busy
	// reconnecting individual sessions underneath it.
	watchMgr := connwatch.NewManager(logger)
	for id, p := range pools {
		acctID, acctPool := id, p
		watchMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: acctID,
			Probe: func(probeCtx context.Context) error {
				handle, err := acctPool.Acquire(probeCtx)
				if err != nil {
					return err
				}
				defer handle.Release()
				return handle.Session().Ping(probeCtx)
			},
			OnDown: func(err error) {
				logger.Warn("account unreachable", "account", acctID, "error", err)
			},
			OnReady: func() {
				logger.Info("account reachable", "account", acctID)
			},
		})
	}
	defer watchMgr.Stop()

	registry := mcp.NewRegistryWithAttachments(attachmentStore)
	dispatcher := mcp.NewDispatcher(registry, asMCPPools(pools), cfg.DefaultAccountID(), logger)

	_ = agent.NewExecutor(logger, dispatcher, registry, noopLLMClient{},
		agent.WithModelConfigStore(modelStore),
		agent.WithSamplerStore(samplerStore),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var httpServer *http.Server
	if cfg.MCP.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/mcp/command", apiKeyMiddleware(cfg.MCP.APIKey, mcp.NewHTTPHandler(dispatcher, logger)))
		mux.Handle("/mcp/events", apiKeyMiddleware(cfg.MCP.APIKey, eventHub))
		// h2c lets MCP clients negotiate HTTP/2 without TLS in front —
		// useful behind a sidecar/ingress that already terminates TLS.
		httpServer = &http.Server{Addr: cfg.MCP.HTTPAddress, Handler: h2c.NewHandler(mux, &http2.Server{})}
		go func() {
			logger.Info("MCP HTTP transport listening", "address", cfg.MCP.HTTPAddress)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("MCP HTTP server failed", "error", err)
			}
		}()
	}

	if cfg.MCP.StdioEnabled {
		stdio := mcp.NewStdioServer(dispatcher, os.Stdin, os.Stdout, logger)
		go func() {
			if err := stdio.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("MCP stdio transport failed", "error", err)
			}
		}()
		logger.Info("MCP stdio transport enabled")
	}

	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info("mailgw stopped")
}

// apiKeyMiddleware enforces the X-API-Key / Authorization: Bearer
// contract from spec.md §6. An empty configured key disables auth
// entirely (already logged as a warning at startup).
func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if got == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				got = auth[7:]
			}
		}
		if got != apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// noopLLMClient is the default llm.Client wired in when no provider is
// configured: it lets the gateway start and serve IMAP/MCP tool calls
// directly without an agent executor attached to a real model. A real
// deployment replaces this with a provider-specific adapter, which this
// repository treats as an external collaborator (spec.md §1).
type noopLLMClient struct{}

func (noopLLMClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("llm: no provider configured")
}

func (noopLLMClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("llm: no provider configured")
}

func (noopLLMClient) Ping(ctx context.Context) error {
	return fmt.Errorf("llm: no provider configured")
}
