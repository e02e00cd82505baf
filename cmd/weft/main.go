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

	"github.com/weaveline/weft/internal/durable"
	"github.com/weaveline/weft/internal/engine"
	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/internal/logging"
	"github.com/weaveline/weft/internal/nodes"
	"github.com/weaveline/weft/internal/scheduler"
	"github.com/weaveline/weft/internal/store"
	"github.com/weaveline/weft/pkg/mcp"
	"github.com/weaveline/weft/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "weft:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	showVersion := flag.Bool("version", false, "print version and exit")
	dbPath := flag.String("db", cfg.DBPath, "libsql database path (\"memory\" for in-memory store)")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	runScheduler := flag.Bool("scheduler", cfg.Scheduler, "run the cron scheduler")
	flag.Parse()

	if *showVersion {
		printVersion()
		return nil
	}

	logger := newLogger(*logLevel)

	st, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init cel: %w", err)
	}

	deps := &nodes.Deps{
		CEL:      cel,
		Expr:     expressions.NewExprEngine(),
		JQ:       expressions.NewJQEngine(),
		Notifier: &nodes.LogNotifier{Logger: logger},
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		Logger:   logger,
	}

	registry := nodes.NewRegistry()
	nodes.RegisterAll(registry, deps, st, nodes.NewMemoryMergeBuffer(), nodes.NewDeadLetterQueues(st))

	eng := engine.NewEngine(st, registry, logger)
	runtime := durable.NewRuntime(eng, st, logger)

	srv := mcp.NewServer(mcp.ServerDeps{
		Adapter: runtime,
		Store:   st,
		Logger:  logger,
	})
	// Route approval requests and alerts to connected MCP sessions.
	deps.Notifier = srv.Notifier()

	if *runScheduler {
		sched := scheduler.NewScheduler(st, &workflowStarter{store: st, adapter: runtime}, runtime, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed job recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	logger.Info("weft server starting", "db", *dbPath, "scheduler", *runScheduler)
	return srv.Serve(ctx)
}

// openStore selects the persistence backend. An empty or "memory" path runs
// fully in-memory.
func openStore(dbPath string) (store.Store, error) {
	if dbPath == "" || dbPath == "memory" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(weftDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.NewLibSQLStore(dbPath)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr; stdout carries the MCP stdio transport.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// workflowStarter adapts the durable runtime to the scheduler: a due job
// names a registered workflow, which is resolved and started.
type workflowStarter struct {
	store   store.Store
	adapter durable.Adapter
}

func (s *workflowStarter) StartWorkflow(ctx context.Context, workflowID string, input schema.Lane, orgID string) error {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	_, err = s.adapter.Start(ctx, &wf.Graph, input, orgID)
	return err
}
