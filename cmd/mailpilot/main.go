package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/mailpilot/internal/archive"
	"github.com/basket/mailpilot/internal/bus"
	"github.com/basket/mailpilot/internal/config"
	"github.com/basket/mailpilot/internal/monitor"
	otelPkg "github.com/basket/mailpilot/internal/otel"
	"github.com/basket/mailpilot/internal/pipeline"
	"github.com/basket/mailpilot/internal/responder"
	"github.com/basket/mailpilot/internal/sender"
	"github.com/basket/mailpilot/internal/taskstore"
	"github.com/basket/mailpilot/internal/telemetry"
	"github.com/basket/mailpilot/internal/webhook"
	"github.com/basket/mailpilot/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the webhook daemon

SUBCOMMANDS:
  %s task [options]           Inspect and manage the task queue
                              Options: --list, --pending, --failed, --stats,
                              --get <id>, --retry <id>, --sender <addr>,
                              --limit <n>, --verbose
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MAILPILOT_HOME          Data directory (default: ~/.mailpilot)
  ANTHROPIC_API_KEY       Required unless responder_disabled is set
  POSTMARK_SERVER_TOKEN   Required for outbound delivery
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint(), "version", Version)

	eventBus := bus.New()

	// No-op when disabled, zero overhead.
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := taskstore.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetBusyRetryObserver(func(ctx context.Context) {
		metrics.StoreBusyRetries.Add(ctx, 1)
	})
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	if cfg.ProcessedIDsPath != "" {
		imported, err := store.ImportProcessedIDs(ctx, cfg.ProcessedIDsPath)
		if err != nil {
			fatalStartup(logger, "E_LEGACY_IMPORT", err)
		}
		if imported > 0 {
			logger.Info("legacy processed ids imported", "count", imported, "path", cfg.ProcessedIDsPath)
		}
	}

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}

	prep := workspace.NewPreparer(cfg.WorkspaceRoot, logger)
	resp := responder.New(responder.Config{
		APIKey:   cfg.AnthropicAPIKey,
		Disabled: cfg.ResponderDisabled,
		Logger:   logger,
	})
	postmark := sender.New(sender.Config{
		Token:  cfg.PostmarkServerToken,
		Logger: logger,
	})
	mailLog := archive.New(store, logger)

	orch := pipeline.New(store, prep, resp, postmark, pipeline.Options{
		Recorder:     mailLog,
		Model:        cfg.Model,
		OutboundFrom: cfg.OutboundFrom,
		Backoff:      cfg.RetryBackoff(),
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})

	hook, err := webhook.New(webhook.Config{
		Processor:    orch,
		Store:        store,
		Bus:          eventBus,
		MaxRetries:   cfg.MaxRetries,
		AllowOrigins: cfg.AllowOrigins,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		fatalStartup(logger, "E_WEBHOOK_INIT", err)
	}

	mon, err := monitor.New(monitor.Config{
		Store:      store,
		Schedule:   cfg.MonitorSchedule,
		StuckAfter: cfg.StuckAfter(),
		Logger:     logger,
	})
	if err != nil {
		fatalStartup(logger, "E_MONITOR_INIT", err)
	}
	mon.Start(ctx)
	defer mon.Stop()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: hook.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook listening", "addr", cfg.BindAddr, "inbound", "/postmark/inbound", "events", "/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("webhook server error", "error", err)
	}

	// Stop intake first, then let in-flight tasks finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	hook.Drain()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
