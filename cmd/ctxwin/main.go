// Command ctxwin inspects and maintains LLM session logs: it reports
// context budgets, compacts over-budget histories, and repairs sessions
// wedged on provider context-overflow errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/engine"
	ctxotel "github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/persistence"
	"github.com/basket/ctxwin/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s - context window budget manager for LLM session logs

USAGE:
  %s <subcommand> [flags]

SUBCOMMANDS:
  %s inspect -session <id>    Show the context budget for a session
  %s compact -session <id>    Compact the session history if over budget
  %s repair -session <id> -error <msg>
                              Rewrite the log after a provider overflow error
  %s watch                    Watch config.yaml and hot-reload limit overrides
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CTXWIN_HOME             Data directory (default: ~/.ctxwin)
  CTXWIN_DB_PATH          SQLite database path (default: $CTXWIN_HOME/sessions.db)
  CTXWIN_MODEL            Override the configured model

EXAMPLES:
  Budget report:          %s inspect -session 9f1b...
  Compact a session:      %s compact -session 9f1b...
  Repair after overflow:  %s repair -session 9f1b... -error "context_length_exceeded"
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.ContextLimitOverrides) > 0 {
		config.SetContextLimitOverrides(cfg.ContextLimitOverrides)
	}

	// Quiet logs (file-only) on a terminal so report output stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	provider, err := ctxotel.Init(ctx, ctxotel.Config{
		Enabled:  cfg.Otel.Enabled,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init telemetry: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "inspect":
		os.Exit(runInspectCommand(ctx, cfg, provider, interactive, args[1:]))
	case "compact":
		os.Exit(runCompactCommand(ctx, cfg, provider, args[1:]))
	case "repair":
		os.Exit(runRepairCommand(ctx, cfg, provider, args[1:]))
	case "watch":
		os.Exit(runWatchCommand(ctx, cfg))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, cfg, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// openCompactor wires the store and compactor from config. The CLI runs
// without a live summarizer, so compaction falls back to truncation
// notes; embedding applications supply one through the library API.
func openCompactor(cfg config.Config, provider *ctxotel.Provider) (*engine.Compactor, *persistence.Store, error) {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	metrics, err := ctxotel.NewMetrics(provider.Meter)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	c := engine.NewCompactor(store, nil, cfg).WithTelemetry(provider.Tracer, metrics)
	return c, store, nil
}

func runInspectCommand(ctx context.Context, cfg config.Config, provider *ctxotel.Provider, interactive bool, args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	session := fs.String("session", "", "session id (required)")
	_ = fs.Parse(args)
	if *session == "" {
		fmt.Fprintln(os.Stderr, "inspect: -session is required")
		return 2
	}

	c, store, err := openCompactor(cfg, provider)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	budget, err := c.Budget(ctx, *session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		return 1
	}
	if interactive {
		fmt.Println(renderBudget(budget, *session, cfg.Model))
	} else {
		fmt.Println(budget.Format(*session, cfg.Model))
	}
	return 0
}

func runCompactCommand(ctx context.Context, cfg config.Config, provider *ctxotel.Provider, args []string) int {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	session := fs.String("session", "", "session id (required)")
	_ = fs.Parse(args)
	if *session == "" {
		fmt.Fprintln(os.Stderr, "compact: -session is required")
		return 2
	}

	c, store, err := openCompactor(cfg, provider)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	report, err := c.CompactIfNeeded(ctx, *session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compact: %v\n", err)
		return 1
	}
	if !report.Compacted {
		fmt.Printf("session %s within budget (%d tokens), nothing to do\n", *session, report.TokensBefore)
		return 0
	}
	fmt.Printf("compacted session %s: %d -> %d tokens, dropped %d messages (%d orphans repaired)\n",
		*session, report.TokensBefore, report.TokensAfter,
		report.DroppedMessages, report.OrphansRepaired)
	if report.FallbackUsed {
		fmt.Println("note: no summarizer available, dropped prefix replaced with a truncation note")
	}
	return 0
}

func runRepairCommand(ctx context.Context, cfg config.Config, provider *ctxotel.Provider, args []string) int {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	session := fs.String("session", "", "session id (required)")
	cause := fs.String("error", "", "provider error message that wedged the session")
	_ = fs.Parse(args)
	if *session == "" {
		fmt.Fprintln(os.Stderr, "repair: -session is required")
		return 2
	}

	c, store, err := openCompactor(cfg, provider)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	res, attempted := c.RecoverOverflow(ctx, *session, fmt.Errorf("%s", *cause))
	if !attempted {
		fmt.Println("error message does not look like a context overflow; nothing done")
		return 0
	}
	if res.Truncated {
		fmt.Printf("rewrote session %s: truncated %d oversized tool results\n", *session, res.TruncatedCount)
	} else if res.Reason != "" {
		fmt.Printf("rewrite skipped: %s\n", res.Reason)
	} else {
		fmt.Println("no oversized tool results found")
	}
	return 0
}

// runWatchCommand blocks on config.yaml changes, re-applying context
// limit overrides as they land.
func runWatchCommand(ctx context.Context, cfg config.Config) int {
	w := config.NewWatcher(cfg.HomeDir, slog.Default())
	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	fmt.Printf("watching %s/config.yaml (ctrl-c to stop)\n", cfg.HomeDir)
	for {
		select {
		case <-ctx.Done():
			return 0
		case ev, ok := <-w.Events():
			if !ok {
				return 0
			}
			fresh, err := config.Load()
			if err != nil {
				slog.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			config.SetContextLimitOverrides(fresh.ContextLimitOverrides)
			slog.Info("context limit overrides reloaded", "overrides", len(fresh.ContextLimitOverrides))
		}
	}
}
