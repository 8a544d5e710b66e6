package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/config"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/observability"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "submit":
		return runSubmitCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "show":
		return runShowCmd(args[2:], stdout, stderr)
	case "approve":
		return runDecideCmd("approve", args[2:], stdout, stderr)
	case "reject":
		return runDecideCmd("reject", args[2:], stdout, stderr)
	case "retry":
		return runRetryCmd(args[2:], stdout, stderr)
	case "abandon":
		return runAbandonCmd(args[2:], stdout, stderr)
	case "resolve":
		return runResolveCmd(args[2:], stdout, stderr)
	case "recreate":
		return runRecreateCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "plan":
		return runPlanCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sactiongate%s\n", colorBold+colorBlue, colorReset)
	_, _ = fmt.Fprintf(w, "%sApproval-gated execution of external actions.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  actiongate <command> [-config file] [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "ENGINE")
	printCommand(w, "serve", "Run the decision, expiry and dispatch loops")
	printCommand(w, "submit", "Propose an action from a YAML file (-f)")

	printSection(w, "INSPECTION")
	printCommand(w, "list", "List actions by status (-status)")
	printCommand(w, "show", "Show one action with its target results")
	printCommand(w, "audit", "Print the audit history of an action")
	printCommand(w, "plan", "Preview the retry schedule")

	printSection(w, "DECISIONS")
	printCommand(w, "approve", "Approve a pending action")
	printCommand(w, "reject", "Reject a pending action (-reason)")
	printCommand(w, "retry", "Retry failed targets of an action (-target)")
	printCommand(w, "abandon", "Stop retrying an action (-reason)")
	printCommand(w, "resolve", "Close a failed or partially failed action")
	printCommand(w, "recreate", "Re-propose a rejected or expired action")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}

// newFlagSet creates a subcommand flag set with the shared -config flag.
func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("config", os.Getenv("ACTIONGATE_CONFIG"), "Path to actiongate.yaml")
	return cmd, path
}

// parseArgs parses flags and returns the positional arguments. Flags may
// follow the positional id.
func parseArgs(cmd *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := cmd.Parse(args); err != nil {
			return nil, err
		}
		rest := cmd.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd, path := newFlagSet("serve", stderr)
	if _, err := parseArgs(cmd, args); err != nil {
		return 2
	}
	cfg, err := config.Load(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.New(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, metrics)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           healthHandler(a.engine),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health endpoint listening", "addr", cfg.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health endpoint failed", "error", err)
		}
	}()

	runErr := a.engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if runErr != nil {
		logger.Error("engine stopped with error", "error", runErr)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
