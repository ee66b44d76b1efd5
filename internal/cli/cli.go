// ============================================================================
// fleetsync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the sync engine
//
// Command Structure:
//   fleetsync                      # Root command
//   ├── run                        # Start the sync loop
//   │   └── --once                 # Run a single cycle and exit
//   ├── status                     # Show persisted or live orchestrator state
//   │   └── --addr                 # Query a running admin endpoint instead
//   ├── validate                   # Load and validate configuration
//   ├── audit verify [path]        # Replay the audit log and check checksums
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --env-file                 # .env overlay (default: .env, optional)
//   └── --version
//
// run Command:
//   1. Load config, apply .env and FLEETSYNC_* overrides, validate
//   2. Install the slog handler (log.level / log.format)
//   3. Wire authority, fleet, audit, health, metrics, telemetry
//   4. Start the admin HTTP / gRPC listeners if configured
//   5. Loop until SIGINT / SIGTERM, max_retries or an admin stop
//
//   Examples:
//     ./fleetsync run
//     ./fleetsync run --once -c configs/default.yaml
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the run context; the orchestrator finishes the
//   current cycle, persists state and exits.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fleetsync/internal/audit"
	"github.com/ChuLiYu/fleetsync/internal/config"
	"github.com/ChuLiYu/fleetsync/internal/statestore"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile string
	envFile    string
)

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetsync",
		Short: "fleetsync: bidirectional sync between an authority system and a worker fleet",
		Long: `fleetsync keeps task records in an authority system and the state of a
worker fleet consistent:
- authority → worker parameter and control sync
- worker → authority output sync
- policy-driven conflict resolution with an audit trail
- health and budget gates, Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildAuditCommand())

	return rootCmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupLogging installs the default slog handler
func setupLogging(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync loop",
		Long:  "Run sync cycles every sync_interval_seconds until interrupted, or a single cycle with --once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runSystem(ctx, cmd.OutOrStdout(), cfg, Overrides{}, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

// runSystem wires the engine and runs it until ctx ends
func runSystem(ctx context.Context, out io.Writer, cfg config.Config, ov Overrides, once bool) (err error) {
	app, err := Build(ctx, cfg, ov)
	if err != nil {
		return fmt.Errorf("failed to build sync engine: %w", err)
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	slog.Info("fleetsync starting",
		"version", Version,
		"config", configFile,
		"interval_seconds", cfg.SyncIntervalSeconds,
		"authority", cfg.Authority.Type,
		"fleet", cfg.Fleet.Type,
		"workers", len(cfg.Mappings))

	if once {
		summary, err := app.Orchestrator.RunCycle(ctx)
		if werr := writeJSON(out, summary); werr != nil {
			return werr
		}
		return err
	}

	if err := app.Serve(ctx); err != nil {
		return err
	}
	slog.Info("fleetsync stopped", "status", app.Orchestrator.Snapshot().Status)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		Long:  "Display the persisted orchestrator state, or the live state of a running instance with --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				state types.OrchestratorState
				err   error
			)
			if addr != "" {
				state, err = fetchStatus(cmd.Context(), addr)
			} else {
				state, err = readStatus()
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), state)
			}
			printStatus(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin HTTP address of a running instance (host:port)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func readStatus() (types.OrchestratorState, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return types.OrchestratorState{}, fmt.Errorf("failed to load config: %w", err)
	}
	state, ok, err := statestore.New(cfg.State.Path).Load()
	if err != nil {
		return types.OrchestratorState{}, err
	}
	if !ok {
		return types.OrchestratorState{}, fmt.Errorf("no state at %s (run 'fleetsync run' first)", cfg.State.Path)
	}
	return state, nil
}

func fetchStatus(ctx context.Context, addr string) (types.OrchestratorState, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/status", nil)
	if err != nil {
		return types.OrchestratorState{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return types.OrchestratorState{}, fmt.Errorf("failed to query %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.OrchestratorState{}, fmt.Errorf("failed to query %s: %s", addr, resp.Status)
	}

	var state types.OrchestratorState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return types.OrchestratorState{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return state, nil
}

func printStatus(w io.Writer, s types.OrchestratorState) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                 fleetsync Orchestrator                    ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "State:")
	fmt.Fprintf(w, "  ├─ Status:          %s\n", s.Status)
	if s.Status == types.StatusPaused {
		until := "until resumed"
		if !s.PausedUntil.IsZero() {
			until = s.PausedUntil.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  │  └─ Paused:       %s (%s)\n", until, s.PauseReason)
	}
	fmt.Fprintf(w, "  ├─ Health:          %s\n", s.HealthStatus)
	fmt.Fprintf(w, "  └─ Last Sync:       %s\n", formatTime(s.LastSyncTime))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Counters:")
	fmt.Fprintf(w, "  ├─ Sync Cycles:         %d\n", s.SyncCount)
	fmt.Fprintf(w, "  ├─ Conflicts Resolved:  %d\n", s.ConflictsResolved)
	fmt.Fprintf(w, "  ├─ Errors:              %d (consecutive %d)\n", s.ErrorsCount, s.ConsecutiveErrors)
	fmt.Fprintf(w, "  └─ Cost Accumulated:    %.4f (today %s: %.4f)\n", s.CostAccumulated, s.BudgetDay, s.BudgetCumulative)
	fmt.Fprintln(w)

	if c := s.LastCycle; c != nil {
		fmt.Fprintln(w, "Last Cycle:")
		fmt.Fprintf(w, "  ├─ Cycle:           %d (%s)\n", c.CycleNumber, c.RunID)
		fmt.Fprintf(w, "  ├─ Duration:        %s\n", c.Duration)
		fmt.Fprintf(w, "  ├─ Records Synced:  %d\n", c.RecordsSynced)
		fmt.Fprintf(w, "  ├─ Conflicts:       %d\n", c.Conflicts)
		fmt.Fprintf(w, "  ├─ Errors:          %d\n", c.Errors)
		fmt.Fprintf(w, "  └─ Cost:            %.4f\n", c.Cost)
		if c.SkippedReason != "" {
			fmt.Fprintf(w, "     └─ Skipped:      %s\n", c.SkippedReason)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %s\n", configFile)
			fmt.Fprintf(cmd.OutOrStdout(), "  └─ workers: %d, transforms: %d, health checks: %d\n",
				len(cfg.Mappings), len(cfg.Transforms), len(cfg.HealthChecks))
			return nil
		},
	}
}

// ============================================================================
// audit
// ============================================================================

func buildAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [path]",
		Short: "Replay the audit log and verify checksums and sequence numbers",
		Long: `Replay the audit log and verify checksums and sequence numbers.

A final record left half-written by a crash is reported as corruption here.
The engine truncates it back to the last verified record the next time it
opens the log. Corruption anywhere before the last line is never repaired.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.Load(configFile, envFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Audit.Path
			}

			report, err := audit.Verify(path)
			if err != nil {
				return fmt.Errorf("audit log %s is invalid after %d records: %w", path, report.Records, err)
			}
			printReport(cmd.OutOrStdout(), path, report)
			return nil
		},
	})
	return cmd
}

func printReport(w io.Writer, path string, r audit.Report) {
	fmt.Fprintf(w, "Audit log OK: %s\n", path)
	fmt.Fprintf(w, "  ├─ Records: %d (seq %d..%d)\n", r.Records, r.FirstSeq, r.LastSeq)

	kinds := make([]string, 0, len(r.ByKind))
	for k := range r.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for i, k := range kinds {
		branch := "├─"
		if i == len(kinds)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  │  %s %-9s %d\n", branch, k, r.ByKind[audit.Kind(k)])
	}
}
