package main

// ============================================================================
// fleetsync demo
//
//   go run ./cmd/demo start     # seed in-memory systems, run three cycles
//   go run ./cmd/demo recover   # warm restart from data/state.json
//
// start 模式會在週期之間製造衝突（權威系統改優先級、worker 回報新輸出），
// recover 模式證明週期編號、預算與指紋都能從持久化狀態恢復。
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/fleetsync/internal/authority"
	"github.com/ChuLiYu/fleetsync/internal/cli"
	"github.com/ChuLiYu/fleetsync/internal/config"
	"github.com/ChuLiYu/fleetsync/internal/fleet"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}

	cfg, err := config.Load("configs/default.yaml")
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	// 示範只用記憶體系統，不開管理埠
	cfg.Admin.Addr, cfg.Admin.GRPCAddr = "", ""
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	auth, fl := seed()
	app, err := cli.Build(ctx, cfg, cli.Overrides{Authority: auth, Fleet: fl})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	switch os.Args[1] {
	case "start":
		runStart(ctx, app, auth, fl)
	case "recover":
		runRecover(ctx, app)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", os.Args[1])
		os.Exit(1)
	}
}

// seed 建立三個 task 與對應的 worker
func seed() (*authority.Store, *fleet.Fleet) {
	auth := authority.NewStore()
	auth.Put("T1", map[string]any{
		"status": "running", "priority": "high",
		"params": map[string]any{"amount": 120, "region": "EU-North"},
	})
	auth.Put("T2", map[string]any{
		"status": "running", "priority": "medium",
		"params": map[string]any{"amount": "40", "tier": "urgent"},
	})
	auth.Put("T3", map[string]any{
		"status": "paused", "priority": "low",
		"params": map[string]any{"options": map[string]any{"retries": 3, "mode": "fast"}},
	})

	fl := fleet.NewFleet()
	for i, id := range []string{"W1", "W2", "W3"} {
		fl.Register(id, fmt.Sprintf("T%d", i+1))
	}
	must(fl.Report("W1", map[string]any{
		"status": "running", "priority": "medium",
		"result": map[string]any{"score": 0.82, "labels": []any{"ok"}},
	}, 1200))
	must(fl.Report("W2", map[string]any{
		"status": "running", "priority": "medium",
		"result": map[string]any{"score": 0.4},
	}, 300))
	must(fl.Report("W3", map[string]any{
		"status": "running", "priority": "low",
		"parameters": map[string]any{"options": map[string]any{"mode": "safe", "batch": 10}},
		"result":     map[string]any{"summary": map[string]any{"rows": 10}},
	}, 50))
	return auth, fl
}

func runStart(ctx context.Context, app *cli.App, auth *authority.Store, fl *fleet.Fleet) {
	steps := []struct {
		title  string
		mutate func()
	}{
		{"initial sync", func() {}},
		{"authority raises T2 priority, W1 reports a new score", func() {
			auth.Put("T2", map[string]any{
				"status": "running", "priority": "high",
				"params": map[string]any{"amount": 40, "tier": "normal"},
			})
			data, _ := fl.Data("W1")
			data["result"] = map[string]any{"score": 0.91, "labels": []any{"ok", "reviewed"}}
			must(fl.Report("W1", data, 800))
		}},
		{"no new data (idempotent rerun)", func() {}},
	}

	for _, step := range steps {
		step.mutate()
		summary, err := app.Orchestrator.RunCycle(ctx)
		printSummary(step.title, summary)
		if err != nil {
			fmt.Printf("  ✗ %v\n", err)
			return
		}
	}
	printState(app.Orchestrator.Snapshot())
	fmt.Println("\n💡 Run 'go run ./cmd/demo recover' to warm-restart from data/state.json")
}

func runRecover(ctx context.Context, app *cli.App) {
	if err := app.Orchestrator.Start(ctx); err != nil {
		fmt.Printf("✗ start: %v\n", err)
		return
	}
	before := app.Orchestrator.Snapshot()
	fmt.Println("📦 Restored state:")
	printState(before)

	summary, err := app.Orchestrator.RunCycle(ctx)
	printSummary("first cycle after restart", summary)
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
	}
}

func printSummary(title string, s types.CycleSummary) {
	fmt.Printf("\n▶ Cycle %d: %s\n", s.CycleNumber, title)
	if s.SkippedReason != "" {
		fmt.Printf("  └─ skipped: %s\n", s.SkippedReason)
		return
	}
	fmt.Printf("  ├─ records synced: %d\n", s.RecordsSynced)
	fmt.Printf("  ├─ conflicts:      %d\n", s.Conflicts)
	fmt.Printf("  ├─ errors:         %d\n", s.Errors)
	fmt.Printf("  ├─ health:         %s\n", s.HealthStatus)
	fmt.Printf("  └─ cost:           %.4f\n", s.Cost)
}

func printState(s types.OrchestratorState) {
	fmt.Printf("\n📊 Orchestrator: status=%s cycles=%d conflicts=%d errors=%d cost=%.4f (today %.4f)\n",
		s.Status, s.SyncCount, s.ConflictsResolved, s.ErrorsCount, s.CostAccumulated, s.BudgetCumulative)
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}
