// ============================================================================
// fleetsync SyncOrchestrator - 同步循環協調器
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 擁有協調器狀態，驅動同步循環，處理暫停/恢復/停止與熱重啟
//
// 狀態機:
//   initializing → running ⇄ paused → {running | stopped | error}
//   running → stopped（優雅停止）
//   running → error（連續失敗達到 max_retries，終止）
//
// 每個週期 (cycle.go):
//   1. HealthMonitor - critical 標記的檢查為 critical → 暫停 health_cooldown
//   2. BudgetGuard   - 超出每日上限 → 暫停 budget_cooldown
//   3. DownstreamSync → UpstreamSync → ConflictResolver
//   4. 指標、稽核、成本提交、持久化狀態
//
// 並發模型:
//   - 同一時間只有一個週期（cycleMu）
//   - 週期資料只由迴圈寫入；Pause/Resume/Stop 只改變狀態欄位（mu）
//   - 讀者透過 atomic.Pointer 取得不可變快照
//   - 週期使用與呼叫者取消脫鉤的 context；Stop 在週期之間生效
//
// 熱重啟:
//   - 啟動時載入持久化狀態
//   - 持久化的 error / stopped 視為操作員重啟，恢復為 running
//   - 尚未到期的暫停冷卻會被保留
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/fleetsync/internal/audit"
	"github.com/ChuLiYu/fleetsync/internal/budget"
	"github.com/ChuLiYu/fleetsync/internal/health"
	"github.com/ChuLiYu/fleetsync/internal/metrics"
	"github.com/ChuLiYu/fleetsync/internal/statestore"
	"github.com/ChuLiYu/fleetsync/internal/syncpass"
	"github.com/ChuLiYu/fleetsync/internal/telemetry"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

var log = slog.Default()

const instrumentationName = "github.com/ChuLiYu/fleetsync/internal/orchestrator"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 協調器配置
type Config struct {
	Interval           time.Duration // 週期間隔（sync_interval_seconds）
	MaxRetries         int           // 連續失敗上限，0 表示不限
	HealthCooldown     time.Duration // 健康閘門暫停時間
	BudgetCooldown     time.Duration // 預算閘門暫停時間（較長）
	EstimatedCycleCost float64       // 預估單週期成本；0 時使用上一週期的實際成本
}

// HealthChecker 健康監控器
type HealthChecker interface {
	CheckAll(ctx context.Context) health.Report
}

// DownstreamPass 權威系統 → worker 的同步階段
type DownstreamPass interface {
	Sync(ctx context.Context, since types.Watermark) (syncpass.DownstreamResult, error)
}

// UpstreamPass worker → 權威系統的同步階段
type UpstreamPass interface {
	Sync(ctx context.Context, fingerprints map[string]string) (syncpass.UpstreamResult, error)
}

// ConflictResolver 衝突偵測與解決
type ConflictResolver interface {
	Resolve(ctx context.Context, cycle int64, authorityRecs []types.TaskRecord, workerRecs []types.WorkerRecord) ([]types.Conflict, []error)
}

// Deps 協調器依賴的元件；Health、Recorder、Collector、Store 可為 nil
type Deps struct {
	Health     HealthChecker
	Budget     *budget.Guard
	Downstream DownstreamPass
	Upstream   UpstreamPass
	Resolver   ConflictResolver
	Recorder   *metrics.Recorder
	Collector  *metrics.Collector
	Audit      audit.Sink
	Store      *statestore.Store
}

// Option 協調器選項
type Option func(*Orchestrator)

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator 同步循環協調器
type Orchestrator struct {
	config Config
	deps   Deps
	now    func() time.Time

	cycleMu sync.Mutex // 一次只跑一個週期

	mu      sync.Mutex // 保護 state / cycle / started
	state   types.OrchestratorState
	cycle   int64
	started bool

	snapshot atomic.Pointer[types.OrchestratorState]

	stopCh   chan struct{}
	stopOnce sync.Once
	wake     chan struct{}

	tracer        trace.Tracer
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// ============================================================================
// 建構與啟動
// ============================================================================

// New 建立協調器，狀態為 initializing
func New(config Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	var missing []error
	if deps.Budget == nil {
		missing = append(missing, errors.New("budget guard is required"))
	}
	if deps.Downstream == nil {
		missing = append(missing, errors.New("downstream pass is required"))
	}
	if deps.Upstream == nil {
		missing = append(missing, errors.New("upstream pass is required"))
	}
	if deps.Resolver == nil {
		missing = append(missing, errors.New("conflict resolver is required"))
	}
	if deps.Audit == nil {
		missing = append(missing, errors.New("audit sink is required"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: %w", errors.Join(missing...))
	}

	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.HealthCooldown <= 0 {
		config.HealthCooldown = 5 * time.Minute
	}
	if config.BudgetCooldown <= 0 {
		config.BudgetCooldown = time.Hour
	}

	meter := telemetry.Meter(instrumentationName)
	cycles, err := meter.Int64Counter("fleetsync.cycles",
		metric.WithDescription("Sync cycles by outcome"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create cycle counter: %w", err)
	}
	cycleDuration, err := meter.Float64Histogram("fleetsync.cycle.duration",
		metric.WithDescription("Sync cycle duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create cycle histogram: %w", err)
	}

	o := &Orchestrator{
		config: config,
		deps:   deps,
		now:    time.Now,
		state: types.OrchestratorState{
			Status:               types.StatusInitializing,
			HealthStatus:         types.HealthUnknown,
			UpstreamFingerprints: make(map[string]string),
		},
		stopCh:        make(chan struct{}),
		wake:          make(chan struct{}, 1),
		tracer:        telemetry.Tracer(instrumentationName),
		cycles:        cycles,
		cycleDuration: cycleDuration,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.publishLocked()
	return o, nil
}

// Start 載入持久化狀態並進入 running（或保留中的 paused）
//
// 重複呼叫是安全的；Run 與 RunCycle 會自動呼叫。
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	if o.state.Status == types.StatusStopped {
		return fmt.Errorf("%w: stopped before start", ErrNotRunning)
	}

	if o.deps.Store != nil {
		persisted, found, err := o.deps.Store.Load()
		if err != nil {
			return fmt.Errorf("orchestrator: load state: %w", err)
		}
		if found {
			o.restoreLocked(persisted)
		}
	}
	o.started = true

	target, reason := types.StatusRunning, "started"
	if !o.state.PausedUntil.IsZero() || o.state.PauseReason != "" {
		target, reason = types.StatusPaused, "restored pause: "+o.state.PauseReason
	}
	if err := o.transitionLocked(ctx, target, reason); err != nil {
		return err
	}
	o.persistLocked()
	return nil
}

// restoreLocked 套用持久化狀態
func (o *Orchestrator) restoreLocked(persisted types.OrchestratorState) {
	keepPause := persisted.Status == types.StatusPaused &&
		(persisted.PausedUntil.IsZero() || o.now().Before(persisted.PausedUntil))

	o.state = persisted.Clone()
	o.state.Status = types.StatusInitializing
	if o.state.UpstreamFingerprints == nil {
		o.state.UpstreamFingerprints = make(map[string]string)
	}
	if !keepPause {
		o.state.PausedUntil = time.Time{}
		o.state.PauseReason = ""
	}
	if persisted.LastCycle != nil {
		o.cycle = persisted.LastCycle.CycleNumber
	}
	if err := o.deps.Budget.Restore(persisted.BudgetDay, persisted.BudgetCumulative); err != nil {
		log.Warn("Persisted budget ignored", "error", err)
	}

	log.Info("State restored",
		"persisted_status", persisted.Status,
		"sync_count", persisted.SyncCount,
		"cycle", o.cycle,
		"watermark", persisted.DownstreamWatermark,
		"cursor_task", persisted.DownstreamCursorTask,
		"paused", keepPause)
}

// ============================================================================
// 主循環
// ============================================================================

// Run 執行週期循環直到 Stop、ctx 取消，或連續失敗達上限
//
// 返回值：
//   - nil: 優雅停止
//   - ErrMaxConsecutiveErrors: 進入 error 狀態
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	log.Info("Orchestrator loop started",
		"interval", o.config.Interval,
		"max_retries", o.config.MaxRetries)

	for {
		select {
		case <-o.stopCh:
			log.Info("Orchestrator loop stopped")
			return nil
		case <-ctx.Done():
			_ = o.Stop()
			log.Info("Orchestrator loop stopped", "reason", ctx.Err())
			return nil
		default:
		}

		summary, err := o.RunCycle(ctx)
		switch {
		case errors.Is(err, ErrMaxConsecutiveErrors):
			return err
		case errors.Is(err, ErrNotRunning):
			return nil
		case err != nil:
			log.Error("Cycle failed", "error", err)
		}

		wait := max(0, o.config.Interval-summary.Duration)
		timer := time.NewTimer(wait)
		select {
		case <-o.stopCh:
			timer.Stop()
			log.Info("Orchestrator loop stopped")
			return nil
		case <-ctx.Done():
			timer.Stop()
			_ = o.Stop()
			log.Info("Orchestrator loop stopped", "reason", ctx.Err())
			return nil
		case <-o.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ============================================================================
// 控制介面（冪等）
// ============================================================================

// Pause 由操作員暫停，直到 Resume
func (o *Orchestrator) Pause(reason string) error {
	if reason == "" {
		reason = "paused by operator"
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.pauseLocked(context.Background(), reason, time.Time{}); err != nil {
		return err
	}
	o.persistLocked()
	return nil
}

// Resume 從 paused 回到 running，並立即喚醒循環
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state.Status == types.StatusRunning {
		o.mu.Unlock()
		return nil
	}
	if err := o.transitionLocked(context.Background(), types.StatusRunning, "resumed by operator"); err != nil {
		o.mu.Unlock()
		return err
	}
	o.persistLocked()
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop 優雅停止；進行中的週期會先完成
func (o *Orchestrator) Stop() error {
	var err error
	o.mu.Lock()
	switch o.state.Status {
	case types.StatusStopped, types.StatusError:
	default:
		err = o.transitionLocked(context.Background(), types.StatusStopped, "stop requested")
		o.persistLocked()
	}
	o.mu.Unlock()

	o.stopOnce.Do(func() { close(o.stopCh) })
	return err
}

// Done 在 Stop 後關閉
func (o *Orchestrator) Done() <-chan struct{} {
	return o.stopCh
}

// Snapshot 回傳目前狀態的副本
func (o *Orchestrator) Snapshot() types.OrchestratorState {
	return o.snapshot.Load().Clone()
}

// ============================================================================
// 內部工具（呼叫者持有 mu）
// ============================================================================

func (o *Orchestrator) pauseLocked(ctx context.Context, reason string, until time.Time) error {
	from := o.state.Status
	if from == types.StatusPaused {
		return nil
	}
	if err := checkTransition(from, types.StatusPaused); err != nil {
		return err
	}
	o.state.PausedUntil = until
	o.state.PauseReason = reason
	return o.transitionLocked(ctx, types.StatusPaused, reason)
}

func (o *Orchestrator) transitionLocked(ctx context.Context, to types.OrchestratorStatus, reason string) error {
	from := o.state.Status
	if from == to {
		return nil
	}
	if err := checkTransition(from, to); err != nil {
		return err
	}

	o.state.Status = to
	if to != types.StatusPaused {
		o.state.PausedUntil = time.Time{}
		o.state.PauseReason = ""
	}

	log.Info("Orchestrator state changed", "from", from, "to", to, "reason", reason)
	o.appendAudit(ctx, audit.Entry{
		Kind:    audit.KindState,
		Cycle:   o.cycle,
		Payload: transitionEvent{From: from, To: to, Reason: reason},
	})
	if o.deps.Collector != nil {
		o.deps.Collector.SetStatus(to)
	}
	o.publishLocked()
	return nil
}

func (o *Orchestrator) publishLocked() {
	s := o.state.Clone()
	o.snapshot.Store(&s)
}

func (o *Orchestrator) persistLocked() {
	o.state.BudgetDay = o.deps.Budget.Day()
	o.state.BudgetCumulative = o.deps.Budget.Cumulative()
	o.publishLocked()

	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.Save(o.state); err != nil {
		log.Error("Failed to persist orchestrator state", "path", o.deps.Store.Path(), "error", err)
	}
}

// appendAudit 稽核失敗只記錄日誌；衝突稽核由 Resolver 自行處理
func (o *Orchestrator) appendAudit(ctx context.Context, entry audit.Entry) {
	if err := o.deps.Audit.Append(ctx, entry); err != nil {
		log.Error("Audit append failed", "kind", entry.Kind, "cycle", entry.Cycle, "error", err)
	}
}
