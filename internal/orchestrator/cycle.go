// ============================================================================
// fleetsync 同步週期
// ============================================================================
//
// 文件: cycle.go
// 功能: 執行單一週期：健康閘門 → 預算閘門 → downstream → upstream → 衝突解決
//
// 階段延續規則:
//   - downstream 失敗：upstream 照常執行，跳過衝突解決，水位線不前進
//   - upstream 失敗：跳過衝突解決，指紋不前進
//   - 任何階段的錯誤或 panic 都在週期內捕捉，計入 errors_count
//
// ============================================================================

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/fleetsync/internal/audit"
	"github.com/ChuLiYu/fleetsync/internal/conflict"
	"github.com/ChuLiYu/fleetsync/internal/health"
	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/internal/metrics"
	"github.com/ChuLiYu/fleetsync/internal/syncpass"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// 週期被跳過的原因
const (
	SkipPaused = "paused"
	SkipHealth = "health_critical"
	SkipBudget = "budget_exceeded"
)

// 階段名稱（日誌、稽核、Prometheus 標籤）
const (
	phaseHealth     = "health"
	phaseBudget     = "budget"
	phaseDownstream = "downstream"
	phaseUpstream   = "upstream"
	phaseResolve    = "resolve"
)

// cycleInput 週期開始時從狀態取出的唯讀資料
type cycleInput struct {
	number       int64
	watermark    types.Watermark
	fingerprints map[string]string
	lastCost     float64
}

// cycleOutcome 週期結束時合併回狀態的結果
type cycleOutcome struct {
	watermark    *types.Watermark
	fingerprints map[string]string
	conflicts    []types.Conflict
	fieldErrs    int
	attempted    int
	phaseErrs    []phaseFailure
	gate         *gateEvent
	pauseFor     time.Duration
	healthRan    bool
}

type phaseFailure struct {
	phase string
	err   error
}

type resolveResult struct {
	conflicts []types.Conflict
	errs      []error
}

// RunCycle 執行一個週期並回傳摘要
//
// 週期在與呼叫者取消脫鉤的 context 上執行。paused 狀態下回傳
// SkippedReason=paused 的摘要；冷卻到期時先恢復為 running。
//
// 返回值：
//   - ErrNotRunning: 已停止或處於 error
//   - ErrMaxConsecutiveErrors: 本週期使狀態進入 error
func (o *Orchestrator) RunCycle(parent context.Context) (types.CycleSummary, error) {
	if err := o.Start(parent); err != nil {
		return types.CycleSummary{}, err
	}

	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	ctx := context.WithoutCancel(parent)
	start := o.now()

	o.mu.Lock()
	switch o.state.Status {
	case types.StatusStopped, types.StatusError:
		status := o.state.Status
		o.mu.Unlock()
		return types.CycleSummary{}, fmt.Errorf("%w: status %s", ErrNotRunning, status)

	case types.StatusPaused:
		until := o.state.PausedUntil
		if until.IsZero() || start.Before(until) {
			summary := types.CycleSummary{
				SkippedReason: SkipPaused,
				HealthStatus:  o.state.HealthStatus,
				StartedAt:     start.UTC(),
			}
			reason := o.state.PauseReason
			o.mu.Unlock()
			log.Debug("Cycle skipped while paused", "reason", reason, "paused_until", until)
			return summary, nil
		}
		if err := o.transitionLocked(ctx, types.StatusRunning, "cooldown elapsed"); err != nil {
			o.mu.Unlock()
			return types.CycleSummary{}, err
		}
	}

	o.cycle++
	in := cycleInput{
		number:       o.cycle,
		watermark:    types.Watermark{UpdatedAt: o.state.DownstreamWatermark, TaskID: o.state.DownstreamCursorTask},
		fingerprints: o.state.Clone().UpstreamFingerprints,
	}
	if o.state.LastCycle != nil {
		in.lastCost = o.state.LastCycle.Cost
	}
	o.mu.Unlock()

	summary := types.CycleSummary{
		CycleNumber:  in.number,
		RunID:        uuid.NewString(),
		HealthStatus: types.HealthUnknown,
		StartedAt:    start.UTC(),
	}

	ctx, span := o.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.Int64("fleetsync.cycle", in.number),
		attribute.String("fleetsync.run_id", summary.RunID),
	))
	defer span.End()

	out := o.execute(ctx, in, &summary)
	return o.finish(ctx, span, summary, out)
}

// execute 依序執行閘門與同步階段
func (o *Orchestrator) execute(ctx context.Context, in cycleInput, summary *types.CycleSummary) cycleOutcome {
	var out cycleOutcome

	// 1. 健康閘門
	if o.deps.Health != nil {
		report, err := runPhase(ctx, o.tracer, phaseHealth, func(ctx context.Context) (health.Report, error) {
			return o.deps.Health.CheckAll(ctx), nil
		})
		if err != nil {
			out.phaseErrs = append(out.phaseErrs, phaseFailure{phaseHealth, err})
			report = health.Report{Overall: types.HealthCritical, CriticalFailures: []string{phaseHealth}}
		}
		out.healthRan = true
		summary.HealthStatus = report.Overall
		o.appendAudit(ctx, audit.Entry{Kind: audit.KindHealth, Cycle: in.number, Payload: report})

		if report.Overall == types.HealthCritical {
			summary.SkippedReason = SkipHealth
			out.gate = &gateEvent{
				Gate:   phaseHealth,
				Reason: "critical checks failing: " + strings.Join(report.CriticalFailures, ", "),
			}
			out.pauseFor = o.config.HealthCooldown
			return out
		}
	}

	// 2. 預算閘門
	projected := o.config.EstimatedCycleCost
	if projected <= 0 {
		projected = in.lastCost
	}
	if !o.deps.Budget.Allow(projected) {
		summary.SkippedReason = SkipBudget
		out.gate = &gateEvent{
			Gate:       phaseBudget,
			Reason:     "daily budget would be exceeded",
			Cumulative: o.deps.Budget.Cumulative(),
			Projected:  projected,
			Limit:      o.deps.Budget.Limit(),
		}
		out.pauseFor = o.config.BudgetCooldown
		return out
	}

	// 3. DownstreamSync（水位線只在抓取成功時前進）
	down, derr := runPhase(ctx, o.tracer, phaseDownstream, func(ctx context.Context) (syncpass.DownstreamResult, error) {
		return o.deps.Downstream.Sync(ctx, in.watermark)
	})
	if derr != nil {
		out.phaseErrs = append(out.phaseErrs, phaseFailure{phaseDownstream, derr})
	} else {
		next := down.Next
		out.watermark = &next
	}
	o.noteFieldErrors(ctx, in.number, phaseDownstream, down.Errors, down.Warnings)
	out.fieldErrs += len(down.Errors)
	out.attempted += down.RecordsSynced + len(down.Errors)

	// 4. UpstreamSync
	up, uerr := runPhase(ctx, o.tracer, phaseUpstream, func(ctx context.Context) (syncpass.UpstreamResult, error) {
		return o.deps.Upstream.Sync(ctx, in.fingerprints)
	})
	if uerr != nil {
		out.phaseErrs = append(out.phaseErrs, phaseFailure{phaseUpstream, uerr})
	} else {
		out.fingerprints = up.Fingerprints
	}
	o.noteFieldErrors(ctx, in.number, phaseUpstream, up.Errors, up.Warnings)
	out.fieldErrs += len(up.Errors)
	out.attempted += up.RecordsSynced + len(up.Errors)

	summary.RecordsSynced = down.RecordsSynced + up.RecordsSynced
	if o.deps.Collector != nil {
		o.deps.Collector.RecordSynced(phaseDownstream, down.RecordsSynced)
		o.deps.Collector.RecordSynced(phaseUpstream, up.RecordsSynced)
	}

	// 5. ConflictResolver（任一同步階段失敗則跳過）
	if derr != nil || uerr != nil {
		log.Warn("Conflict resolution skipped after phase failure",
			"cycle", in.number,
			"downstream_failed", derr != nil,
			"upstream_failed", uerr != nil)
	} else {
		res, rerr := runPhase(ctx, o.tracer, phaseResolve, func(ctx context.Context) (resolveResult, error) {
			conflicts, errs := o.deps.Resolver.Resolve(ctx, in.number, down.Records(), up.Records())
			return resolveResult{conflicts, errs}, nil
		})
		if rerr != nil {
			out.phaseErrs = append(out.phaseErrs, phaseFailure{phaseResolve, rerr})
		}
		out.conflicts = res.conflicts
		o.noteFieldErrors(ctx, in.number, phaseResolve, res.errs, nil)
		out.fieldErrs += len(res.errs)
		refreshFingerprints(out.fingerprints, up, res.conflicts)
		if o.deps.Collector != nil {
			for _, c := range res.conflicts {
				o.deps.Collector.RecordConflict(c.ConflictType)
			}
		}
	}

	// 6. 成本提交（只有協調器提交）
	entry := o.deps.Budget.RecordCost(down.Cost, up.Cost)
	summary.Cost = entry.TotalCost
	if entry.TotalCost > 0 {
		o.appendAudit(ctx, audit.Entry{Kind: audit.KindCost, Cycle: in.number, Payload: entry})
	}
	if o.deps.Collector != nil {
		o.deps.Collector.SetCost(entry.CumulativeCostForDay)
	}
	return out
}

// finish 合併結果、處理狀態轉換、持久化並輸出摘要
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, summary types.CycleSummary, out cycleOutcome) (types.CycleSummary, error) {
	summary.Conflicts = len(out.conflicts)
	summary.Errors = out.fieldErrs + len(out.phaseErrs)
	summary.Duration = o.now().Sub(summary.StartedAt)
	if summary.Duration < 0 {
		summary.Duration = 0
	}

	for _, pf := range out.phaseErrs {
		log.Error("Cycle phase failed", "cycle", summary.CycleNumber, "phase", pf.phase, "error", pf.err)
		span.RecordError(pf.err, trace.WithAttributes(attribute.String("fleetsync.phase", pf.phase)))
		o.appendAudit(ctx, audit.Entry{
			Kind:    audit.KindError,
			Cycle:   summary.CycleNumber,
			Payload: phaseError{Phase: pf.phase, Error: pf.err.Error()},
		})
		if o.deps.Collector != nil {
			o.deps.Collector.RecordError(pf.phase)
		}
	}
	if len(out.phaseErrs) > 0 {
		span.SetStatus(codes.Error, "phase failure")
	}

	var anomalies []metrics.Anomaly
	if summary.SkippedReason == "" && o.deps.Recorder != nil {
		o.deps.Recorder.Log(cycleSamples(o.now().UTC(), summary, out)...)
		anomalies = o.deps.Recorder.DetectAnomalies()
	}

	// 合併回狀態
	o.mu.Lock()
	st := &o.state
	if summary.SkippedReason == "" {
		st.SyncCount++
		st.LastSyncTime = o.now().UTC()
		if out.watermark != nil {
			st.DownstreamWatermark = out.watermark.UpdatedAt
			st.DownstreamCursorTask = out.watermark.TaskID
		}
		if out.fingerprints != nil {
			st.UpstreamFingerprints = out.fingerprints
		}
		if len(out.phaseErrs) > 0 {
			st.ConsecutiveErrors++
		} else {
			st.ConsecutiveErrors = 0
		}
	}
	st.ConflictsResolved += int64(len(out.conflicts))
	st.ErrorsCount += int64(summary.Errors)
	st.CostAccumulated += summary.Cost
	if out.healthRan {
		st.HealthStatus = summary.HealthStatus
	}
	last := summary
	st.LastCycle = &last

	var fatal error
	if st.Status == types.StatusRunning {
		switch {
		case o.config.MaxRetries > 0 && st.ConsecutiveErrors >= o.config.MaxRetries:
			fatal = fmt.Errorf("%w: %d consecutive failed cycles", ErrMaxConsecutiveErrors, st.ConsecutiveErrors)
			if err := o.transitionLocked(ctx, types.StatusError, fatal.Error()); err != nil {
				log.Error("Failed to enter error state", "error", err)
			}
		case out.gate != nil:
			until := o.now().Add(out.pauseFor).UTC()
			out.gate.PausedUntil = until.Format(time.RFC3339)
			log.Warn("Cycle gated, pausing",
				"cycle", summary.CycleNumber,
				"gate", out.gate.Gate,
				"reason", out.gate.Reason,
				"paused_until", until)
			o.appendAudit(ctx, audit.Entry{Kind: audit.KindGate, Cycle: summary.CycleNumber, Payload: out.gate})
			if err := o.pauseLocked(ctx, out.gate.Gate+": "+out.gate.Reason, until); err != nil {
				log.Error("Failed to pause", "error", err)
			}
		}
	}
	o.persistLocked()
	o.mu.Unlock()

	o.appendAudit(ctx, audit.Entry{Kind: audit.KindCycle, Cycle: summary.CycleNumber, Payload: summary})
	o.recordCycle(ctx, summary)

	log.Info("Cycle complete",
		"cycle", summary.CycleNumber,
		"run_id", summary.RunID,
		"records_synced", summary.RecordsSynced,
		"conflicts", summary.Conflicts,
		"errors", summary.Errors,
		"cost", summary.Cost,
		"health", summary.HealthStatus,
		"duration", summary.Duration,
		"skipped", summary.SkippedReason,
		"anomalies", len(anomalies))
	for _, a := range anomalies {
		log.Warn("Metric anomaly detected",
			"cycle", summary.CycleNumber,
			"metric", a.MetricType,
			"severity", a.Severity,
			"statistic", a.Statistic,
			"value", a.Value,
			"threshold", a.Threshold)
	}

	span.SetAttributes(
		attribute.Int("fleetsync.records_synced", summary.RecordsSynced),
		attribute.Int("fleetsync.conflicts", summary.Conflicts),
		attribute.Int("fleetsync.errors", summary.Errors),
		attribute.String("fleetsync.skipped", summary.SkippedReason),
	)
	return summary, fatal
}

func (o *Orchestrator) recordCycle(ctx context.Context, summary types.CycleSummary) {
	outcome := "completed"
	switch {
	case summary.SkippedReason != "":
		outcome = "skipped"
	case summary.Errors > 0:
		outcome = "failed"
	}
	o.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	o.cycleDuration.Record(ctx, summary.Duration.Seconds())

	if o.deps.Collector != nil {
		o.deps.Collector.RecordCycle(summary)
		if summary.HealthStatus != "" {
			o.deps.Collector.SetHealth(summary.HealthStatus)
		}
	}
}

// noteFieldErrors 把欄位與記錄層級的錯誤掛到週期 span 上；各階段已自行記錄日誌
func (o *Orchestrator) noteFieldErrors(ctx context.Context, cycle int64, phase string, errs, warnings []error) {
	if len(errs) > 0 || len(warnings) > 0 {
		log.Debug("Phase finished with isolated failures",
			"cycle", cycle, "phase", phase, "errors", len(errs), "warnings", len(warnings))
	}
	if len(errs) > 0 {
		trace.SpanFromContext(ctx).AddEvent("sync errors", trace.WithAttributes(
			attribute.String("fleetsync.phase", phase),
			attribute.Int("fleetsync.count", len(errs)),
		))
	}
}

// runPhase 在子 span 中執行一個階段，並把 panic 轉為錯誤
func runPhase[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (res T, err error) {
	ctx, span := tracer.Start(ctx, "sync."+name)
	defer func() {
		if r := recover(); r != nil {
			var zero T
			res = zero
			err = fmt.Errorf("%w: %s: %v", ErrPhasePanic, name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn(ctx)
}

// refreshFingerprints 把寫回 worker 端的輸出解決值併入指紋，
// 下一個週期就不會把解決值當成新輸出再推送一次
func refreshFingerprints(fps map[string]string, up syncpass.UpstreamResult, conflicts []types.Conflict) {
	if fps == nil {
		return
	}
	changed := make(map[string]map[string]any)
	for _, c := range conflicts {
		if c.ConflictType != types.ConflictOutput || conflict.Equal(c.ResolvedValue, c.WorkerValue) {
			continue
		}
		wr, ok := up.PerWorker[c.WorkerID]
		if !ok || !wr.HasSnapshot {
			continue
		}
		// a failed push left the previous fingerprint in place
		if fps[c.WorkerID] != syncpass.Fingerprint(wr.Record.Outputs) {
			continue
		}
		outputs, ok := changed[c.WorkerID]
		if !ok {
			outputs = mapping.CloneMap(wr.Record.Outputs)
			changed[c.WorkerID] = outputs
		}
		outputs[strings.TrimPrefix(c.FieldName, "outputs.")] = mapping.CloneValue(c.ResolvedValue)
	}
	for workerID, outputs := range changed {
		fps[workerID] = syncpass.Fingerprint(outputs)
	}
}

// cycleSamples 週期結束時寫入 Recorder 的樣本
func cycleSamples(now time.Time, summary types.CycleSummary, out cycleOutcome) []types.MetricSample {
	attempted := max(out.attempted, 1)
	success := 1.0
	if len(out.phaseErrs) > 0 {
		success = 0
	} else if out.attempted > 0 {
		success = min(1.0, float64(summary.RecordsSynced)/float64(out.attempted))
	}
	errorRate := min(1.0, float64(summary.Errors)/float64(attempted))
	conflictRate := min(1.0, float64(summary.Conflicts)/float64(max(summary.RecordsSynced, 1)))

	return []types.MetricSample{
		{Timestamp: now, MetricType: types.MetricSyncLatency, Value: summary.Duration.Seconds()},
		{Timestamp: now, MetricType: types.MetricSuccessRate, Value: success},
		{Timestamp: now, MetricType: types.MetricErrorRate, Value: errorRate},
		{Timestamp: now, MetricType: types.MetricConflictRate, Value: conflictRate},
		{Timestamp: now, MetricType: types.MetricCost, Value: summary.Cost},
		{Timestamp: now, MetricType: types.MetricRecords, Value: float64(summary.RecordsSynced)},
	}
}
