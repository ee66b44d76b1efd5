// ============================================================================
// fleetsync HealthMonitor - 併發健康檢查與聚合
// ============================================================================
//
// Package: internal/health
// 文件: monitor.go
// 功能: 併發執行所有已註冊的檢查，每個檢查有自己的超時
//
// 聚合規則:
//   - 任一 critical 標記的檢查回傳 critical → critical
//   - 否則任一檢查為 critical 或 degraded → degraded
//   - 否則 → healthy（unknown 不會降級）
//
// 錯誤處理:
//   - 檢查回傳錯誤、超時或 panic 一律視為 critical
//   - 同時發生的 CheckAll 呼叫（週期與 /healthz）以 singleflight 合併
//
// ============================================================================

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

var log = slog.Default()

// DefaultTimeout 未設定超時的檢查使用的預設值
const DefaultTimeout = 5 * time.Second

// ErrCheckTimeout 檢查在超時內未回應
var ErrCheckTimeout = errors.New("health: check timed out")

// Report 一次 CheckAll 的結果
type Report struct {
	Overall          types.HealthStatus                 `json:"overall"`
	Checks           map[string]types.HealthCheckResult `json:"checks"`
	CriticalFailures []string                           `json:"critical_failures,omitempty"`
	Timestamp        time.Time                          `json:"timestamp"`
}

type entry struct {
	name     string
	critical bool
	timeout  time.Duration
	check    Check
}

// Monitor 健康監控器
type Monitor struct {
	entries []entry
	closers []io.Closer
	now     func() time.Time
	group   singleflight.Group
}

// NewMonitor 建立空的監控器
func NewMonitor() *Monitor {
	return &Monitor{now: time.Now}
}

// SetClock 替換時鐘（測試用）
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Register 註冊一個檢查；critical 標記在註冊時固定
func (m *Monitor) Register(name string, critical bool, timeout time.Duration, check Check) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m.entries = append(m.entries, entry{name: name, critical: critical, timeout: timeout, check: check})
}

// Names 已註冊的檢查名稱
func (m *Monitor) Names() []string {
	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.name
	}
	return names
}

// CheckAll 併發執行所有檢查並聚合
func (m *Monitor) CheckAll(ctx context.Context) Report {
	// singleflight shares the first caller's context with every waiter, so
	// cancellation is detached and only the per-check timeouts apply.
	detached := context.WithoutCancel(ctx)
	v, _, _ := m.group.Do("check-all", func() (any, error) {
		return m.checkAll(detached), nil
	})
	return v.(Report)
}

func (m *Monitor) checkAll(ctx context.Context) Report {
	results := make([]types.HealthCheckResult, len(m.entries))

	var g errgroup.Group
	for i, e := range m.entries {
		g.Go(func() error {
			results[i] = m.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	report := Aggregate(results)
	report.Timestamp = m.now().UTC()

	for _, r := range results {
		if r.Status != types.HealthHealthy {
			log.Warn("Health check not healthy", "check", r.Name, "status", r.Status, "critical", r.Critical, "error", r.Error)
		}
	}
	return report
}

// run 執行單一檢查：超時與 panic 都轉為 critical
func (m *Monitor) run(ctx context.Context, e entry) types.HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		status types.HealthStatus
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{types.HealthCritical, fmt.Errorf("health: check panicked: %v", r)}
			}
		}()
		status, err := e.check.Check(ctx)
		done <- outcome{status, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{types.HealthCritical, fmt.Errorf("%w after %s: %v", ErrCheckTimeout, e.timeout, ctx.Err())}
	}

	result := types.HealthCheckResult{
		Name:      e.name,
		Status:    out.status,
		Timestamp: m.now().UTC(),
		Critical:  e.critical,
		Latency:   time.Since(start),
	}
	if out.err != nil {
		result.Status = types.HealthCritical
		result.Error = out.err.Error()
	}
	if result.Status == "" {
		result.Status = types.HealthUnknown
	}
	return result
}

// Aggregate 把個別結果聚合為整體狀態
func Aggregate(results []types.HealthCheckResult) Report {
	report := Report{
		Overall: types.HealthHealthy,
		Checks:  make(map[string]types.HealthCheckResult, len(results)),
	}

	degraded := false
	for _, r := range results {
		report.Checks[r.Name] = r
		switch r.Status {
		case types.HealthCritical:
			if r.Critical {
				report.CriticalFailures = append(report.CriticalFailures, r.Name)
			} else {
				degraded = true
			}
		case types.HealthDegraded:
			degraded = true
		}
	}
	sort.Strings(report.CriticalFailures)

	switch {
	case len(report.CriticalFailures) > 0:
		report.Overall = types.HealthCritical
	case degraded:
		report.Overall = types.HealthDegraded
	}
	return report
}

// Close 釋放由 Build 建立的連線
func (m *Monitor) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
