// ============================================================================
// fleetsync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將同步循環的運行狀態暴露給 Prometheus
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - fleetsync_cycles_total{outcome}: 循環次數 (completed/skipped/failed)
//      - fleetsync_records_synced_total{direction}: 已同步記錄 (downstream/upstream)
//      - fleetsync_conflicts_total{type}: 已解決衝突
//      - fleetsync_errors_total{phase}: 錯誤 (downstream/upstream/resolve/health/budget)
//
//   2. 分佈 (Histogram)：
//      - fleetsync_cycle_duration_seconds: 單次循環耗時
//
//   3. 瞬時值 (Gauge)：
//      - fleetsync_cost_cumulative: 當日累計成本
//      - fleetsync_health_status: 0 healthy / 1 degraded / 2 critical / 3 unknown
//      - fleetsync_orchestrator_status{status}: 目前狀態為 1，其餘為 0
//
// Prometheus 查詢示例:
//
//   # 每分鐘同步記錄數
//   rate(fleetsync_records_synced_total[1m])
//
//   # 95 分位循環耗時
//   histogram_quantile(0.95, fleetsync_cycle_duration_seconds_bucket)
//
// 與 Recorder 的分工:
//   Collector 只負責對外暴露；窗口統計與異常檢測由 Recorder 負責
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/ChuLiYu/fleetsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetsync"

var allStatuses = []types.OrchestratorStatus{
	types.StatusInitializing,
	types.StatusRunning,
	types.StatusPaused,
	types.StatusError,
	types.StatusStopped,
}

// Collector Prometheus 指標收集器
type Collector struct {
	cycles        *prometheus.CounterVec
	recordsSynced *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	errors        *prometheus.CounterVec

	cycleDuration prometheus.Histogram

	costCumulative prometheus.Gauge
	healthStatus   prometheus.Gauge
	status         *prometheus.GaugeVec
}

// NewCollector 創建並註冊指標收集器
//
// 參數：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome",
		}, []string{"outcome"}),
		recordsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_synced_total",
			Help:      "Records synced by direction",
		}, []string{"direction"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts resolved by conflict type",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by cycle phase",
		}, []string{"phase"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Sync cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		costCumulative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cost_cumulative",
			Help:      "Cumulative cost for the current UTC day",
		}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "Overall health: 0 healthy, 1 degraded, 2 critical, 3 unknown",
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestrator_status",
			Help:      "1 for the current orchestrator status, 0 otherwise",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.cycles,
		c.recordsSynced,
		c.conflicts,
		c.errors,
		c.cycleDuration,
		c.costCumulative,
		c.healthStatus,
		c.status,
	)
	c.healthStatus.Set(healthValue(types.HealthUnknown))
	return c
}

// RecordCycle 記錄一次循環的結果
func (c *Collector) RecordCycle(summary types.CycleSummary) {
	switch {
	case summary.SkippedReason != "":
		c.cycles.WithLabelValues("skipped").Inc()
		return
	case summary.Errors > 0:
		c.cycles.WithLabelValues("failed").Inc()
	default:
		c.cycles.WithLabelValues("completed").Inc()
	}
	c.cycleDuration.Observe(summary.Duration.Seconds())
}

// RecordSynced 記錄同步筆數
func (c *Collector) RecordSynced(direction string, n int) {
	if n > 0 {
		c.recordsSynced.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordConflict 記錄一筆已解決的衝突
func (c *Collector) RecordConflict(conflictType types.ConflictType) {
	c.conflicts.WithLabelValues(string(conflictType)).Inc()
}

// RecordError 記錄一個階段錯誤
func (c *Collector) RecordError(phase string) {
	c.errors.WithLabelValues(phase).Inc()
}

// SetCost 設置當日累計成本
func (c *Collector) SetCost(cumulative float64) {
	c.costCumulative.Set(cumulative)
}

// SetHealth 設置整體健康狀態
func (c *Collector) SetHealth(status types.HealthStatus) {
	c.healthStatus.Set(healthValue(status))
}

// SetStatus 設置協調器狀態，只有目前狀態為 1
func (c *Collector) SetStatus(current types.OrchestratorStatus) {
	for _, s := range allStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		c.status.WithLabelValues(string(s)).Set(v)
	}
}

func healthValue(status types.HealthStatus) float64 {
	switch status {
	case types.HealthHealthy:
		return 0
	case types.HealthDegraded:
		return 1
	case types.HealthCritical:
		return 2
	default:
		return 3
	}
}

// Handler 返回 /metrics 的 HTTP handler
//
// 參數：
//   - g: 指標來源；nil 時使用 prometheus.DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
