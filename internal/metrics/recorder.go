// ============================================================================
// fleetsync MetricsCollector - rolling-window samples
// ============================================================================
//
// Package: internal/metrics
// File: recorder.go
// Purpose: Bounded in-memory ring buffer of MetricSample, windowed aggregates
//          and on-demand anomaly detection.
//
// Ring buffer:
//   - Fixed capacity, the oldest sample is overwritten when full
//   - Single writer (the orchestrator loop); readers receive copies
//
// Anomaly thresholds (static, evaluated only when asked):
//   success_rate   mean < 0.95 → critical
//   sync_latency   p95  > 10s  → warning
//   conflict_rate  mean > 0.10 → warning
//   error_rate     mean > 0.05 → critical
//
// ============================================================================

package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// DefaultCapacity is used when the configured capacity is not positive
const DefaultCapacity = 10000

// Stats windowed aggregate of one metric type
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Severity of an anomaly
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly a threshold violation found by DetectAnomalies
type Anomaly struct {
	MetricType types.MetricType `json:"metric_type"`
	Severity   Severity         `json:"severity"`
	Statistic  string           `json:"statistic"`
	Value      float64          `json:"value"`
	Threshold  float64          `json:"threshold"`
	Message    string           `json:"message"`
}

// threshold describes one static anomaly rule
type threshold struct {
	metric    types.MetricType
	statistic string // "mean" or "p95"
	above     bool   // true: value > limit is anomalous; false: value < limit
	limit     float64
	severity  Severity
}

var thresholds = []threshold{
	{metric: types.MetricSuccessRate, statistic: "mean", above: false, limit: 0.95, severity: SeverityCritical},
	{metric: types.MetricSyncLatency, statistic: "p95", above: true, limit: 10, severity: SeverityWarning},
	{metric: types.MetricConflictRate, statistic: "mean", above: true, limit: 0.10, severity: SeverityWarning},
	{metric: types.MetricErrorRate, statistic: "mean", above: true, limit: 0.05, severity: SeverityCritical},
}

// Recorder the MetricsCollector ring buffer
type Recorder struct {
	mu            sync.RWMutex
	buf           []types.MetricSample
	next          int  // next write position
	full          bool // buffer has wrapped
	anomalyWindow time.Duration
	now           func() time.Time
}

// NewRecorder creates a Recorder
//
// Parameters:
//   - capacity: maximum samples retained
//   - anomalyWindow: window used by DetectAnomalies
func NewRecorder(capacity int, anomalyWindow time.Duration) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if anomalyWindow <= 0 {
		anomalyWindow = time.Hour
	}
	return &Recorder{
		buf:           make([]types.MetricSample, capacity),
		anomalyWindow: anomalyWindow,
		now:           time.Now,
	}
}

// SetClock overrides the time source (tests)
func (r *Recorder) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Log appends samples, dropping the oldest beyond capacity
func (r *Recorder) Log(samples ...types.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			s.Timestamp = r.now()
		}
		r.buf[r.next] = s
		r.next = (r.next + 1) % len(r.buf)
		if r.next == 0 {
			r.full = true
		}
	}
}

// Len returns the number of retained samples
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Samples returns a copy of retained samples, oldest first
func (r *Recorder) Samples() []types.MetricSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.samplesLocked()
}

func (r *Recorder) samplesLocked() []types.MetricSample {
	if !r.full {
		return append([]types.MetricSample(nil), r.buf[:r.next]...)
	}
	out := make([]types.MetricSample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// WindowStats aggregates one metric type over the trailing window
func (r *Recorder) WindowStats(metric types.MetricType, window time.Duration) Stats {
	r.mu.RLock()
	cutoff := r.now().Add(-window)
	var values []float64
	for _, s := range r.samplesLocked() {
		if s.MetricType == metric && !s.Timestamp.Before(cutoff) {
			values = append(values, s.Value)
		}
	}
	r.mu.RUnlock()

	return computeStats(values)
}

func computeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	return Stats{
		Count:  len(values),
		Mean:   sum / float64(len(values)),
		Median: percentile(values, 50),
		Min:    values[0],
		Max:    values[len(values)-1],
		P95:    percentile(values, 95),
		P99:    percentile(values, 99),
	}
}

// percentile 線性插值，輸入必須已排序
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// DetectAnomalies evaluates the static thresholds over the anomaly window
func (r *Recorder) DetectAnomalies() []Anomaly {
	var anomalies []Anomaly
	for _, th := range thresholds {
		stats := r.WindowStats(th.metric, r.anomalyWindow)
		if stats.Count == 0 {
			continue
		}

		value := stats.Mean
		if th.statistic == "p95" {
			value = stats.P95
		}

		violated := value < th.limit
		op := "<"
		if th.above {
			violated = value > th.limit
			op = ">"
		}
		if !violated {
			continue
		}

		anomalies = append(anomalies, Anomaly{
			MetricType: th.metric,
			Severity:   th.severity,
			Statistic:  th.statistic,
			Value:      value,
			Threshold:  th.limit,
			Message:    fmt.Sprintf("%s %s %.4f %s %.4f", th.metric, th.statistic, value, op, th.limit),
		})
	}
	return anomalies
}
