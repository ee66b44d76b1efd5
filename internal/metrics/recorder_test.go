package metrics

import (
	"testing"
	"time"

	"github.com/ChuLiYu/fleetsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(capacity int) *Recorder {
	r := NewRecorder(capacity, time.Hour)
	r.SetClock(func() time.Time { return baseTime })
	return r
}

func sample(metric types.MetricType, value float64, age time.Duration) types.MetricSample {
	return types.MetricSample{MetricType: metric, Value: value, Timestamp: baseTime.Add(-age)}
}

func TestRingBufferDropsOldest(t *testing.T) {
	r := newTestRecorder(3)
	for i := 1; i <= 5; i++ {
		r.Log(sample(types.MetricCost, float64(i), 0))
	}

	assert.Equal(t, 3, r.Len())
	got := r.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, 3.0, got[0].Value)
	assert.Equal(t, 4.0, got[1].Value)
	assert.Equal(t, 5.0, got[2].Value)
}

func TestSamplesReturnsCopy(t *testing.T) {
	r := newTestRecorder(4)
	r.Log(sample(types.MetricCost, 1, 0))

	got := r.Samples()
	got[0].Value = 99
	assert.Equal(t, 1.0, r.Samples()[0].Value)
}

func TestLogStampsMissingTimestamp(t *testing.T) {
	r := newTestRecorder(4)
	r.Log(types.MetricSample{MetricType: types.MetricCost, Value: 1})
	assert.Equal(t, baseTime, r.Samples()[0].Timestamp)
}

func TestWindowStats(t *testing.T) {
	r := newTestRecorder(100)
	for i := 1; i <= 10; i++ {
		r.Log(sample(types.MetricSyncLatency, float64(i), time.Minute))
	}
	r.Log(sample(types.MetricSyncLatency, 1000, 2*time.Hour)) // outside window
	r.Log(sample(types.MetricCost, 5, time.Minute))           // other metric

	stats := r.WindowStats(types.MetricSyncLatency, time.Hour)
	assert.Equal(t, 10, stats.Count)
	assert.InDelta(t, 5.5, stats.Mean, 1e-9)
	assert.InDelta(t, 5.5, stats.Median, 1e-9)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 10.0, stats.Max)
	assert.InDelta(t, 9.55, stats.P95, 1e-9)
	assert.InDelta(t, 9.91, stats.P99, 1e-9)

	empty := r.WindowStats(types.MetricErrorRate, time.Hour)
	assert.Equal(t, Stats{}, empty)
}

func TestDetectAnomalies(t *testing.T) {
	r := newTestRecorder(100)
	r.Log(
		sample(types.MetricSuccessRate, 0.90, time.Minute),
		sample(types.MetricSuccessRate, 0.92, time.Minute),
		sample(types.MetricSyncLatency, 12, time.Minute),
		sample(types.MetricConflictRate, 0.05, time.Minute),
		sample(types.MetricErrorRate, 0.10, time.Minute),
	)

	anomalies := r.DetectAnomalies()
	byMetric := make(map[types.MetricType]Anomaly)
	for _, a := range anomalies {
		byMetric[a.MetricType] = a
	}

	require.Len(t, anomalies, 3)
	assert.Equal(t, SeverityCritical, byMetric[types.MetricSuccessRate].Severity)
	assert.Equal(t, SeverityWarning, byMetric[types.MetricSyncLatency].Severity)
	assert.Equal(t, "p95", byMetric[types.MetricSyncLatency].Statistic)
	assert.Equal(t, SeverityCritical, byMetric[types.MetricErrorRate].Severity)
	_, flagged := byMetric[types.MetricConflictRate]
	assert.False(t, flagged, "conflict rate below 0.10 is fine")
}

func TestDetectAnomaliesHealthy(t *testing.T) {
	r := newTestRecorder(100)
	r.Log(
		sample(types.MetricSuccessRate, 1, time.Minute),
		sample(types.MetricSyncLatency, 0.5, time.Minute),
		sample(types.MetricConflictRate, 0, time.Minute),
		sample(types.MetricErrorRate, 0, time.Minute),
	)
	assert.Empty(t, r.DetectAnomalies())
}
