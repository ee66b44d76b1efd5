package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/fleetsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, _ := newTestCollector(t)

	assert.NotNil(t, c.cycles)
	assert.NotNil(t, c.recordsSynced)
	assert.NotNil(t, c.conflicts)
	assert.NotNil(t, c.errors)
	assert.NotNil(t, c.cycleDuration)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.healthStatus), "health starts unknown")
}

func TestRecordCycleOutcomes(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCycle(types.CycleSummary{CycleNumber: 1, Duration: 200 * time.Millisecond})
	c.RecordCycle(types.CycleSummary{CycleNumber: 2, Errors: 1, Duration: time.Second})
	c.RecordCycle(types.CycleSummary{CycleNumber: 3, SkippedReason: "budget_exceeded"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cycles.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cycles.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cycles.WithLabelValues("skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.cycleDuration))
}

func TestRecordCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordSynced("downstream", 3)
	c.RecordSynced("downstream", 0)
	c.RecordSynced("upstream", 2)
	c.RecordConflict(types.ConflictParameter)
	c.RecordConflict(types.ConflictParameter)
	c.RecordError("upstream")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.recordsSynced.WithLabelValues("downstream")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.recordsSynced.WithLabelValues("upstream")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.conflicts.WithLabelValues("parameter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("upstream")))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetCost(12.5)
	assert.Equal(t, 12.5, testutil.ToFloat64(c.costCumulative))

	c.SetHealth(types.HealthDegraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.healthStatus))

	c.SetStatus(types.StatusRunning)
	c.SetStatus(types.StatusPaused)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.status.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.status.WithLabelValues("paused")))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "registering twice on the same registry should panic")

	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	}, "a separate registry is independent")
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)

	done := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			c.RecordSynced("downstream", 1)
			c.RecordConflict(types.ConflictStatus)
			c.SetCost(1)
			done <- true
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	assert.Equal(t, 50.0, testutil.ToFloat64(c.recordsSynced.WithLabelValues("downstream")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordSynced("upstream", 4)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `fleetsync_records_synced_total{direction="upstream"} 4`)
}
