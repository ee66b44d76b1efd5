package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a mutable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestGuard(limit, alert float64) (*Guard, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return NewGuard(Config{DailyLimit: limit, AlertThresholdPercent: alert}, WithClock(clock.Now)), clock
}

func TestWithinBudgetUntilLimit(t *testing.T) {
	g, _ := newTestGuard(100, 0)

	assert.True(t, g.WithinBudget())
	g.RecordCost(60, 39.5)
	assert.True(t, g.WithinBudget())
	g.RecordCost(0.5, 0)
	assert.False(t, g.WithinBudget(), "cumulative equal to the limit is exhausted")
	g.RecordCost(5, 0)
	assert.False(t, g.WithinBudget())
}

func TestResetsOnlyWhenUTCDateAdvances(t *testing.T) {
	g, clock := newTestGuard(10, 0)
	g.RecordCost(10, 0)
	require.False(t, g.WithinBudget())

	clock.Set(time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC))
	assert.False(t, g.WithinBudget(), "same UTC day stays exhausted")

	// 01:00 in UTC+2 is still 23:00 on the previous UTC day
	clock.Set(time.Date(2026, 3, 2, 1, 0, 0, 0, time.FixedZone("UTC+2", 2*3600)))
	assert.False(t, g.WithinBudget())

	clock.Set(time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC))
	assert.True(t, g.WithinBudget())
	assert.Equal(t, 0.0, g.Cumulative())
	assert.Equal(t, "2026-03-02", g.Day())
}

func TestAllowRejectsProjectedOverrun(t *testing.T) {
	g, _ := newTestGuard(100, 0)
	g.RecordCost(99.50, 0)

	assert.True(t, g.WithinBudget())
	assert.False(t, g.Allow(1.00), "99.50 + 1.00 would exceed the limit")
	assert.True(t, g.Allow(0.50))
	assert.InDelta(t, 99.50, g.Cumulative(), 1e-9, "a rejected check does not change the accumulator")
}

func TestAlertFiresOncePerCrossing(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var alerts []float64
	g := NewGuard(Config{DailyLimit: 100, AlertThresholdPercent: 80},
		WithClock(clock.Now),
		WithAlert(func(day string, cumulative, limit float64) {
			alerts = append(alerts, cumulative)
		}))

	g.RecordCost(50, 0)
	assert.Empty(t, alerts)
	g.RecordCost(31, 0)
	assert.Equal(t, []float64{81}, alerts)
	g.RecordCost(5, 0)
	assert.Len(t, alerts, 1, "no repeat alert on the same day")

	clock.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	g.RecordCost(85, 0)
	assert.Len(t, alerts, 2, "new day re-arms the alert")
}

func TestCostEntry(t *testing.T) {
	g, _ := newTestGuard(0, 0)
	g.RecordCost(1, 2)
	entry := g.RecordCost(0.5, 0.25)

	assert.Equal(t, 0.5, entry.SourceCost)
	assert.Equal(t, 0.25, entry.TargetCost)
	assert.Equal(t, 0.75, entry.TotalCost)
	assert.Equal(t, 3.75, entry.CumulativeCostForDay)
	assert.True(t, g.WithinBudget(), "zero limit disables the ceiling")
	assert.True(t, g.Allow(1e9))
}

func TestRestore(t *testing.T) {
	g, _ := newTestGuard(100, 80)

	require.NoError(t, g.Restore("2026-02-28", 99))
	assert.Equal(t, 0.0, g.Cumulative(), "a stale day is ignored")

	require.NoError(t, g.Restore("2026-03-01", 99.5))
	assert.Equal(t, 99.5, g.Cumulative())
	assert.False(t, g.Allow(1))

	assert.Error(t, g.Restore("yesterday", 1))
}
