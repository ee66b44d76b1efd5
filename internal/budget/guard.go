// ============================================================================
// fleetsync BudgetGuard - daily cost ceiling
// ============================================================================
//
// Package: internal/budget
// File: guard.go
// Purpose: Tracks cumulative cost for the current UTC calendar day and gates
//          cycle execution.
//
// Rules:
//   - WithinBudget() is false once cumulative >= daily limit
//   - Allow(projected) additionally rejects a cycle whose projected cost would
//     push the day over the limit (checked before any sync runs)
//   - One alert per threshold crossing per day at alert_threshold_percent
//   - The day rolls over by date comparison, never by a timer
//
// ============================================================================

package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

var log = slog.Default()

const dayLayout = "2006-01-02"

// Config BudgetGuard configuration
type Config struct {
	DailyLimit            float64 // 0 disables the ceiling
	AlertThresholdPercent float64 // e.g. 80
}

// AlertFunc is invoked once when cumulative cost crosses the alert threshold
type AlertFunc func(day string, cumulative, limit float64)

// Guard enforces the daily budget
type Guard struct {
	mu         sync.Mutex
	config     Config
	now        func() time.Time
	day        string
	cumulative float64
	alerted    bool
	onAlert    AlertFunc
}

// Option configures a Guard
type Option func(*Guard)

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithAlert registers the threshold alert callback
func WithAlert(fn AlertFunc) Option {
	return func(g *Guard) { g.onAlert = fn }
}

// NewGuard creates a Guard
func NewGuard(config Config, opts ...Option) *Guard {
	g := &Guard{config: config, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.day = g.today()
	return g
}

func (g *Guard) today() string {
	return g.now().UTC().Format(dayLayout)
}

// rollLocked resets the accumulator when the UTC date has advanced
func (g *Guard) rollLocked() {
	today := g.today()
	if today != g.day {
		log.Info("Budget day rolled over", "previous_day", g.day, "previous_cumulative", g.cumulative, "day", today)
		g.day = today
		g.cumulative = 0
		g.alerted = false
	}
}

// WithinBudget reports whether today's cumulative cost is below the limit
func (g *Guard) WithinBudget() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	return g.config.DailyLimit <= 0 || g.cumulative < g.config.DailyLimit
}

// Allow reports whether a cycle with the given projected cost may run
func (g *Guard) Allow(projected float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	if g.config.DailyLimit <= 0 {
		return true
	}
	if g.cumulative >= g.config.DailyLimit {
		return false
	}
	return g.cumulative+projected <= g.config.DailyLimit
}

// RecordCost commits one cycle's cost and returns the resulting CostEntry
func (g *Guard) RecordCost(sourceCost, targetCost float64) types.CostEntry {
	g.mu.Lock()
	g.rollLocked()

	total := sourceCost + targetCost
	g.cumulative += total
	entry := types.CostEntry{
		Timestamp:            g.now().UTC(),
		SourceCost:           sourceCost,
		TargetCost:           targetCost,
		TotalCost:            total,
		CumulativeCostForDay: g.cumulative,
	}

	var fire bool
	if g.config.DailyLimit > 0 && g.config.AlertThresholdPercent > 0 && !g.alerted {
		threshold := g.config.DailyLimit * g.config.AlertThresholdPercent / 100
		if g.cumulative >= threshold {
			g.alerted = true
			fire = true
		}
	}
	day, cumulative, limit, onAlert := g.day, g.cumulative, g.config.DailyLimit, g.onAlert
	g.mu.Unlock()

	if fire {
		log.Warn("Budget alert threshold crossed",
			"day", day,
			"cumulative", cumulative,
			"limit", limit,
			"threshold_percent", g.config.AlertThresholdPercent)
		if onAlert != nil {
			onAlert(day, cumulative, limit)
		}
	}
	return entry
}

// Cumulative returns today's cumulative cost
func (g *Guard) Cumulative() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	return g.cumulative
}

// Day returns the UTC day currently tracked
func (g *Guard) Day() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	return g.day
}

// Restore reloads persisted state. A stale day is ignored.
func (g *Guard) Restore(day string, cumulative float64) error {
	if day == "" {
		return nil
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		return fmt.Errorf("budget: invalid persisted day %q: %w", day, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if day != g.today() {
		return nil
	}
	g.day = day
	g.cumulative = cumulative
	if g.config.DailyLimit > 0 && g.config.AlertThresholdPercent > 0 {
		g.alerted = cumulative >= g.config.DailyLimit*g.config.AlertThresholdPercent/100
	}
	return nil
}

// Limit returns the configured daily limit
func (g *Guard) Limit() float64 {
	return g.config.DailyLimit
}
