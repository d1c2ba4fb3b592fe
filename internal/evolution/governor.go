package evolution

import (
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/store"
	"evoengine/internal/types"
)

// =============================================================================
// RATE GOVERNOR
// =============================================================================

// Governor owns the daily budget arithmetic: execution counters, the
// derived remaining budget, the automatic-rollback cap, and the
// local-day rollover. The counters themselves live in the state store;
// the governor only mutates them through its API.
type Governor struct {
	store             *store.StateStore
	dailyLimit        int
	maxDailyRollbacks int
	now               func() time.Time
}

func NewGovernor(st *store.StateStore, cfg *config.Config) *Governor {
	return &Governor{
		store:             st,
		dailyLimit:        cfg.Evolution.DailyLimit,
		maxDailyRollbacks: cfg.SelfHeal.MaxDailyRollbacks,
		now:               time.Now,
	}
}

// Counters returns today's counters, rolling them over first if the
// local date changed since the last write.
func (g *Governor) Counters() types.DailyCounters {
	c := g.store.LoadCounters()
	today := types.LocalDate(g.now())
	if c.Date != today {
		c.ResetFor(today, g.dailyLimit)
		g.store.SaveCounters(c)
		logging.Executor("Daily counters reset for %s (budget %d)", today, g.dailyLimit)
	}
	return c
}

// Remaining is derived from the configured limit, never trusted from
// disk: max(0, limit - executions).
func (g *Governor) Remaining() int {
	c := g.Counters()
	if r := g.dailyLimit - c.ExecutionsToday; r > 0 {
		return r
	}
	return 0
}

func (g *Governor) RecordSuccess(d time.Duration) types.DailyCounters {
	c := g.Counters()
	c.RecordSuccess(d, g.dailyLimit)
	g.store.SaveCounters(c)
	return c
}

func (g *Governor) RecordFailure(d time.Duration) types.DailyCounters {
	c := g.Counters()
	c.RecordFailure(d, g.dailyLimit)
	g.store.SaveCounters(c)
	return c
}

func (g *Governor) RecordRejection(d time.Duration) types.DailyCounters {
	c := g.Counters()
	c.RecordRejection(d, g.dailyLimit)
	g.store.SaveCounters(c)
	return c
}

// AllowAutoRollback reports whether another automatic rollback fits
// under today's cap. Manual rollbacks bypass this entirely.
func (g *Governor) AllowAutoRollback() bool {
	c := g.Counters()
	return c.AutoRollbacksToday < g.maxDailyRollbacks
}

func (g *Governor) RecordRollback(mode types.RollbackMode) types.DailyCounters {
	c := g.Counters()
	c.RecordRollback(mode)
	g.store.SaveCounters(c)
	return c
}

// Health buckets today's counters.
func (g *Governor) Health() types.Health {
	c := g.Counters()
	return c.Health()
}
