package evolution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/store"
	"evoengine/internal/transparency"
	"evoengine/internal/types"
)

// =============================================================================
// SCHEDULER
// =============================================================================

// SchedulerState is the scheduler's lifecycle position.
type SchedulerState string

const (
	SchedulerStopped    SchedulerState = "stopped"
	SchedulerRunning    SchedulerState = "running"
	SchedulerPaused     SchedulerState = "paused"
	SchedulerQuietHours SchedulerState = "quiet-hours"
)

// RuleProvider yields the rule set a tick pins. Every proposal in a
// batch sees the same rules; edits take effect on the next tick.
type RuleProvider interface {
	Current() *RuleSet
}

// TickReport is one scheduling pass's outcome.
type TickReport struct {
	Skipped   string // skip reason; empty when the tick ran
	Pending   int
	Batched   int
	Escalated int
	Swept     int
	Summary   *BatchSummary
}

// SchedulerStatus is the status verb's snapshot.
type SchedulerStatus struct {
	State     SchedulerState
	Pending   int
	NextRun   time.Time
	LastTick  time.Time
	Ticks     int
	Succeeded int
	Failed    int
}

// Scheduler drives the control loop: on a fixed interval it pulls the
// dispatch queue, orders it, slices a batch, and hands it to the
// executor. It owns the quiet-hours window and auto-pauses when the
// executor turns unhealthy.
type Scheduler struct {
	store    *store.StateStore
	executor *Executor
	monitor  *Monitor
	governor *Governor
	bus      *transparency.EventBus
	rules    RuleProvider
	cfg      *config.Config

	mu        sync.Mutex
	state     SchedulerState
	stopCh    chan struct{}
	doneCh    chan struct{}
	escalated map[string]bool
	ticks     int
	succeeded int
	failed    int
	lastTick  time.Time
	nextTick  time.Time

	now func() time.Time
}

func NewScheduler(st *store.StateStore, exec *Executor, mon *Monitor, gov *Governor, bus *transparency.EventBus, rules RuleProvider, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:     st,
		executor:  exec,
		monitor:   mon,
		governor:  gov,
		bus:       bus,
		rules:     rules,
		cfg:       cfg,
		state:     SchedulerStopped,
		escalated: make(map[string]bool),
		now:       time.Now,
	}
}

// inQuietHours reports whether t falls inside the window, comparing
// hour components only. StartHour > EndHour wraps around midnight.
func inQuietHours(q config.QuietHoursConfig, t time.Time) bool {
	if !q.Enabled {
		return false
	}
	h := t.Hour()
	if q.StartHour > q.EndHour {
		return h >= q.StartHour || h < q.EndHour
	}
	return h >= q.StartHour && h < q.EndHour
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches the tick loop. Starting a scheduler that is not
// stopped is a no-op, so a double start cannot double-schedule.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != SchedulerStopped {
		state := s.state
		s.mu.Unlock()
		logging.SchedulerWarn("Start ignored: scheduler is %s", state)
		return
	}
	s.state = SchedulerRunning
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	interval := s.cfg.GetInterval()
	s.nextTick = s.now().Add(interval)
	s.mu.Unlock()

	logging.Scheduler("Started: interval=%s batch=%d order=%s",
		interval, s.cfg.Evolution.BatchSize, s.cfg.Evolution.PriorityOrder)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.GetInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.state = SchedulerStopped
			s.nextTick = time.Time{}
			s.mu.Unlock()
			logging.Scheduler("Stopped: %v", ctx.Err())
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
			s.mu.Lock()
			s.nextTick = s.now().Add(s.cfg.GetInterval())
			s.mu.Unlock()
		}
	}
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == SchedulerStopped {
		s.mu.Unlock()
		return
	}
	s.state = SchedulerStopped
	s.nextTick = time.Time{}
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	logging.Scheduler("Stopped")
}

// Pause suspends dispatching until Resume. The loop keeps ticking so
// quiet-hours reconciliation and the status view stay current.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SchedulerRunning && s.state != SchedulerQuietHours {
		return
	}
	s.state = SchedulerPaused
	logging.Scheduler("Paused: %s", reason)
}

// Resume re-enables dispatching after a manual or automatic pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SchedulerPaused {
		return
	}
	s.state = SchedulerRunning
	logging.Scheduler("Resumed")
}

// State returns the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports the scheduler's externally visible condition.
func (s *Scheduler) Status() SchedulerStatus {
	now := s.now()
	s.mu.Lock()
	s.reconcileQuietLocked(now)
	status := SchedulerStatus{
		State:     s.state,
		NextRun:   s.nextTick,
		LastTick:  s.lastTick,
		Ticks:     s.ticks,
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
	s.mu.Unlock()

	status.Pending = len(s.store.ListRunnable())
	return status
}

// =============================================================================
// TICK
// =============================================================================

// Tick runs one scheduling pass, honoring the state gate.
func (s *Scheduler) Tick(ctx context.Context) *TickReport {
	return s.tick(ctx, false)
}

// ForceTick bypasses the stopped/paused gate for operator-triggered
// runs. Quiet hours and the executor-busy check still hold.
func (s *Scheduler) ForceTick(ctx context.Context) *TickReport {
	return s.tick(ctx, true)
}

func (s *Scheduler) tick(ctx context.Context, forced bool) *TickReport {
	now := s.now()
	report := &TickReport{}

	s.mu.Lock()
	s.reconcileQuietLocked(now)
	state := s.state
	s.mu.Unlock()

	switch {
	case !forced && (state == SchedulerStopped || state == SchedulerPaused):
		report.Skipped = string(state)
	case state == SchedulerQuietHours || inQuietHours(s.cfg.QuietHours, now):
		report.Skipped = "quiet-hours"
	case s.executor.IsProcessing():
		report.Skipped = "busy"
	}
	if report.Skipped != "" {
		s.bus.Emit(transparency.SchedulerTick{Skipped: report.Skipped})
		logging.SchedulerDebug("Tick skipped: %s", report.Skipped)
		return report
	}

	runnable := s.store.ListRunnable()
	report.Pending = len(runnable)
	report.Escalated = s.escalateStale(runnable, now)

	batch := s.prioritize(runnable)
	if max := s.cfg.Evolution.BatchSize; len(batch) > max {
		batch = batch[:max]
	}
	report.Batched = len(batch)

	s.bus.Emit(transparency.SchedulerTick{Pending: report.Pending, Batched: report.Batched})

	if len(batch) > 0 {
		report.Summary = s.executor.ExecuteBatch(ctx, batch, s.currentRules())
	} else {
		report.Summary = &BatchSummary{}
	}

	if s.cfg.SelfHeal.Enabled && report.Summary.Fatal == "" {
		report.Swept = s.monitor.Sweep(ctx)
	}

	s.mu.Lock()
	s.ticks++
	s.lastTick = now
	s.succeeded += report.Summary.Succeeded
	s.failed += report.Summary.Failed
	s.mu.Unlock()

	if report.Summary.Fatal != "" {
		s.pauseFatal(report.Summary.Fatal)
		return report
	}
	s.checkHealth()

	logging.SchedulerDebug("Tick done: pending=%d batched=%d escalated=%d swept=%d",
		report.Pending, report.Batched, report.Escalated, report.Swept)
	return report
}

// pauseFatal halts dispatching after an error that further ticks
// cannot outrun, and says so loudly on the bus.
func (s *Scheduler) pauseFatal(reason string) {
	s.Pause(reason)
	c := s.governor.Counters()
	s.bus.Emit(transparency.HealthCheck{
		Health:        c.Health(),
		SuccessRate:   c.SuccessRate,
		FailuresToday: c.FailuresToday,
		Paused:        true,
		Reason:        reason,
	})
}

// reconcileQuietLocked flips running and quiet-hours as the wall clock
// crosses the window. Paused and stopped are never touched.
func (s *Scheduler) reconcileQuietLocked(now time.Time) {
	switch s.state {
	case SchedulerRunning:
		if inQuietHours(s.cfg.QuietHours, now) {
			s.state = SchedulerQuietHours
			logging.Scheduler("Entering quiet hours (%02d:00-%02d:00)",
				s.cfg.QuietHours.StartHour, s.cfg.QuietHours.EndHour)
		}
	case SchedulerQuietHours:
		if !inQuietHours(s.cfg.QuietHours, now) {
			s.state = SchedulerRunning
			logging.Scheduler("Leaving quiet hours")
		}
	}
}

// escalateStale emits one escalation event per overdue proposal. The
// proposal stays queued; escalation is an observability signal, not a
// status change.
func (s *Scheduler) escalateStale(proposals []*types.Proposal, now time.Time) int {
	maxAge := s.cfg.GetMaxAge()

	var overdue []*types.Proposal
	s.mu.Lock()
	for _, p := range proposals {
		if p.Age(now) < maxAge || s.escalated[p.ID] {
			continue
		}
		s.escalated[p.ID] = true
		overdue = append(overdue, p)
	}
	s.mu.Unlock()

	for _, p := range overdue {
		age := p.Age(now)
		logging.SchedulerWarn("Proposal %s pending for %s (limit %s)", p.ID, age.Round(time.Minute), maxAge)
		s.bus.Emit(transparency.ProposalEscalated{
			ProposalID: p.ID,
			AgeMs:      age.Milliseconds(),
			Reason:     fmt.Sprintf("pending longer than %s", maxAge),
		})
	}
	return len(overdue)
}

// prioritize orders candidates by the configured strategy. Sorting is
// stable, so equal keys preserve queue order.
func (s *Scheduler) prioritize(proposals []*types.Proposal) []*types.Proposal {
	out := make([]*types.Proposal, len(proposals))
	copy(out, proposals)

	switch s.cfg.Evolution.PriorityOrder {
	case "impact":
		// Lowest declared risk first: land the safe wins early.
		sort.SliceStable(out, func(i, j int) bool {
			if a, b := out[i].DeclaredRisk.Rank(), out[j].DeclaredRisk.Rank(); a != b {
				return a < b
			}
			return olderFirst(out[i], out[j])
		})
	case "risk":
		// Highest declared risk first: surface review-needing changes
		// to humans as fast as possible.
		sort.SliceStable(out, func(i, j int) bool {
			if a, b := out[i].DeclaredRisk.Rank(), out[j].DeclaredRisk.Rank(); a != b {
				return a > b
			}
			return olderFirst(out[i], out[j])
		})
	default: // age
		sort.SliceStable(out, func(i, j int) bool {
			return olderFirst(out[i], out[j])
		})
	}
	return out
}

func olderFirst(a, b *types.Proposal) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Scheduler) currentRules() *RuleSet {
	if s.rules == nil {
		return nil
	}
	return s.rules.Current()
}

// checkHealth auto-pauses the scheduler when the executor turns
// unhealthy. Resuming is a human decision; degraded health is
// reported but does not pause.
func (s *Scheduler) checkHealth() {
	if !s.cfg.SelfHeal.Enabled {
		return
	}
	c := s.governor.Counters()
	health := c.Health()
	if health == types.HealthHealthy {
		return
	}

	paused := false
	if health == types.HealthUnhealthy {
		s.mu.Lock()
		if s.state == SchedulerRunning || s.state == SchedulerQuietHours {
			s.state = SchedulerPaused
			paused = true
		}
		s.mu.Unlock()
	}
	reason := ""
	if paused {
		reason = "executor unhealthy"
		logging.SchedulerError("Executor unhealthy (failures=%d rate=%.2f): auto-pausing, resume manually",
			c.FailuresToday, c.SuccessRate)
	}
	s.bus.Emit(transparency.HealthCheck{
		Health:        health,
		SuccessRate:   c.SuccessRate,
		FailuresToday: c.FailuresToday,
		Paused:        paused,
		Reason:        reason,
	})
}
