package evolution

import (
	"context"
	"testing"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/transparency"
	"evoengine/internal/types"

	"go.uber.org/goleak"
)

type staticRules struct{ rs *RuleSet }

func (s staticRules) Current() *RuleSet { return s.rs }

type schedulerFixture struct {
	*executorFixture
	sched *Scheduler
	mon   *Monitor
	nowAt time.Time
}

func newSchedulerFixture(t *testing.T, mutate func(*config.Config)) *schedulerFixture {
	t.Helper()
	base := newExecutorFixture(t, mutate)

	sf := &schedulerFixture{
		executorFixture: base,
		nowAt:           time.Now(),
	}
	sf.mon = NewMonitor(base.store, base.applicator, base.governor, base.bus, base.history, base.cfg)
	sf.sched = NewScheduler(base.store, base.exec, sf.mon, base.governor, base.bus, staticRules{noRules}, base.cfg)
	sf.sched.now = func() time.Time { return sf.nowAt }
	return sf
}

// run puts the scheduler in the running state without spinning up the
// tick loop, so tests drive ticks by hand.
func (sf *schedulerFixture) run() {
	sf.sched.mu.Lock()
	sf.sched.state = SchedulerRunning
	sf.sched.mu.Unlock()
}

func (sf *schedulerFixture) countEvents(et transparency.EventType) int {
	n := 0
	for _, ev := range sf.events {
		if ev.Type() == et {
			n++
		}
	}
	return n
}

func TestInQuietHoursWindow(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 8, 25, hour, 30, 0, 0, time.Local)
	}

	tests := []struct {
		name string
		q    config.QuietHoursConfig
		hour int
		want bool
	}{
		{"wrap evening start", config.QuietHoursConfig{Enabled: true, StartHour: 22, EndHour: 6}, 22, true},
		{"wrap before midnight", config.QuietHoursConfig{Enabled: true, StartHour: 22, EndHour: 6}, 23, true},
		{"wrap after midnight", config.QuietHoursConfig{Enabled: true, StartHour: 22, EndHour: 6}, 5, true},
		{"wrap end excluded", config.QuietHoursConfig{Enabled: true, StartHour: 22, EndHour: 6}, 6, false},
		{"wrap daytime", config.QuietHoursConfig{Enabled: true, StartHour: 22, EndHour: 6}, 12, false},
		{"same-day inside", config.QuietHoursConfig{Enabled: true, StartHour: 9, EndHour: 17}, 16, true},
		{"same-day start", config.QuietHoursConfig{Enabled: true, StartHour: 9, EndHour: 17}, 9, true},
		{"same-day end excluded", config.QuietHoursConfig{Enabled: true, StartHour: 9, EndHour: 17}, 17, false},
		{"same-day outside", config.QuietHoursConfig{Enabled: true, StartHour: 9, EndHour: 17}, 8, false},
		{"disabled", config.QuietHoursConfig{Enabled: false, StartHour: 22, EndHour: 6}, 23, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inQuietHours(tt.q, at(tt.hour)); got != tt.want {
				t.Errorf("inQuietHours(%+v, %02d:30) = %v, want %v", tt.q, tt.hour, got, tt.want)
			}
		})
	}
}

func TestTickGatedByState(t *testing.T) {
	fx := newSchedulerFixture(t, nil)
	fx.put(t, ruleProposal())

	report := fx.sched.Tick(context.Background())
	if report.Skipped != "stopped" {
		t.Fatalf("skipped = %q, want stopped", report.Skipped)
	}

	fx.run()
	fx.sched.Pause("operator request")
	report = fx.sched.Tick(context.Background())
	if report.Skipped != "paused" {
		t.Fatalf("skipped = %q, want paused", report.Skipped)
	}

	// Gated ticks still announce themselves.
	if got := fx.countEvents(transparency.EventSchedulerTick); got != 2 {
		t.Errorf("tick events = %d, want 2", got)
	}
	if got := fx.store.GetProposal(fx.store.ListPending()[0].ID); got.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestForceTickExecutesWhileStopped(t *testing.T) {
	fx := newSchedulerFixture(t, nil)
	p := ruleProposal()
	fx.put(t, p)

	report := fx.sched.ForceTick(context.Background())
	if report.Skipped != "" {
		t.Fatalf("skipped = %q", report.Skipped)
	}
	if report.Pending != 1 || report.Batched != 1 || report.Summary.Succeeded != 1 {
		t.Fatalf("report = %+v summary = %+v", report, report.Summary)
	}
	if got := fx.store.GetProposal(p.ID); got.Status != types.StatusApplied {
		t.Errorf("status = %s, want applied", got.Status)
	}

	// Forcing a tick does not start the loop.
	if st := fx.sched.State(); st != SchedulerStopped {
		t.Errorf("state = %s, want stopped", st)
	}
}

func TestTickEntersAndLeavesQuietHours(t *testing.T) {
	fx := newSchedulerFixture(t, func(c *config.Config) {
		c.QuietHours.Enabled = true
		c.QuietHours.StartHour = 22
		c.QuietHours.EndHour = 6
	})
	fx.run()
	fx.put(t, ruleProposal())

	fx.nowAt = time.Date(2026, 8, 25, 23, 0, 0, 0, time.Local)
	report := fx.sched.Tick(context.Background())
	if report.Skipped != "quiet-hours" {
		t.Fatalf("skipped = %q, want quiet-hours", report.Skipped)
	}
	if st := fx.sched.State(); st != SchedulerQuietHours {
		t.Fatalf("state = %s, want quiet-hours", st)
	}
	if len(fx.store.ListPending()) != 1 {
		t.Fatal("proposal should not run during quiet hours")
	}

	fx.nowAt = time.Date(2026, 8, 26, 7, 0, 0, 0, time.Local)
	report = fx.sched.Tick(context.Background())
	if report.Skipped != "" {
		t.Fatalf("skipped = %q after window", report.Skipped)
	}
	if st := fx.sched.State(); st != SchedulerRunning {
		t.Errorf("state = %s, want running", st)
	}
	if report.Summary.Succeeded != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestForceTickHonorsQuietHours(t *testing.T) {
	fx := newSchedulerFixture(t, func(c *config.Config) {
		c.QuietHours.Enabled = true
		c.QuietHours.StartHour = 22
		c.QuietHours.EndHour = 6
	})
	fx.put(t, ruleProposal())
	fx.nowAt = time.Date(2026, 8, 25, 5, 0, 0, 0, time.Local)

	report := fx.sched.ForceTick(context.Background())
	if report.Skipped != "quiet-hours" {
		t.Fatalf("skipped = %q, want quiet-hours", report.Skipped)
	}
}

func TestTickSkipsWhenExecutorBusy(t *testing.T) {
	fx := newSchedulerFixture(t, nil)
	fx.run()
	fx.exec.processing.Store(true)
	defer fx.exec.processing.Store(false)

	report := fx.sched.Tick(context.Background())
	if report.Skipped != "busy" {
		t.Errorf("skipped = %q, want busy", report.Skipped)
	}
}

func TestPrioritizeOrders(t *testing.T) {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	mk := func(id string, age time.Duration, risk types.RiskLevel) *types.Proposal {
		return &types.Proposal{ID: id, CreatedAt: base.Add(-age), DeclaredRisk: risk}
	}
	oldLow := mk("old-low", 72*time.Hour, types.RiskLow)
	midHigh := mk("mid-high", 48*time.Hour, types.RiskHigh)
	newMed := mk("new-med", 1*time.Hour, types.RiskMedium)
	queue := []*types.Proposal{newMed, oldLow, midHigh}

	tests := []struct {
		order string
		want  []string
	}{
		{"age", []string{"old-low", "mid-high", "new-med"}},
		{"impact", []string{"old-low", "new-med", "mid-high"}},
		{"risk", []string{"mid-high", "new-med", "old-low"}},
	}
	for _, tt := range tests {
		t.Run(tt.order, func(t *testing.T) {
			fx := newSchedulerFixture(t, func(c *config.Config) {
				c.Evolution.PriorityOrder = tt.order
			})
			got := fx.sched.prioritize(queue)
			for i, want := range tt.want {
				if got[i].ID != want {
					t.Fatalf("order %s: position %d = %s, want %s", tt.order, i, got[i].ID, want)
				}
			}
		})
	}
}

func TestTickBatchesByConfiguredSize(t *testing.T) {
	fx := newSchedulerFixture(t, func(c *config.Config) {
		c.Evolution.BatchSize = 2
		c.Evolution.AutonomyLevel = AutonomyManual
	})
	fx.run()
	for i := 0; i < 4; i++ {
		fx.put(t, ruleProposal())
	}

	report := fx.sched.Tick(context.Background())
	if report.Pending != 4 || report.Batched != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Summary.Attempted != 2 || report.Summary.Deferred != 2 {
		t.Fatalf("summary = %+v", report.Summary)
	}

	var tick transparency.SchedulerTick
	for _, ev := range fx.events {
		if p, ok := ev.(transparency.SchedulerTick); ok {
			tick = p
		}
	}
	if tick.Pending != 4 || tick.Batched != 2 {
		t.Errorf("tick event = %+v", tick)
	}
}

func TestTickEscalatesStaleProposalsOnce(t *testing.T) {
	fx := newSchedulerFixture(t, func(c *config.Config) {
		c.Evolution.AutonomyLevel = AutonomyManual
	})
	fx.run()

	stale := ruleProposal()
	stale.CreatedAt = fx.nowAt.Add(-8 * 24 * time.Hour)
	fx.put(t, stale)
	fx.put(t, ruleProposal())

	report := fx.sched.Tick(context.Background())
	if report.Escalated != 1 {
		t.Fatalf("escalated = %d, want 1", report.Escalated)
	}

	var esc transparency.ProposalEscalated
	for _, ev := range fx.events {
		if p, ok := ev.(transparency.ProposalEscalated); ok {
			esc = p
		}
	}
	if esc.ProposalID != stale.ID || esc.AgeMs < 7*24*60*60*1000 {
		t.Fatalf("escalation = %+v", esc)
	}

	// Still queued: escalation never changes status.
	if got := fx.store.GetProposal(stale.ID); got.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	// Second tick does not re-announce.
	report = fx.sched.Tick(context.Background())
	if report.Escalated != 0 {
		t.Errorf("escalated again = %d", report.Escalated)
	}
	if got := fx.countEvents(transparency.EventProposalEscalated); got != 1 {
		t.Errorf("escalation events = %d, want 1", got)
	}
}

func TestTickAutoPausesWhenUnhealthy(t *testing.T) {
	fx := newSchedulerFixture(t, nil)
	fx.run()
	for i := 0; i < 5; i++ {
		fx.governor.RecordFailure(time.Second)
	}

	report := fx.sched.Tick(context.Background())
	if report.Skipped != "" {
		t.Fatalf("skipped = %q", report.Skipped)
	}
	if st := fx.sched.State(); st != SchedulerPaused {
		t.Fatalf("state = %s, want paused", st)
	}

	var hc transparency.HealthCheck
	for _, ev := range fx.events {
		if p, ok := ev.(transparency.HealthCheck); ok {
			hc = p
		}
	}
	if hc.Health != types.HealthUnhealthy || !hc.Paused || hc.FailuresToday != 5 {
		t.Fatalf("health event = %+v", hc)
	}

	// Paused stays paused until a human resumes.
	if report = fx.sched.Tick(context.Background()); report.Skipped != "paused" {
		t.Fatalf("skipped = %q, want paused", report.Skipped)
	}
	fx.sched.Resume()
	if st := fx.sched.State(); st != SchedulerRunning {
		t.Errorf("state = %s after resume", st)
	}
}

func TestTickPausesOnFatalStoreFailure(t *testing.T) {
	fx := newSchedulerFixture(t, nil)
	fx.sched.rules = staticRules{CompileRules([]config.CustomRule{{Name: "no-changes", Action: "reject"}})}
	fx.run()

	p := ruleProposal()
	fx.put(t, p)

	// A rejection must be flushed before it is user-visible; a store
	// that cannot be written ends the batch and parks the scheduler.
	fx.fs.KeepFailingWritesTo("/ws/.evolution/proposals/" + p.ID + ".json")

	report := fx.sched.Tick(context.Background())
	if report.Skipped != "" || report.Summary.Fatal == "" {
		t.Fatalf("report = %+v summary = %+v", report, report.Summary)
	}
	if st := fx.sched.State(); st != SchedulerPaused {
		t.Fatalf("state = %s, want paused", st)
	}

	var hc transparency.HealthCheck
	found := false
	for _, ev := range fx.events {
		if p, ok := ev.(transparency.HealthCheck); ok {
			hc = p
			found = true
		}
	}
	if !found || !hc.Paused || hc.Reason == "" {
		t.Fatalf("health event = %+v (found=%v)", hc, found)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newSchedulerFixture(t, func(c *config.Config) {
		c.Evolution.IntervalMs = 60000
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.sched.Start(ctx)
	if st := fx.sched.State(); st != SchedulerRunning {
		t.Fatalf("state = %s after start", st)
	}

	// Second start is a no-op rather than a second loop.
	fx.sched.Start(ctx)

	fx.sched.Stop()
	if st := fx.sched.State(); st != SchedulerStopped {
		t.Fatalf("state = %s after stop", st)
	}
	fx.sched.Stop()
}

func TestSchedulerStatusSnapshot(t *testing.T) {
	fx := newSchedulerFixture(t, func(c *config.Config) {
		c.Evolution.AutonomyLevel = AutonomyManual
	})
	fx.run()
	fx.put(t, ruleProposal())
	fx.put(t, configProposal())

	fx.sched.Tick(context.Background())

	status := fx.sched.Status()
	if status.State != SchedulerRunning {
		t.Errorf("state = %s", status.State)
	}
	if status.Ticks != 1 || !status.LastTick.Equal(fx.nowAt) {
		t.Errorf("ticks = %d lastTick = %s", status.Ticks, status.LastTick)
	}
	if status.Pending != 2 {
		t.Errorf("pending = %d, want 2", status.Pending)
	}
}
