package evolution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/evolution/council"
	"evoengine/internal/logging"
	"evoengine/internal/store"
	"evoengine/internal/transparency"
	"evoengine/internal/types"
)

// =============================================================================
// ENGINE
// =============================================================================

// Deps are the engine's injectable collaborators. Zero values get
// production defaults; tests swap in fakes.
type Deps struct {
	// Filesystem backs all target and state I/O. Nil means the host
	// filesystem.
	Filesystem types.Filesystem
	// Council reviews proposals the policy cannot approve alone. Nil
	// with council enabled in config builds the Gemini-backed one.
	Council types.CouncilOracle
	// History serves and records the long-lived track record. Nil opens
	// the SQLite store at the configured path.
	History HistoryLog
	// Metrics supplies performance snapshots for application events.
	// Nil derives them from recent signals.
	Metrics MetricsSource
	// Bus receives all lifecycle events. Nil creates a private bus.
	Bus *transparency.EventBus
	// GlobalDir is the root for global-scope targets. Empty resolves to
	// a home-level directory, falling back to the workspace.
	GlobalDir string
	// Clock overrides time for the scheduler, governor, executor, and
	// monitor together, so tests carry a single time story.
	Clock func() time.Time
}

// Engine assembles the full control loop behind one handle: store,
// scorer, policy, applicator, executor, governor, monitor, scheduler,
// and the rule watcher. Scheduler to executor is the only direct
// inter-component reference; everything else communicates through
// returned values and bus events.
type Engine struct {
	cfg       *config.Config
	workspace string
	fs        types.Filesystem

	store      *store.StateStore
	bus        *transparency.EventBus
	governor   *Governor
	applicator *Applicator
	executor   *Executor
	monitor    *Monitor
	scheduler  *Scheduler
	watcher    *RuleWatcher

	history      HistoryLog
	historyOwned bool
	councilClose func() error
}

// New wires the engine for a workspace. The state-store lock is taken
// here, so a second engine on the same workspace fails fast.
func New(workspace string, cfg *config.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fs := deps.Filesystem
	if fs == nil {
		fs = types.NewOSFilesystem()
	}

	st, err := store.NewStateStore(fs, workspace)
	if err != nil {
		return nil, err
	}

	bus := deps.Bus
	if bus == nil {
		bus = transparency.NewEventBus()
	}

	e := &Engine{
		cfg:       cfg,
		workspace: workspace,
		fs:        fs,
		store:     st,
		bus:       bus,
	}

	e.history, e.historyOwned = resolveHistory(workspace, cfg, deps.History)

	oracle := deps.Council
	if oracle == nil && cfg.Council.Enabled {
		c, err := council.New(context.Background(), cfg.Council, cfg.GetCouncilTimeout())
		if err != nil {
			logging.EngineWarn("Council unavailable, medium/high-risk proposals will escalate: %v", err)
		} else {
			oracle = c
			e.councilClose = c.Close
		}
	}

	var backup *BackupManager
	if cfg.Backup.CreateBackups {
		backup = NewBackupManager(fs, workspace, cfg.BackupRoot(workspace), cfg.Backup.MaxBackups)
	}

	e.governor = NewGovernor(st, cfg)
	e.applicator = NewApplicator(fs, workspace, resolveGlobalDir(workspace, deps.GlobalDir), backup, cfg.Evolution.RollbackOnFailure)
	e.executor = NewExecutor(st, NewScorer(cfg), NewPolicy(cfg, oracle), e.applicator, e.governor, bus, e.history, deps.Metrics, cfg)
	e.monitor = NewMonitor(st, e.applicator, e.governor, bus, e.history, cfg)
	e.watcher = NewRuleWatcher(config.DefaultPath(workspace), CompileRules(cfg.CustomRules))
	e.scheduler = NewScheduler(st, e.executor, e.monitor, e.governor, bus, e.watcher, cfg)

	if deps.Clock != nil {
		e.governor.now = deps.Clock
		e.executor.now = deps.Clock
		e.monitor.now = deps.Clock
		e.scheduler.now = deps.Clock
	}

	logging.Engine("Engine ready: workspace=%s autonomy=%d dryRun=%v council=%v",
		workspace, cfg.Evolution.AutonomyLevel, cfg.Evolution.DryRun, oracle != nil)
	return e, nil
}

func resolveHistory(workspace string, cfg *config.Config, injected HistoryLog) (HistoryLog, bool) {
	if injected != nil {
		return injected, false
	}
	hs, err := store.NewHistoryStore(cfg.HistoryDatabasePath(workspace), cfg.History.WindowDays)
	if err != nil {
		logging.EngineWarn("History store unavailable, scoring with neutral history: %v", err)
		return nil, false
	}
	return hs, true
}

func resolveGlobalDir(workspace, configured string) string {
	if configured != "" {
		return configured
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".evolution", "global")
	}
	return filepath.Join(workspace, ".evolution", "global")
}

// Start launches the scheduler loop and the rule watcher. With the
// master switch off the engine stays idle: manual operations still
// work, the loop does not run.
func (e *Engine) Start(ctx context.Context) {
	if quarantined := e.store.QuarantinedRecords(); len(quarantined) > 0 {
		logging.EngineError("%d corrupt state records quarantined, review %s", len(quarantined), e.store.Root())
		c := e.governor.Counters()
		e.bus.Emit(transparency.HealthCheck{
			Health:        c.Health(),
			SuccessRate:   c.SuccessRate,
			FailuresToday: c.FailuresToday,
			Reason:        fmt.Sprintf("%d corrupt state records quarantined", len(quarantined)),
		})
	}

	if !e.cfg.Evolution.Enabled {
		logging.EngineWarn("Evolution is disabled, scheduler stays idle")
		return
	}

	if err := e.watcher.Start(ctx); err != nil {
		logging.EngineWarn("Rule hot-reload unavailable: %v", err)
	}
	e.scheduler.Start(ctx)
}

// Stop halts the scheduler and the rule watcher, waiting for an
// in-flight tick to finish.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.watcher.Stop()
}

// Close stops the loop and releases the store lock, the history
// database, and the council client.
func (e *Engine) Close() error {
	e.Stop()

	var first error
	if e.historyOwned {
		if closer, ok := e.history.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				first = err
				logging.EngineWarn("History close: %v", err)
			}
		}
	}
	if e.councilClose != nil {
		if err := e.councilClose(); err != nil {
			if first == nil {
				first = err
			}
			logging.EngineWarn("Council close: %v", err)
		}
	}
	if err := e.store.Close(); err != nil {
		if first == nil {
			first = err
		}
		logging.EngineWarn("Store close: %v", err)
	}
	return first
}

// =============================================================================
// OPERATIONS
// =============================================================================

// EngineStatus is the status verb's aggregate view.
type EngineStatus struct {
	Enabled     bool
	DryRun      bool
	Autonomy    int
	Scheduler   SchedulerStatus
	Counters    types.DailyCounters
	Health      types.Health
	Bus         transparency.BusStats
	Quarantined int
}

// Status reports engine, scheduler, budget, and health state.
func (e *Engine) Status() EngineStatus {
	counters := e.governor.Counters()
	return EngineStatus{
		Enabled:     e.cfg.Evolution.Enabled,
		DryRun:      e.cfg.Evolution.DryRun,
		Autonomy:    e.cfg.Evolution.AutonomyLevel,
		Scheduler:   e.scheduler.Status(),
		Counters:    counters,
		Health:      counters.Health(),
		Bus:         e.bus.Stats(),
		Quarantined: len(e.store.QuarantinedRecords()),
	}
}

// SubmitProposal queues a proposal for the next tick.
func (e *Engine) SubmitProposal(p *types.Proposal) error {
	if err := e.store.PutProposal(p); err != nil {
		return err
	}
	logging.Engine("Proposal %s queued: %s (%s, %s)", p.ID, p.Title, p.Category, p.DeclaredRisk)
	return nil
}

// SubmitSignal records an upstream observation for the scorer's
// historical factors and the signal-derived metrics.
func (e *Engine) SubmitSignal(sig types.Signal) {
	e.store.AddSignal(sig)
}

// ApplyOne runs a single proposal through the executor immediately,
// bypassing the schedule but not the policy.
func (e *Engine) ApplyOne(ctx context.Context, id string) (*ExecutionResult, error) {
	p := e.store.GetProposal(id)
	if p == nil {
		return nil, types.Errorf(types.KindTargetMissing, "engine.apply", "proposal %s not found", id)
	}
	if p.Status != types.StatusPending && p.Status != types.StatusApproved {
		return nil, types.Errorf(types.KindTargetConflict, "engine.apply", "proposal %s is %s, not runnable", id, p.Status)
	}
	return e.executor.Execute(ctx, p, e.watcher.Current())
}

// ApproveProposal records an external approval for a pending proposal.
// The engine had left it pending, so the approval is logged as an
// operator override and the change applies on the next run.
func (e *Engine) ApproveProposal(id, reviewer, notes string) error {
	p := e.store.GetProposal(id)
	if p == nil {
		return types.Errorf(types.KindTargetMissing, "engine.approve", "proposal %s not found", id)
	}
	if err := e.store.UpdateProposalStatus(id, types.StatusApproved, func(pr *types.Proposal) {
		pr.Reviewer = reviewer
		pr.ReviewNotes = notes
	}); err != nil {
		return err
	}
	if e.history != nil {
		if err := e.history.RecordOverride(id, p.Category, types.OutcomeDeferred, "approve", notes); err != nil {
			logging.EngineWarn("Override for %s not recorded: %v", id, err)
		}
	}
	logging.Engine("Proposal %s approved by %s", id, reviewer)
	return nil
}

// RequestRollback reverts an application through the monitor, honoring
// the automatic-rollback cap for auto mode.
func (e *Engine) RequestRollback(ctx context.Context, applicationID string, mode types.RollbackMode, reason string) (int, error) {
	return e.monitor.Rollback(ctx, applicationID, mode, reason)
}

// ObserveMetrics hands a post-application snapshot to the monitor for
// immediate evaluation.
func (e *Engine) ObserveMetrics(ctx context.Context, applicationID string, post types.MetricsSnapshot) (*Evaluation, error) {
	return e.monitor.Observe(ctx, applicationID, post)
}

// ForceTick runs one scheduling pass now, regardless of the loop state.
// Quiet hours and the executor-busy check still hold.
func (e *Engine) ForceTick(ctx context.Context) *TickReport {
	return e.scheduler.ForceTick(ctx)
}

// Subscribe attaches a bus listener for the given event types (all
// types when none are named).
func (e *Engine) Subscribe(fn transparency.SubscriberFunc, eventTypes ...transparency.EventType) transparency.Handle {
	return e.bus.Subscribe(fn, eventTypes...)
}

// OpenTargets points at the most recent artifacts of engine activity.
// Empty fields mean no such artifact exists yet.
type OpenTargets struct {
	ApplicationsLog     string
	LatestApplicationID string
	RollbackLog         string
	LatestBackup        string
}

// LatestPaths resolves the open verb: newest application event,
// rollback-log entry, and backup directory.
func (e *Engine) LatestPaths() OpenTargets {
	var out OpenTargets

	if events := e.store.ListRecentApplicationEvents(1); len(events) > 0 {
		out.ApplicationsLog = e.store.ApplicationsLogPath()
		out.LatestApplicationID = events[0].ID
	}
	if e.store.LatestRollbackAudit() != nil {
		out.RollbackLog = e.store.RollbackLogPath()
	}
	if entries, err := e.fs.ReadDir(e.store.BackupsDir()); err == nil && len(entries) > 0 {
		// Names embed a UTC timestamp, so the sorted order is
		// chronological.
		out.LatestBackup = filepath.Join(e.store.BackupsDir(), entries[len(entries)-1])
	}
	return out
}
