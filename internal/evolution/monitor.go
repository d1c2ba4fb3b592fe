package evolution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/store"
	"evoengine/internal/transparency"
	"evoengine/internal/types"
)

// =============================================================================
// SELF-HEALING MONITOR
// =============================================================================

// HistoryRecorder records application outcomes and operator overrides;
// they feed the scorer's history factors.
type HistoryRecorder interface {
	RecordOutcome(proposalID string, category types.Category, success bool, duration time.Duration) error
	RecordOverride(proposalID string, category types.Category, decision types.Outcome, operatorAction, reason string) error
}

const (
	RecommendationRollback = "rollback"
	RecommendationIgnore   = "ignore"
)

// hysteresisFactor keeps marginal threshold crossings from flapping
// into rollbacks: a crossing must exceed its threshold by 10% before
// the monitor recommends undoing the change.
const hysteresisFactor = 1.1

// Evaluation is the monitor's verdict on one application.
type Evaluation struct {
	ApplicationID     string
	ProposalID        string
	Degraded          bool
	Severity          float64 // max delta/threshold ratio; >= 1 means crossed
	SuccessRateDropPP float64
	CostRisePct       float64
	DurationRisePct   float64
	Recommendation    string
	Reasons           []string
}

// Monitor watches applied proposals for a configured window, compares
// post-metrics against the pre-application snapshot, and rolls back
// changes that degrade the assistant.
type Monitor struct {
	store      *store.StateStore
	applicator *Applicator
	governor   *Governor
	bus        *transparency.EventBus
	history    HistoryRecorder // nil disables history feedback
	cfg        *config.Config
	now        func() time.Time
}

func NewMonitor(st *store.StateStore, ap *Applicator, gov *Governor, bus *transparency.EventBus, history HistoryRecorder, cfg *config.Config) *Monitor {
	return &Monitor{
		store:      st,
		applicator: ap,
		governor:   gov,
		bus:        bus,
		history:    history,
		cfg:        cfg,
		now:        time.Now,
	}
}

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluate compares an application's post-metrics against its
// pre-application snapshot. Read-only; Observe and Sweep act on the
// result.
func (m *Monitor) Evaluate(applicationID string) (*Evaluation, error) {
	ev := m.store.GetApplicationEvent(applicationID)
	if ev == nil {
		return nil, types.Errorf(types.KindTargetMissing, "monitor.evaluate", "unknown application %s", applicationID)
	}

	eval := &Evaluation{
		ApplicationID:  applicationID,
		ProposalID:     ev.ProposalID,
		Recommendation: RecommendationIgnore,
	}

	if ev.Status != types.ApplicationMonitoring && ev.Status != types.ApplicationDegraded {
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("application is %s, no longer monitored", ev.Status))
		return eval, nil
	}
	if ev.PostMetrics == nil {
		eval.Reasons = append(eval.Reasons, "no post-metrics recorded yet")
		return eval, nil
	}
	if ev.PostMetrics.TaskCount < m.cfg.SelfHeal.MinTasksForEvaluation {
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("only %d tasks since application, need %d",
			ev.PostMetrics.TaskCount, m.cfg.SelfHeal.MinTasksForEvaluation))
		return eval, nil
	}

	pre, post := ev.PreMetrics, ev.PostMetrics
	eval.SuccessRateDropPP = (pre.SuccessRate - post.SuccessRate) * 100
	eval.CostRisePct = percentRise(pre.AverageCost, post.AverageCost)
	eval.DurationRisePct = percentRise(pre.AverageDurationMs, post.AverageDurationMs)

	checks := []struct {
		delta     float64
		threshold float64
		format    string
	}{
		{eval.SuccessRateDropPP, m.cfg.SelfHeal.SuccessRateDropPct, "success rate dropped %.1fpp (threshold %.1f)"},
		{eval.CostRisePct, m.cfg.SelfHeal.CostIncreasePct, "average cost rose %.1f%% (threshold %.1f)"},
		{eval.DurationRisePct, m.cfg.SelfHeal.DurationIncreasePct, "average duration rose %.1f%% (threshold %.1f)"},
	}
	for _, c := range checks {
		if c.threshold <= 0 {
			continue
		}
		ratio := c.delta / c.threshold
		if ratio > eval.Severity {
			eval.Severity = ratio
		}
		if c.delta >= c.threshold {
			eval.Degraded = true
			eval.Reasons = append(eval.Reasons, fmt.Sprintf(c.format, c.delta, c.threshold))
		}
	}

	if eval.Degraded && eval.Severity >= hysteresisFactor {
		eval.Recommendation = RecommendationRollback
	}

	logging.MonitorDebug("Application %s: degraded=%v severity=%.2f recommendation=%s",
		applicationID, eval.Degraded, eval.Severity, eval.Recommendation)
	return eval, nil
}

func percentRise(pre, post float64) float64 {
	if pre <= 0 {
		return 0
	}
	return (post - pre) / pre * 100
}

// =============================================================================
// OBSERVATION AND SWEEP
// =============================================================================

// Observe ingests a post-metrics snapshot for an application and acts
// on the fresh evaluation. Auto-heal failures are logged, not
// returned: metrics ingestion must not fail because a rollback was
// rate-limited.
func (m *Monitor) Observe(ctx context.Context, applicationID string, post types.MetricsSnapshot) (*Evaluation, error) {
	ev := m.store.GetApplicationEvent(applicationID)
	if ev == nil {
		return nil, types.Errorf(types.KindTargetMissing, "monitor.observe", "unknown application %s", applicationID)
	}
	if ev.Status != types.ApplicationMonitoring && ev.Status != types.ApplicationDegraded {
		return m.Evaluate(applicationID)
	}

	if err := m.store.UpdateApplicationEvent(applicationID, ev.Status, &post); err != nil {
		return nil, err
	}
	return m.act(ctx, applicationID)
}

// Sweep re-evaluates every application still being watched. The
// scheduler calls this once per tick when self-healing is enabled.
func (m *Monitor) Sweep(ctx context.Context) int {
	acted := 0
	for _, ev := range m.store.ListRecentApplicationEvents(0) {
		if ev.Status != types.ApplicationMonitoring && ev.Status != types.ApplicationDegraded {
			continue
		}
		if _, err := m.act(ctx, ev.ID); err != nil {
			logging.MonitorWarn("Sweep of %s failed: %v", ev.ID, err)
			continue
		}
		acted++
	}
	return acted
}

// act applies the monitoring policy to one application: an expired
// window retains the change, a degradation beyond hysteresis rolls it
// back.
func (m *Monitor) act(ctx context.Context, applicationID string) (*Evaluation, error) {
	eval, err := m.Evaluate(applicationID)
	if err != nil {
		return nil, err
	}

	ev := m.store.GetApplicationEvent(applicationID)
	if ev == nil || (ev.Status != types.ApplicationMonitoring && ev.Status != types.ApplicationDegraded) {
		return eval, nil
	}

	if m.windowExpired(ev) {
		if err := m.store.UpdateApplicationEvent(applicationID, types.ApplicationRetained, nil); err != nil {
			return eval, err
		}
		logging.Monitor("Application %s retained after monitoring window", applicationID)
		return eval, nil
	}

	if !eval.Degraded {
		return eval, nil
	}

	if ev.Status == types.ApplicationMonitoring {
		if err := m.store.UpdateApplicationEvent(applicationID, types.ApplicationDegraded, nil); err != nil {
			return eval, err
		}
		logging.Monitor("Application %s degraded: %s", applicationID, strings.Join(eval.Reasons, "; "))
	}

	if eval.Recommendation == RecommendationRollback && m.cfg.SelfHeal.Enabled {
		reason := "auto-heal: " + strings.Join(eval.Reasons, "; ")
		if _, err := m.Rollback(ctx, applicationID, types.RollbackAuto, reason); err != nil {
			logging.MonitorWarn("Auto-heal rollback of %s not performed: %v", applicationID, err)
		}
	}
	return eval, nil
}

func (m *Monitor) windowExpired(ev *types.ApplicationEvent) bool {
	return m.now().Sub(ev.CreatedAt) >= m.cfg.GetMonitoringPeriod()
}

// =============================================================================
// ROLLBACK
// =============================================================================

// Rollback restores the targets recorded for an application. Automatic
// rollbacks respect the daily cap; manual ones bypass it. Both are
// audit-logged. The proposal transitions to rolled-back only after the
// targets are restored.
func (m *Monitor) Rollback(ctx context.Context, applicationID string, mode types.RollbackMode, reason string) (int, error) {
	record, proposalID := m.store.RollbackRecordByApplication(applicationID)
	if record == nil {
		return 0, types.Errorf(types.KindTargetMissing, "monitor.rollback", "no rollback record for application %s", applicationID)
	}
	p := m.store.GetProposal(proposalID)
	if p == nil {
		return 0, types.Errorf(types.KindTargetMissing, "monitor.rollback", "proposal %s missing for application %s", proposalID, applicationID)
	}
	if p.Status != types.StatusApplied {
		return 0, types.Errorf(types.KindTargetConflict, "monitor.rollback",
			"proposal %s is %s; only applied changes roll back", proposalID, p.Status)
	}

	auto := mode == types.RollbackAuto
	if auto && !m.governor.AllowAutoRollback() {
		return 0, types.Errorf(types.KindRateLimited, "monitor.rollback",
			"automatic rollback cap (%d/day) reached for application %s", m.cfg.SelfHeal.MaxDailyRollbacks, applicationID)
	}

	// Manual rollback of a retained application contradicts the
	// engine's decision to keep it; remember that.
	wasRetained := false
	if ev := m.store.GetApplicationEvent(applicationID); ev != nil {
		wasRetained = ev.Status == types.ApplicationRetained
	}

	m.bus.Emit(transparency.RollbackStarted{
		ApplicationID: applicationID,
		ProposalID:    proposalID,
		Reason:        reason,
		Auto:          auto,
	})

	restored, err := m.applicator.Rollback(ctx, record)
	if err != nil {
		m.audit(applicationID, proposalID, mode, reason, restored, false, err)
		logging.MonitorError("Rollback of %s failed after %d targets: %v", applicationID, restored, err)
		return restored, err
	}

	if err := m.store.UpdateProposalStatus(proposalID, types.StatusRolledBack, nil); err != nil {
		// Targets are restored; surface the bookkeeping failure.
		m.audit(applicationID, proposalID, mode, reason, restored, true, err)
		return restored, err
	}
	if err := m.store.UpdateApplicationEvent(applicationID, types.ApplicationRolledBack, nil); err != nil {
		logging.MonitorWarn("Application %s status update failed: %v", applicationID, err)
	}

	m.governor.RecordRollback(mode)
	if m.history != nil {
		if err := m.history.RecordOutcome(proposalID, p.Category, false, 0); err != nil {
			logging.MonitorWarn("History outcome for %s not recorded: %v", proposalID, err)
		}
		if mode == types.RollbackManual && wasRetained {
			if err := m.history.RecordOverride(proposalID, p.Category, types.OutcomeApproved, "rollback", reason); err != nil {
				logging.MonitorWarn("Override for %s not recorded: %v", proposalID, err)
			}
		}
	}
	m.audit(applicationID, proposalID, mode, reason, restored, true, nil)

	m.bus.Emit(transparency.RollbackCompleted{
		ApplicationID:   applicationID,
		ProposalID:      proposalID,
		RestoredTargets: restored,
		Auto:            auto,
	})
	logging.Monitor("Rolled back application %s (%s): %d targets", applicationID, mode, restored)
	return restored, nil
}

func (m *Monitor) audit(applicationID, proposalID string, mode types.RollbackMode, reason string, restored int, success bool, cause error) {
	entry := types.RollbackAuditEntry{
		ApplicationID:   applicationID,
		ProposalID:      proposalID,
		Mode:            mode,
		Reason:          reason,
		RestoredTargets: restored,
		Success:         success,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := m.store.AppendRollbackAudit(entry); err != nil {
		logging.MonitorError("Rollback audit append failed: %v", err)
	}
}
