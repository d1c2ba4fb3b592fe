package evolution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/store"
	"evoengine/internal/transparency"
	"evoengine/internal/types"

	"github.com/sethvargo/go-retry"
)

// =============================================================================
// AUTONOMOUS EXECUTOR
// =============================================================================

// HistoryLog combines the scorer's read view of past outcomes with the
// write side the executor and monitor feed. The SQLite history store
// implements both; a nil HistoryLog disables feedback and scores every
// category as unsampled.
type HistoryLog interface {
	types.HistoryView
	HistoryRecorder
}

// MetricsSource supplies the pre-application performance snapshot
// stored with every application event. The monitor later compares
// post-application snapshots against it.
type MetricsSource interface {
	Snapshot() types.MetricsSnapshot
}

// storeWriteRetries bounds the re-flush attempts after a store write
// fails on I/O. The store keeps memory consistent across a failed
// flush, so retrying is a pure re-write.
const storeWriteRetries = 3

// ExecutionResult describes what one pass over a proposal produced.
type ExecutionResult struct {
	ProposalID    string
	Outcome       types.Outcome
	Reason        string
	RuleName      string
	Automatic     bool
	ApplicationID string
	Failed        bool // approved, but the application failed
	RolledBack    bool // the failed application's partial changes were unwound
	Skipped       bool // refused by the daily budget before any work
	Duration      time.Duration
}

// BatchSummary aggregates one batch run for the scheduler's tick stats.
// Fatal is set when the batch aborted on an error that makes further
// progress meaningless (corrupt state, invalid config); the scheduler
// auto-pauses on it.
type BatchSummary struct {
	Attempted int
	Succeeded int
	Failed    int
	Rejected  int
	Deferred  int
	Escalated int
	Skipped   int
	Duration  time.Duration
	Fatal     string
}

func (s *BatchSummary) fold(r *ExecutionResult, err error) {
	s.Attempted++
	switch {
	case r.Skipped:
		s.Skipped++
	case err != nil || r.Failed:
		s.Failed++
	case r.Outcome == types.OutcomeApproved:
		s.Succeeded++
	case r.Outcome == types.OutcomeRejected:
		s.Rejected++
	case r.Outcome == types.OutcomeEscalated:
		s.Escalated++
	default:
		s.Deferred++
	}
}

// Executor drives one proposal through the full pipeline: budget gate,
// scoring, decision, application, bookkeeping, events. It is the only
// component that transitions proposal status, so the state machine has
// a single writer.
type Executor struct {
	store      *store.StateStore
	scorer     *Scorer
	policy     *Policy
	applicator *Applicator
	governor   *Governor
	bus        *transparency.EventBus
	history    HistoryLog
	metrics    MetricsSource
	cfg        *config.Config

	processing atomic.Bool
	now        func() time.Time
}

func NewExecutor(st *store.StateStore, sc *Scorer, po *Policy, ap *Applicator, gov *Governor, bus *transparency.EventBus, history HistoryLog, metrics MetricsSource, cfg *config.Config) *Executor {
	if metrics == nil {
		metrics = NewSignalMetrics(st)
	}
	return &Executor{
		store:      st,
		scorer:     sc,
		policy:     po,
		applicator: ap,
		governor:   gov,
		bus:        bus,
		history:    history,
		metrics:    metrics,
		cfg:        cfg,
		now:        time.Now,
	}
}

// IsProcessing reports whether an execution or batch is in flight. The
// scheduler checks this before dispatching a tick.
func (e *Executor) IsProcessing() bool {
	return e.processing.Load()
}

// Execute runs a single proposal. Callers outside the scheduler (the
// apply verb, tests) use this; a concurrent execution is refused, not
// queued.
func (e *Executor) Execute(ctx context.Context, p *types.Proposal, rules *RuleSet) (*ExecutionResult, error) {
	if !e.processing.CompareAndSwap(false, true) {
		return nil, types.E(types.KindUnavailable, "executor.execute", "an execution is already in progress")
	}
	defer e.processing.Store(false)
	return e.executeOne(ctx, p, rules)
}

// ExecuteBatch runs proposals in queue order under the processing
// flag. The loop stops once the daily budget is exhausted; unprocessed
// proposals stay pending and keep their queue position.
func (e *Executor) ExecuteBatch(ctx context.Context, proposals []*types.Proposal, rules *RuleSet) *BatchSummary {
	summary := &BatchSummary{}
	if len(proposals) == 0 {
		return summary
	}
	if !e.processing.CompareAndSwap(false, true) {
		logging.ExecutorWarn("Batch refused: an execution is already in progress")
		return summary
	}
	defer e.processing.Store(false)

	start := e.now()
	for _, p := range proposals {
		if ctx.Err() != nil {
			logging.ExecutorWarn("Batch aborted after %d proposals: %v", summary.Attempted, ctx.Err())
			break
		}
		if max := e.cfg.Evolution.MaxPerCycle; max > 0 && summary.Attempted >= max {
			logging.Executor("Batch stopped after %d of %d proposals: per-cycle cap reached",
				summary.Attempted, len(proposals))
			break
		}
		if e.governor.Remaining() <= 0 {
			logging.Executor("Batch stopped after %d of %d proposals: daily budget exhausted",
				summary.Attempted, len(proposals))
			break
		}
		res, err := e.executeOne(ctx, p, rules)
		if err != nil {
			logging.ExecutorError("Proposal %s: %v", p.ID, err)
		}
		summary.fold(res, err)
		// Corrupt state, invalid config, or a store that still cannot
		// be written after retries: the rest of the batch would hit
		// the same wall.
		if types.IsKind(err, types.KindStateCorrupted) || types.IsKind(err, types.KindConfigInvalid) ||
			types.IsKind(err, types.KindUnavailable) {
			summary.Fatal = err.Error()
			logging.ExecutorError("Batch aborted: %v", err)
			break
		}
	}
	summary.Duration = e.now().Sub(start)

	logging.Executor("Batch done: %d attempted, %d succeeded, %d failed, %d rejected, %d deferred, %d escalated, %d skipped (%s)",
		summary.Attempted, summary.Succeeded, summary.Failed, summary.Rejected,
		summary.Deferred, summary.Escalated, summary.Skipped, summary.Duration.Round(time.Millisecond))
	return summary
}

func (e *Executor) executeOne(ctx context.Context, p *types.Proposal, rules *RuleSet) (*ExecutionResult, error) {
	start := e.now()
	res := &ExecutionResult{ProposalID: p.ID}

	// The budget gate runs before scoring so a refused proposal spends
	// nothing: no score, no status change, no counter movement.
	if e.governor.Remaining() <= 0 {
		res.Outcome = types.OutcomeDeferred
		res.Reason = "daily execution limit reached"
		res.Skipped = true
		e.bus.Emit(transparency.ExecutionCompleted{
			ProposalID: p.ID,
			Outcome:    types.OutcomeDeferred,
			Reason:     res.Reason,
			Skipped:    true,
		})
		logging.Executor("Proposal %s skipped: %s", p.ID, res.Reason)
		return res, nil
	}

	e.bus.Emit(transparency.ExecutionStarted{ProposalID: p.ID, Category: p.Category, Title: p.Title})

	decision := e.decide(ctx, p, rules)
	res.Outcome = decision.Outcome
	res.Reason = decision.Reason
	res.RuleName = decision.RuleName
	res.Automatic = decision.Automatic

	switch decision.Outcome {
	case types.OutcomeApproved:
		err := e.applyApproved(ctx, p, decision, res, start)
		res.Duration = e.now().Sub(start)
		return res, err

	case types.OutcomeRejected:
		if err := e.transition(ctx, p.ID, types.StatusRejected, func(pr *types.Proposal) {
			pr.Reviewer = reviewerFor(decision)
			pr.ReviewNotes = decision.Reason
		}); err != nil {
			return res, err
		}
		elapsed := e.now().Sub(start)
		res.Duration = elapsed
		e.governor.RecordRejection(elapsed)
		e.bus.Emit(transparency.ExecutionCompleted{
			ProposalID: p.ID,
			Outcome:    types.OutcomeRejected,
			Reason:     decision.Reason,
			DurationMs: elapsed.Milliseconds(),
		})
		logging.Executor("Proposal %s rejected: %s", p.ID, decision.Reason)
		return res, nil

	default:
		// Deferred and escalated leave the proposal pending and consume
		// no budget; both surface as an approval request.
		res.Duration = e.now().Sub(start)
		e.bus.Emit(transparency.ApprovalRequired{
			ProposalID: p.ID,
			Outcome:    decision.Outcome,
			Reason:     decision.Reason,
			RiskLevel:  decision.RiskLevel,
			Confidence: decision.Confidence,
		})
		logging.Executor("Proposal %s %s: %s", p.ID, decision.Outcome, decision.Reason)
		return res, nil
	}
}

// decide produces the decision for one proposal. Proposals that are
// already approved (an operator decision, or an approval that survived
// a restart) skip scoring entirely; re-litigating a granted approval
// could silently revoke it.
func (e *Executor) decide(ctx context.Context, p *types.Proposal, rules *RuleSet) *types.Decision {
	if p.Status == types.StatusApproved {
		return &types.Decision{
			ProposalID: p.ID,
			Outcome:    types.OutcomeApproved,
			Reason:     "previously approved",
			Automatic:  false,
			RiskLevel:  p.DeclaredRisk,
			CreatedAt:  e.now(),
		}
	}
	if !p.Category.Valid() {
		return &types.Decision{
			ProposalID: p.ID,
			Outcome:    types.OutcomeDeferred,
			Reason:     fmt.Sprintf("unknown category %q", p.Category),
			Automatic:  true,
			CreatedAt:  e.now(),
		}
	}
	assessment := e.scorer.Score(p, e.historyView())
	return e.policy.Decide(ctx, p, assessment, rules)
}

// applyApproved takes an approved proposal through application and the
// terminal bookkeeping. The timeout covers only the applicator; the
// bookkeeping afterwards must run even when the application timed out.
func (e *Executor) applyApproved(ctx context.Context, p *types.Proposal, d *types.Decision, res *ExecutionResult, start time.Time) error {
	if p.Status == types.StatusPending {
		if err := e.transition(ctx, p.ID, types.StatusApproved, func(pr *types.Proposal) {
			pr.Reviewer = reviewerFor(d)
			pr.ReviewNotes = d.Reason
		}); err != nil {
			return err
		}
	}

	pre := e.metrics.Snapshot()

	applyCtx, cancel := context.WithTimeout(ctx, e.cfg.GetApplyTimeout())
	result, applyErr := e.applicator.Apply(applyCtx, p)
	cancel()

	elapsed := e.now().Sub(start)
	if applyErr == nil && result.FullyApplied() {
		return e.finishSuccess(ctx, p, result, pre, res, elapsed)
	}
	return e.finishFailure(ctx, p, result, applyErr, res, elapsed)
}

// finishSuccess persists the application trail in its required order:
// application event, rollback record, then the applied transition. If
// the trail cannot be persisted the change is reverted, because an
// applied change without a stored rollback record cannot be undone
// later.
func (e *Executor) finishSuccess(ctx context.Context, p *types.Proposal, result *types.ApplyResult, pre types.MetricsSnapshot, res *ExecutionResult, elapsed time.Duration) error {
	record := result.RollbackRecord
	ev := types.NewApplicationEvent(p.ID, p.Payload.AffectedTargets(), pre)
	record.ApplicationID = ev.ID

	persistErr := e.persistWithRetry(ctx, func() error {
		return e.store.RecordApplicationEvent(ev)
	})
	if persistErr == nil {
		persistErr = e.writeThenReflush(ctx, func() error {
			return e.store.PutRollbackRecord(p.ID, record)
		})
	}
	if persistErr == nil {
		persistErr = e.transition(ctx, p.ID, types.StatusApplied, nil)
	}
	if persistErr != nil {
		logging.ExecutorError("Proposal %s applied but its trail did not persist, reverting: %v", p.ID, persistErr)
		if restored, err := e.applicator.Rollback(ctx, record); err != nil {
			logging.ExecutorError("Revert of %s stopped after %d targets: %v", p.ID, restored, err)
		}
		reason := fmt.Sprintf("application trail did not persist: %v", persistErr)
		// The applied transition may have landed in memory before its
		// flush failed; the legal terminal edge differs.
		to := types.StatusFailed
		if current := e.store.GetProposal(p.ID); current != nil && current.Status == types.StatusApplied {
			to = types.StatusRolledBack
		}
		if err := e.transition(ctx, p.ID, to, func(pr *types.Proposal) {
			pr.ReviewNotes = reason
		}); err != nil {
			logging.ExecutorError("Proposal %s could not reach %s: %v", p.ID, to, err)
		}
		if e.store.GetApplicationEvent(ev.ID) != nil {
			if err := e.store.UpdateApplicationEvent(ev.ID, types.ApplicationRolledBack, nil); err != nil {
				logging.ExecutorWarn("Application %s status update failed: %v", ev.ID, err)
			}
		}
		e.governor.RecordFailure(elapsed)
		e.recordOutcome(p, false, elapsed)
		res.Failed = true
		res.RolledBack = true
		res.Reason = reason
		e.bus.Emit(transparency.ExecutionFailed{
			ProposalID: p.ID,
			Reason:     reason,
			RolledBack: true,
			DurationMs: elapsed.Milliseconds(),
		})
		return persistErr
	}

	res.ApplicationID = ev.ID
	counters := e.governor.RecordSuccess(elapsed)
	e.recordOutcome(p, true, elapsed)
	e.bus.Emit(transparency.ExecutionCompleted{
		ProposalID:    p.ID,
		Outcome:       types.OutcomeApproved,
		Reason:        res.Reason,
		ApplicationID: ev.ID,
		DurationMs:    elapsed.Milliseconds(),
	})
	logging.Executor("Proposal %s applied as %s: %d changes, %d/%d budget used",
		p.ID, ev.ID, result.AppliedCount, counters.ExecutionsToday, e.cfg.Evolution.DailyLimit)
	return nil
}

// finishFailure marks a failed application. The applicator has already
// unwound partial changes when rollback-on-failure is configured; this
// records the terminal status, the counters, and the event.
func (e *Executor) finishFailure(ctx context.Context, p *types.Proposal, result *types.ApplyResult, applyErr error, res *ExecutionResult, elapsed time.Duration) error {
	var reason string
	switch {
	case applyErr != nil:
		reason = applyErr.Error()
	case len(result.FailedChanges) > 0:
		reason = result.FailedChanges[0].Reason
	default:
		reason = "no changes applied"
	}
	rolledBack := e.applicator.rollbackOnFailure && result.AppliedCount > 0
	if rolledBack {
		reason = fmt.Sprintf("%s (%d of %d changes applied and reverted)",
			reason, result.AppliedCount, result.AppliedCount+result.FailedCount)
	}

	if err := e.transition(ctx, p.ID, types.StatusFailed, func(pr *types.Proposal) {
		pr.ReviewNotes = reason
	}); err != nil {
		return err
	}
	e.governor.RecordFailure(elapsed)
	e.recordOutcome(p, false, elapsed)
	res.Failed = true
	res.RolledBack = rolledBack
	res.Reason = reason
	e.bus.Emit(transparency.ExecutionFailed{
		ProposalID: p.ID,
		Reason:     reason,
		RolledBack: rolledBack,
		DurationMs: elapsed.Milliseconds(),
	})
	logging.ExecutorError("Proposal %s failed: %s", p.ID, reason)
	return nil
}

// transition drives a status change with bounded retries. The store
// keeps its memory consistent when only the flush fails, so retries
// re-flush instead of re-running the transition.
func (e *Executor) transition(ctx context.Context, id string, to types.Status, mutate func(*types.Proposal)) error {
	return e.writeThenReflush(ctx, func() error {
		return e.store.UpdateProposalStatus(id, to, mutate)
	})
}

// writeThenReflush runs a store write whose memory effects survive a
// failed flush. The write itself runs once; retries only re-flush.
func (e *Executor) writeThenReflush(ctx context.Context, write func() error) error {
	first := true
	return e.persistWithRetry(ctx, func() error {
		if first {
			first = false
			return write()
		}
		return e.store.Flush()
	})
}

// persistWithRetry retries a store write that failed on I/O. Anything
// other than an unavailable-kind error is permanent.
func (e *Executor) persistWithRetry(ctx context.Context, op func() error) error {
	backoff := retry.WithMaxRetries(storeWriteRetries, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(context.Context) error {
		err := op()
		if err != nil && types.IsKind(err, types.KindUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Executor) historyView() types.HistoryView {
	if e.history != nil {
		return e.history
	}
	return neutralHistory{}
}

func (e *Executor) recordOutcome(p *types.Proposal, success bool, d time.Duration) {
	if e.history == nil {
		return
	}
	if err := e.history.RecordOutcome(p.ID, p.Category, success, d); err != nil {
		logging.ExecutorWarn("History outcome for %s not recorded: %v", p.ID, err)
	}
}

func reviewerFor(d *types.Decision) string {
	if d.RuleName != "" {
		return "rule:" + d.RuleName
	}
	return "policy"
}

// neutralHistory backs scoring when no history log is configured:
// every category reads as unsampled.
type neutralHistory struct{}

func (neutralHistory) CategoryHistory(types.Category) types.CategoryHistory {
	return types.CategoryHistory{}
}

// =============================================================================
// SIGNAL-DERIVED METRICS
// =============================================================================

// SignalMetrics derives a performance snapshot from the signal buffer:
// task-completed and task-failed signals over the last day, with cost
// and duration read from the signal data when the host supplies them.
type SignalMetrics struct {
	store  *store.StateStore
	window time.Duration
}

func NewSignalMetrics(st *store.StateStore) *SignalMetrics {
	return &SignalMetrics{store: st, window: 24 * time.Hour}
}

// Signal types the metrics derivation understands. Anything else in
// the buffer is ignored here but still available to proposal sources.
const (
	SignalTaskCompleted = "task-completed"
	SignalTaskFailed    = "task-failed"
)

func (sm *SignalMetrics) Snapshot() types.MetricsSnapshot {
	snap := types.MetricsSnapshot{SuccessRate: 1.0, Timestamp: time.Now().UTC()}

	var completed, failed int
	var costSum, durSum float64
	var costN, durN int
	for _, sig := range sm.store.RecentSignals(sm.window) {
		switch sig.Type {
		case SignalTaskCompleted:
			completed++
		case SignalTaskFailed:
			failed++
		default:
			continue
		}
		if v, ok := numeric(sig.Data["cost"]); ok {
			costSum += v
			costN++
		}
		if v, ok := numeric(sig.Data["durationMs"]); ok {
			durSum += v
			durN++
		}
	}

	snap.TaskCount = completed + failed
	if snap.TaskCount > 0 {
		snap.SuccessRate = float64(completed) / float64(snap.TaskCount)
	}
	if costN > 0 {
		snap.AverageCost = costSum / float64(costN)
	}
	if durN > 0 {
		snap.AverageDurationMs = durSum / float64(durN)
	}
	return snap
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
