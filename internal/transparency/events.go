// Package transparency provides operation visibility for the evolution engine.
// This file defines the closed set of lifecycle event types and their payloads.
package transparency

import (
	"fmt"
	"strings"
	"time"

	"evoengine/internal/types"
)

// EventType identifies one of the engine's lifecycle events.
type EventType string

const (
	EventSchedulerTick      EventType = "scheduler-tick"
	EventExecutionStarted   EventType = "execution-started"
	EventExecutionCompleted EventType = "execution-completed"
	EventExecutionFailed    EventType = "execution-failed"
	EventApprovalRequired   EventType = "approval-required"
	EventRollbackStarted    EventType = "rollback-started"
	EventRollbackCompleted  EventType = "rollback-completed"
	EventProposalEscalated  EventType = "proposal-escalated"
	EventHealthCheck        EventType = "health-check"
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	return string(t)
}

// DisplayPrefix returns the bracketed prefix for inline display.
func (t EventType) DisplayPrefix() string {
	return fmt.Sprintf("[%s]", strings.ToUpper(string(t)))
}

// AllEventTypes returns every event type the bus can carry.
func AllEventTypes() []EventType {
	return []EventType{
		EventSchedulerTick,
		EventExecutionStarted,
		EventExecutionCompleted,
		EventExecutionFailed,
		EventApprovalRequired,
		EventRollbackStarted,
		EventRollbackCompleted,
		EventProposalEscalated,
		EventHealthCheck,
	}
}

// ValidEventType returns true if s names a known event type.
func ValidEventType(s string) bool {
	for _, t := range AllEventTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Payload is the typed content of one event. The set is closed: every
// payload type lives in this package, and the event type is derived from
// the payload, so a mismatched tag cannot be constructed.
type Payload interface {
	Type() EventType
	summary() string
}

// Event is what subscribers receive: a sequence number for ordering
// across sources, a timestamp, and the typed payload.
type Event struct {
	Seq       uint64
	Timestamp time.Time
	Payload   Payload
}

// Type returns the payload's event type.
func (e Event) Type() EventType {
	return e.Payload.Type()
}

// String returns a one-line rendering for display.
func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Type().DisplayPrefix(), e.Payload.summary())
}

// SchedulerTick reports one scheduler pass. Skipped is empty for a real
// tick; otherwise it carries the skip reason (stopped, paused,
// quiet-hours, busy).
type SchedulerTick struct {
	Pending int
	Batched int
	Skipped string
}

func (SchedulerTick) Type() EventType { return EventSchedulerTick }

func (p SchedulerTick) summary() string {
	if p.Skipped != "" {
		return fmt.Sprintf("skipped (%s)", p.Skipped)
	}
	return fmt.Sprintf("%d pending, %d batched", p.Pending, p.Batched)
}

// ExecutionStarted marks the beginning of one proposal's execution.
type ExecutionStarted struct {
	ProposalID string
	Category   types.Category
	Title      string
}

func (ExecutionStarted) Type() EventType { return EventExecutionStarted }

func (p ExecutionStarted) summary() string {
	return fmt.Sprintf("%s (%s): %s", p.ProposalID, p.Category, p.Title)
}

// ExecutionCompleted reports a finished execution. Skipped is set when
// the daily budget refused the proposal before any work happened.
type ExecutionCompleted struct {
	ProposalID    string
	Outcome       types.Outcome
	Reason        string
	ApplicationID string
	DurationMs    int64
	Skipped       bool
}

func (ExecutionCompleted) Type() EventType { return EventExecutionCompleted }

func (p ExecutionCompleted) summary() string {
	if p.Skipped {
		return fmt.Sprintf("%s skipped: %s", p.ProposalID, p.Reason)
	}
	return fmt.Sprintf("%s -> %s (%dms)", p.ProposalID, p.Outcome, p.DurationMs)
}

// ExecutionFailed reports an execution that ended in failure.
type ExecutionFailed struct {
	ProposalID string
	Reason     string
	RolledBack bool
	DurationMs int64
}

func (ExecutionFailed) Type() EventType { return EventExecutionFailed }

func (p ExecutionFailed) summary() string {
	if p.RolledBack {
		return fmt.Sprintf("%s: %s (rolled back)", p.ProposalID, p.Reason)
	}
	return fmt.Sprintf("%s: %s", p.ProposalID, p.Reason)
}

// ApprovalRequired signals that a proposal needs a human decision.
type ApprovalRequired struct {
	ProposalID string
	Outcome    types.Outcome
	Reason     string
	RiskLevel  types.RiskLevel
	Confidence float64
}

func (ApprovalRequired) Type() EventType { return EventApprovalRequired }

func (p ApprovalRequired) summary() string {
	return fmt.Sprintf("%s %s: %s (risk=%s conf=%.2f)", p.ProposalID, p.Outcome, p.Reason, p.RiskLevel, p.Confidence)
}

// RollbackStarted marks the beginning of a rollback attempt.
type RollbackStarted struct {
	ApplicationID string
	ProposalID    string
	Reason        string
	Auto          bool
}

func (RollbackStarted) Type() EventType { return EventRollbackStarted }

func (p RollbackStarted) summary() string {
	mode := "manual"
	if p.Auto {
		mode = "auto-heal"
	}
	return fmt.Sprintf("%s (%s): %s", p.ApplicationID, mode, p.Reason)
}

// RollbackCompleted reports a finished rollback.
type RollbackCompleted struct {
	ApplicationID   string
	ProposalID      string
	RestoredTargets int
	Auto            bool
}

func (RollbackCompleted) Type() EventType { return EventRollbackCompleted }

func (p RollbackCompleted) summary() string {
	return fmt.Sprintf("%s: %d targets restored", p.ApplicationID, p.RestoredTargets)
}

// ProposalEscalated is an observability signal for proposals that have
// waited past maxAge. The proposal stays pending.
type ProposalEscalated struct {
	ProposalID string
	AgeMs      int64
	Reason     string
}

func (ProposalEscalated) Type() EventType { return EventProposalEscalated }

func (p ProposalEscalated) summary() string {
	return fmt.Sprintf("%s pending for %dms: %s", p.ProposalID, p.AgeMs, p.Reason)
}

// HealthCheck reports the executor's health bucket. Paused is set when
// the scheduler auto-paused in response; Reason carries the trigger
// (unhealthy counters, corrupt state, quarantined records).
type HealthCheck struct {
	Health        types.Health
	SuccessRate   float64
	FailuresToday int
	Paused        bool
	Reason        string
}

func (HealthCheck) Type() EventType { return EventHealthCheck }

func (p HealthCheck) summary() string {
	s := fmt.Sprintf("%s (rate=%.2f failures=%d)", p.Health, p.SuccessRate, p.FailuresToday)
	if p.Paused {
		s += " scheduler paused"
	}
	if p.Reason != "" {
		s += ": " + p.Reason
	}
	return s
}
