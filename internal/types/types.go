package types

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every persisted record. Readers tolerate
// additive changes; the version only moves on breaking ones.
const SchemaVersion = 1

// =============================================================================
// ENUMS
// =============================================================================

// Category enumerates the kinds of change a proposal can carry.
type Category string

const (
	CategoryRuleAdd          Category = "rule-add"
	CategoryModeInstruction  Category = "mode-instruction"
	CategorySkillCreation    Category = "skill-creation"
	CategoryConfigUpdate     Category = "config-update"
	CategoryPromptRefinement Category = "prompt-refinement"
)

// AllCategories returns every known category, in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryRuleAdd,
		CategoryModeInstruction,
		CategorySkillCreation,
		CategoryConfigUpdate,
		CategoryPromptRefinement,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRuleAdd, CategoryModeInstruction, CategorySkillCreation,
		CategoryConfigUpdate, CategoryPromptRefinement:
		return true
	}
	return false
}

// RiskLevel is the three-bucket risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels: low < medium < high.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

// AtMost reports whether r is no riskier than max.
func (r RiskLevel) AtMost(max RiskLevel) bool {
	return r.Rank() <= max.Rank()
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Scope says whether a change affects one project or the global setup.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// Status is a proposal's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
	StatusRolledBack Status = "rolled-back"
)

// Terminal reports whether no further transitions leave this status.
// Note that applied is not terminal: the monitor may still roll it back.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusFailed || s == StatusRolledBack
}

// CanTransition reports whether from -> to is a legal edge of the
// proposal state machine:
//
//	pending  -> approved | rejected
//	approved -> applied  | failed
//	applied  -> rolled-back
//
// Deferred and escalated outcomes keep the proposal pending and are not
// transitions.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusApplied || to == StatusFailed
	case StatusApplied:
		return to == StatusRolledBack
	}
	return false
}

// Outcome is the decision policy's verdict on one proposal.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeRejected  Outcome = "rejected"
	OutcomeEscalated Outcome = "escalated"
)

// =============================================================================
// PAYLOAD - tagged variant over the five categories
// =============================================================================

// Payload is a tagged variant: Kind selects which sub-struct is set, and
// exactly one must be. The applicator dispatches on the tag; unknown tags
// fail deterministically.
type Payload struct {
	Kind   Category       `json:"kind"`
	Scope  Scope          `json:"scope"`
	Rule   *RulePayload   `json:"rule,omitempty"`
	Mode   *ModePayload   `json:"mode,omitempty"`
	Skill  *SkillPayload  `json:"skill,omitempty"`
	Config *ConfigPayload `json:"config,omitempty"`
	Prompt *PromptPayload `json:"prompt,omitempty"`
}

// RulePayload appends a demarcated block to a rules target.
type RulePayload struct {
	TargetPath string `json:"targetPath"`
	RuleText   string `json:"ruleText"`
}

// ModePayload upserts a mode entry in the structured modes target and
// appends demarcated text to its instructions.
type ModePayload struct {
	TargetPath  string `json:"targetPath"`
	ModeSlug    string `json:"modeSlug"`
	Instruction string `json:"instruction"`
}

// SkillPayload writes a metadata descriptor and an implementation body
// under the scope directory.
type SkillPayload struct {
	Dir         string `json:"dir"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Body        string `json:"body"`
}

// ConfigPayload is record-only: the engine never mutates settings
// in place; wiring is delegated to the host via an event.
type ConfigPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// PromptPayload reduces to a mode-instruction carrying the refinement.
type PromptPayload struct {
	TargetPath string `json:"targetPath"`
	ModeSlug   string `json:"modeSlug"`
	Refinement string `json:"refinement"`
}

// Validate checks tag/sub-struct agreement.
func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return Errorf(KindInternalAssertion, "payload.validate", "unknown payload kind %q", p.Kind)
	}
	if p.Scope != ScopeProject && p.Scope != ScopeGlobal {
		return Errorf(KindInternalAssertion, "payload.validate", "unknown payload scope %q", p.Scope)
	}

	set := 0
	if p.Rule != nil {
		set++
	}
	if p.Mode != nil {
		set++
	}
	if p.Skill != nil {
		set++
	}
	if p.Config != nil {
		set++
	}
	if p.Prompt != nil {
		set++
	}
	if set != 1 {
		return Errorf(KindInternalAssertion, "payload.validate", "payload must set exactly one variant, got %d", set)
	}

	var ok bool
	switch p.Kind {
	case CategoryRuleAdd:
		ok = p.Rule != nil && p.Rule.TargetPath != "" && p.Rule.RuleText != ""
	case CategoryModeInstruction:
		ok = p.Mode != nil && p.Mode.TargetPath != "" && p.Mode.ModeSlug != "" && p.Mode.Instruction != ""
	case CategorySkillCreation:
		ok = p.Skill != nil && p.Skill.Dir != "" && p.Skill.Name != "" && p.Skill.Body != ""
	case CategoryConfigUpdate:
		ok = p.Config != nil && p.Config.Key != ""
	case CategoryPromptRefinement:
		ok = p.Prompt != nil && p.Prompt.TargetPath != "" && p.Prompt.ModeSlug != "" && p.Prompt.Refinement != ""
	}
	if !ok {
		return Errorf(KindInternalAssertion, "payload.validate", "payload variant does not match kind %q or is incomplete", p.Kind)
	}
	return nil
}

// AffectedTargets lists the target identifiers this payload would touch.
func (p Payload) AffectedTargets() []string {
	switch p.Kind {
	case CategoryRuleAdd:
		if p.Rule != nil {
			return []string{p.Rule.TargetPath}
		}
	case CategoryModeInstruction:
		if p.Mode != nil {
			return []string{p.Mode.TargetPath}
		}
	case CategorySkillCreation:
		if p.Skill != nil {
			return []string{SkillMetadataPath(p.Skill), SkillBodyPath(p.Skill)}
		}
	case CategoryConfigUpdate:
		if p.Config != nil {
			return []string{"settings:" + p.Config.Key}
		}
	case CategoryPromptRefinement:
		if p.Prompt != nil {
			return []string{p.Prompt.TargetPath}
		}
	}
	return nil
}

// SkillMetadataPath is the descriptor artifact location for a skill.
func SkillMetadataPath(s *SkillPayload) string {
	return s.Dir + "/" + s.Name + ".skill.yaml"
}

// SkillBodyPath is the implementation artifact location for a skill.
func SkillBodyPath(s *SkillPayload) string {
	return s.Dir + "/" + s.Name + ".go"
}

// =============================================================================
// PROPOSAL
// =============================================================================

// Proposal is the unit of change.
type Proposal struct {
	SchemaVersion    int       `json:"schemaVersion"`
	ID               string    `json:"id"`
	Category         Category  `json:"category"`
	DeclaredRisk     RiskLevel `json:"declaredRisk"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Payload          Payload   `json:"payload"`
	SourceSignalID   string    `json:"sourceSignalId,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Reviewer         string    `json:"reviewer,omitempty"`
	ReviewNotes      string    `json:"reviewNotes,omitempty"`
	RollbackRecordID string    `json:"rollbackRecordId,omitempty"`
}

// NewProposal builds a pending proposal with a fresh id.
func NewProposal(category Category, title, description string, payload Payload) *Proposal {
	now := time.Now()
	return &Proposal{
		SchemaVersion: SchemaVersion,
		ID:            uuid.NewString(),
		Category:      category,
		DeclaredRisk:  RiskMedium,
		Title:         title,
		Description:   description,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks structural invariants. Status applied without a
// rollback record reference is the canonical internal-assertion case.
func (p *Proposal) Validate() error {
	if p.ID == "" {
		return E(KindInternalAssertion, "proposal.validate", "missing id")
	}
	if !p.Category.Valid() {
		return Errorf(KindInternalAssertion, "proposal.validate", "unknown category %q", p.Category)
	}
	if p.Payload.Kind != p.Category {
		return Errorf(KindInternalAssertion, "proposal.validate", "payload kind %q does not match category %q", p.Payload.Kind, p.Category)
	}
	if err := p.Payload.Validate(); err != nil {
		return err
	}
	if p.Status == StatusApplied && p.RollbackRecordID == "" {
		return Errorf(KindInternalAssertion, "proposal.validate", "proposal %s is applied without a rollback record", p.ID)
	}
	return nil
}

// Age returns how long the proposal has been waiting.
func (p *Proposal) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// =============================================================================
// ASSESSMENT & DECISION
// =============================================================================

// Factor is one weighted component of a risk score.
type Factor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Value       float64 `json:"value"`
	Explanation string  `json:"explanation"`
}

// Assessment is the scorer's output for one proposal. Immutable; never
// stored long-term, always regenerated from history.
type Assessment struct {
	ProposalID      string    `json:"proposalId"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	RiskScore       float64   `json:"riskScore"`
	Confidence      float64   `json:"confidence"`
	Factors         []Factor  `json:"factors"`
	Recommendations []string  `json:"recommendations,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Decision is the policy's verdict. Immutable.
type Decision struct {
	ProposalID string    `json:"proposalId"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason"`
	Automatic  bool      `json:"automatic"`
	RiskLevel  RiskLevel `json:"riskLevel"`
	Confidence float64   `json:"confidence"`
	RuleName   string    `json:"ruleName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// =============================================================================
// APPLICATION RESULTS & ROLLBACK
// =============================================================================

// AppliedChange records one successful forward mutation with enough
// content to invert it.
type AppliedChange struct {
	TargetPath      string `json:"targetPath"`
	Existed         bool   `json:"existed"`
	PreviousContent string `json:"previousContent"`
	NewContent      string `json:"newContent"`
}

// FailedChange records one mutation that did not apply.
type FailedChange struct {
	TargetPath string `json:"targetPath"`
	Reason     string `json:"reason"`
}

// InverseOperation undoes one forward mutation: restore the previous
// content, or remove a target that did not exist before.
type InverseOperation struct {
	TargetPath      string `json:"targetPath"`
	RestoreContent  bool   `json:"restoreContent"`
	PreviousContent string `json:"previousContent,omitempty"`
}

// RollbackRecord holds the ordered inverse operations for one
// application.
type RollbackRecord struct {
	SchemaVersion int                `json:"schemaVersion"`
	ID            string             `json:"id"`
	ApplicationID string             `json:"applicationId"`
	Inverses      []InverseOperation `json:"inverses"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Empty reports whether the record holds no inverse operations.
func (r *RollbackRecord) Empty() bool {
	return r == nil || len(r.Inverses) == 0
}

// RollbackMode distinguishes automatic self-heal rollbacks, which count
// against the daily cap, from operator-requested ones, which do not.
type RollbackMode string

const (
	RollbackAuto   RollbackMode = "auto-heal"
	RollbackManual RollbackMode = "manual"
)

// RollbackAuditEntry is one line of the rollback audit log. Every
// rollback attempt is recorded, successful or not, automatic or manual.
type RollbackAuditEntry struct {
	SchemaVersion   int          `json:"schemaVersion"`
	ID              string       `json:"id"`
	ApplicationID   string       `json:"applicationId"`
	ProposalID      string       `json:"proposalId"`
	Mode            RollbackMode `json:"mode"`
	Reason          string       `json:"reason"`
	RestoredTargets int          `json:"restoredTargets"`
	Success         bool         `json:"success"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// ApplyResult summarizes one applicator invocation. Partial success is
// expected and reported, not hidden.
type ApplyResult struct {
	AppliedCount   int             `json:"appliedCount"`
	FailedCount    int             `json:"failedCount"`
	AppliedChanges []AppliedChange `json:"appliedChanges"`
	FailedChanges  []FailedChange  `json:"failedChanges"`
	RollbackRecord *RollbackRecord `json:"rollbackRecord,omitempty"`
}

// FullyApplied reports whether every mutation landed.
func (r *ApplyResult) FullyApplied() bool {
	return r.FailedCount == 0 && r.AppliedCount > 0
}

// =============================================================================
// APPLICATION EVENTS & METRICS
// =============================================================================

// ApplicationStatus tracks one application through monitoring.
type ApplicationStatus string

const (
	ApplicationMonitoring ApplicationStatus = "monitoring"
	ApplicationDegraded   ApplicationStatus = "degraded"
	ApplicationRolledBack ApplicationStatus = "rolled-back"
	ApplicationRetained   ApplicationStatus = "retained"
)

// MetricsSnapshot captures assistant performance at a point in time.
type MetricsSnapshot struct {
	SuccessRate       float64   `json:"successRate"`
	AverageCost       float64   `json:"averageCost"`
	AverageDurationMs float64   `json:"averageDurationMs"`
	TaskCount         int       `json:"taskCount"`
	Timestamp         time.Time `json:"timestamp"`
}

// ApplicationEvent is the append-only log record for one application
// attempt. PostMetrics stays nil until a later snapshot arrives.
type ApplicationEvent struct {
	SchemaVersion   int               `json:"schemaVersion"`
	ID              string            `json:"id"`
	ProposalID      string            `json:"proposalId"`
	AffectedTargets []string          `json:"affectedTargets"`
	PreMetrics      MetricsSnapshot   `json:"preMetrics"`
	PostMetrics     *MetricsSnapshot  `json:"postMetrics,omitempty"`
	Status          ApplicationStatus `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// NewApplicationEvent starts a monitoring-state event for a proposal.
func NewApplicationEvent(proposalID string, targets []string, pre MetricsSnapshot) *ApplicationEvent {
	return &ApplicationEvent{
		SchemaVersion:   SchemaVersion,
		ID:              uuid.NewString(),
		ProposalID:      proposalID,
		AffectedTargets: targets,
		PreMetrics:      pre,
		Status:          ApplicationMonitoring,
		CreatedAt:       time.Now(),
	}
}

// =============================================================================
// SIGNALS
// =============================================================================

// Signal is an upstream observation. The engine indexes only Type,
// ToolName, ErrorKind, and Timestamp; Data stays opaque.
type Signal struct {
	SchemaVersion int            `json:"schemaVersion"`
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	ToolName      string         `json:"toolName,omitempty"`
	ErrorKind     string         `json:"errorKind,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// =============================================================================
// DAILY COUNTERS
// =============================================================================

// DailyCounters aggregates one local-calendar day of executor activity.
// Date uses the local timezone; quiet hours use the same clock so the
// engine carries a single time story.
type DailyCounters struct {
	SchemaVersion      int     `json:"schemaVersion"`
	Date               string  `json:"date"` // local YYYY-MM-DD
	ExecutionsToday    int     `json:"executionsToday"`
	SuccessesToday     int     `json:"successesToday"`
	FailuresToday      int     `json:"failuresToday"`
	RejectionsToday    int     `json:"rejectionsToday"`
	RollbacksToday     int     `json:"rollbacksToday"`
	AutoRollbacksToday int     `json:"autoRollbacksToday"`
	RemainingToday     int     `json:"remainingToday"`
	AvgExecutionTimeMs float64 `json:"avgExecutionTimeMs"`
	SuccessRate        float64 `json:"successRate"`
}

// Health buckets for the executor.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// LocalDate formats t as the counters' local-day key.
func LocalDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// ResetFor zeroes the counters for a new local day.
func (c *DailyCounters) ResetFor(date string, dailyLimit int) {
	*c = DailyCounters{
		SchemaVersion:  SchemaVersion,
		Date:           date,
		RemainingToday: dailyLimit,
		SuccessRate:    1.0,
	}
}

// recompute refreshes the derived rate and remaining-budget fields.
func (c *DailyCounters) recompute(dailyLimit int) {
	c.RemainingToday = dailyLimit - c.ExecutionsToday
	if c.RemainingToday < 0 {
		c.RemainingToday = 0
	}
	if c.ExecutionsToday == 0 {
		c.SuccessRate = 1.0
		return
	}
	c.SuccessRate = float64(c.SuccessesToday) / float64(c.ExecutionsToday)
}

// RecordSuccess counts one successful execution.
func (c *DailyCounters) RecordSuccess(duration time.Duration, dailyLimit int) {
	c.recordExecution(duration)
	c.SuccessesToday++
	c.recompute(dailyLimit)
}

// RecordFailure counts one failed execution.
func (c *DailyCounters) RecordFailure(duration time.Duration, dailyLimit int) {
	c.recordExecution(duration)
	c.FailuresToday++
	c.recompute(dailyLimit)
}

// RecordRejection counts one rejected execution. Rejections consume
// budget: executionsToday = successes + failures + rejections.
func (c *DailyCounters) RecordRejection(duration time.Duration, dailyLimit int) {
	c.recordExecution(duration)
	c.RejectionsToday++
	c.recompute(dailyLimit)
}

// RecordRollback counts one rollback. Rollbacks do not consume the
// daily execution budget; automatic ones count against their own cap.
func (c *DailyCounters) RecordRollback(mode RollbackMode) {
	c.RollbacksToday++
	if mode == RollbackAuto {
		c.AutoRollbacksToday++
	}
}

func (c *DailyCounters) recordExecution(duration time.Duration) {
	total := c.AvgExecutionTimeMs*float64(c.ExecutionsToday) + float64(duration.Milliseconds())
	c.ExecutionsToday++
	c.AvgExecutionTimeMs = total / float64(c.ExecutionsToday)
}

// Health classifies the executor's condition from today's counters.
func (c *DailyCounters) Health() Health {
	if c.FailuresToday >= 5 || c.SuccessRate < 0.5 {
		return HealthUnhealthy
	}
	if c.FailuresToday >= 2 || c.SuccessRate < 0.8 {
		return HealthDegraded
	}
	return HealthHealthy
}

// =============================================================================
// HISTORY VIEW
// =============================================================================

// CategoryHistory is the read-only snapshot of one category's track
// record, assembled at scoring time.
type CategoryHistory struct {
	Samples      int     `json:"samples"`
	SuccessRate  float64 `json:"successRate"`
	Overrides    int     `json:"overrides"`
	Applications int     `json:"applications"`
	OverrideRate float64 `json:"overrideRate"`
}

// HistoryView supplies the scorer's historical factors. Implementations
// must return neutral zero values rather than errors when history is
// missing.
type HistoryView interface {
	CategoryHistory(category Category) CategoryHistory
}

// ValidStatuses returns every status the state machine knows about.
func ValidStatuses() []Status {
	return []Status{
		StatusPending,
		StatusApproved,
		StatusApplied,
		StatusFailed,
		StatusRejected,
		StatusRolledBack,
	}
}

// ParseStatus validates an on-disk status value.
func ParseStatus(s string) (Status, error) {
	for _, v := range ValidStatuses() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", Errorf(KindStateCorrupted, "status.parse", "unknown status %q", s)
}
