package evolution

import (
	"context"
	"fmt"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/types"
)

// =============================================================================
// DECISION POLICY
// =============================================================================

// Autonomy levels.
const (
	AutonomyManual   = 0 // never auto-approve
	AutonomyAssisted = 1 // low risk only
	AutonomyAuto     = 2 // low and medium risk
)

// Policy decides what happens to a scored proposal. It is a pure
// function of (proposal, assessment, config, rules) except for the
// council oracle, which is the one effectful edge and is injected.
type Policy struct {
	cfg     *config.Config
	council types.CouncilOracle // nil when not configured
}

func NewPolicy(cfg *config.Config, council types.CouncilOracle) *Policy {
	return &Policy{cfg: cfg, council: council}
}

// Decide runs the ordered checks; the first match wins:
// disabled, dry-run, custom rules, autonomy envelope, confidence floor,
// then approval.
func (po *Policy) Decide(ctx context.Context, p *types.Proposal, a *types.Assessment, rules *RuleSet) *types.Decision {
	d := po.decide(ctx, p, a, rules)
	logging.Policy("Proposal %s: %s (%s)", p.ID, d.Outcome, d.Reason)
	return d
}

func (po *Policy) decide(ctx context.Context, p *types.Proposal, a *types.Assessment, rules *RuleSet) *types.Decision {
	base := types.Decision{
		ProposalID: p.ID,
		Automatic:  true,
		RiskLevel:  a.RiskLevel,
		Confidence: a.Confidence,
		CreatedAt:  time.Now(),
	}

	if !po.cfg.Evolution.Enabled {
		base.Outcome, base.Reason = types.OutcomeDeferred, "disabled"
		return &base
	}
	if po.cfg.Evolution.DryRun {
		base.Outcome, base.Reason = types.OutcomeDeferred, "dry-run"
		return &base
	}

	if outcome, name, ok := rules.Evaluate(p, a); ok {
		base.Outcome = outcome
		base.RuleName = name
		base.Reason = fmt.Sprintf("custom rule %q", name)
		return &base
	}

	if d := po.autonomyCheck(ctx, p, a, &base); d != nil {
		return d
	}

	if a.Confidence < po.cfg.Evolution.MinConfidence {
		base.Outcome = types.OutcomeDeferred
		base.Reason = fmt.Sprintf("confidence %.2f below minimum %.2f", a.Confidence, po.cfg.Evolution.MinConfidence)
		return &base
	}

	base.Outcome = types.OutcomeApproved
	base.Reason = fmt.Sprintf("%s risk within autonomy level %d", a.RiskLevel, po.cfg.Evolution.AutonomyLevel)
	return &base
}

// autonomyCheck returns nil when the assessment fits the configured
// autonomy envelope and the later checks should run.
func (po *Policy) autonomyCheck(ctx context.Context, p *types.Proposal, a *types.Assessment, base *types.Decision) *types.Decision {
	level := po.cfg.Evolution.AutonomyLevel
	needsCouncil := a.RiskLevel == types.RiskHigh ||
		(a.RiskLevel == types.RiskMedium && po.cfg.Evolution.RequireCouncilForMedium)

	switch level {
	case AutonomyManual:
		// Manual mode never auto-approves, not even via the council.
		base.Outcome = types.OutcomeDeferred
		base.Reason = "autonomy level 0 (manual): automatic approval disabled"
		return base

	case AutonomyAssisted:
		if needsCouncil {
			return po.consultCouncil(ctx, p, a, base)
		}
		if a.RiskLevel == types.RiskLow {
			return nil
		}
		base.Outcome = types.OutcomeDeferred
		base.Reason = fmt.Sprintf("autonomy level 1 (assisted) auto-approves low risk only, got %s", a.RiskLevel)
		return base

	default: // AutonomyAuto and anything above
		if !needsCouncil {
			return nil
		}
		return po.consultCouncil(ctx, p, a, base)
	}
}

// consultCouncil escalates to the oracle when one is configured; its
// boolean verdict maps to approved/rejected. Oracle errors downgrade
// to escalated, never fatal.
func (po *Policy) consultCouncil(ctx context.Context, p *types.Proposal, a *types.Assessment, base *types.Decision) *types.Decision {
	if po.council == nil {
		base.Outcome = types.OutcomeEscalated
		base.Reason = fmt.Sprintf("%s risk requires review and no council is configured", a.RiskLevel)
		return base
	}

	timer := logging.StartTimer(logging.CategoryCouncil, "review")
	verdict, err := po.council.Review(ctx, types.CouncilRequest{
		ProposalID:  p.ID,
		Category:    string(p.Category),
		Title:       p.Title,
		Description: p.Description,
		RiskLevel:   string(a.RiskLevel),
		RiskScore:   a.RiskScore,
		Confidence:  a.Confidence,
	})
	timer.Stop()

	if err != nil {
		logging.CouncilWarn("Review failed for %s, escalating: %v", p.ID, err)
		base.Outcome = types.OutcomeEscalated
		base.Reason = fmt.Sprintf("council unavailable: %v", err)
		return base
	}
	if verdict.Approved {
		base.Outcome = types.OutcomeApproved
		base.Reason = councilReason("council approved", verdict.Rationale)
	} else {
		base.Outcome = types.OutcomeRejected
		base.Reason = councilReason("council rejected", verdict.Rationale)
	}
	return base
}

func councilReason(prefix, rationale string) string {
	if rationale == "" {
		return prefix
	}
	return prefix + ": " + rationale
}
