// Package evolution implements the self-improvement control loop: risk
// scoring, decision policy, change application, scheduling, and
// self-healing rollback.
package evolution

import (
	"fmt"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/types"
)

// =============================================================================
// FACTOR WEIGHTS AND TABLES
// =============================================================================

// Factor weights. They sum to 1.0 but the score divides by the sum
// anyway so a future re-weighting cannot skew the scale.
const (
	weightCategory    = 0.30
	weightScope       = 0.20
	weightTargetCount = 0.20
	weightHistory     = 0.15
	weightOverrides   = 0.15
)

// categoryBaseRisk ranks categories by blast radius. Appending a rule
// to a text file is cheap to undo; rewriting settings affects every
// future session.
var categoryBaseRisk = map[types.Category]float64{
	types.CategoryRuleAdd:          0.20,
	types.CategoryPromptRefinement: 0.35,
	types.CategoryModeInstruction:  0.45,
	types.CategorySkillCreation:    0.70,
	types.CategoryConfigUpdate:     0.85,
}

// unknownCategoryRisk is used when a proposal carries a category the
// table does not know. The executor defers such proposals before
// scoring; this keeps the scorer total anyway.
const unknownCategoryRisk = 0.90

const (
	projectScopeRisk = 0.30
	globalScopeRisk  = 0.80
)

// Confidence model.
const (
	confidenceBase = 0.70
	confidenceCap  = 0.95
)

// minHistorySamples is the floor below which history reads as neutral.
const minHistorySamples = 3

const neutralFactor = 0.5

// =============================================================================
// SCORER
// =============================================================================

// Scorer turns a proposal plus its category history into a risk
// assessment. Scoring is deterministic and never fails: missing
// history reads as neutral, never as an error.
type Scorer struct {
	maxSafeFileCount int
	confidenceFloor  float64
}

func NewScorer(cfg *config.Config) *Scorer {
	return &Scorer{
		maxSafeFileCount: cfg.Scorer.MaxSafeFileCount,
		confidenceFloor:  cfg.Scorer.ConfidenceFloor,
	}
}

// Score produces the assessment for a proposal. The history view is a
// read-only snapshot taken by the caller; Score never writes.
func (sc *Scorer) Score(p *types.Proposal, history types.HistoryView) *types.Assessment {
	hist := history.CategoryHistory(p.Category)
	targets := p.Payload.AffectedTargets()

	factors := []types.Factor{
		sc.categoryFactor(p.Category),
		sc.scopeFactor(p.Payload.Scope),
		sc.targetCountFactor(len(targets)),
		sc.historyFactor(hist),
		sc.overrideFactor(hist),
	}

	var weighted, totalWeight float64
	for _, f := range factors {
		weighted += f.Weight * f.Value
		totalWeight += f.Weight
	}
	score := weighted / totalWeight

	assessment := &types.Assessment{
		ProposalID:      p.ID,
		RiskScore:       score,
		RiskLevel:       levelFor(score),
		Confidence:      sc.confidence(hist.Samples, factors),
		Factors:         factors,
		Recommendations: sc.recommend(p, factors, hist),
		CreatedAt:       time.Now(),
	}

	logging.ScorerDebug("Proposal %s: score=%.3f level=%s confidence=%.2f (%d samples)",
		p.ID, score, assessment.RiskLevel, assessment.Confidence, hist.Samples)
	return assessment
}

func levelFor(score float64) types.RiskLevel {
	switch {
	case score <= 0.33:
		return types.RiskLow
	case score <= 0.66:
		return types.RiskMedium
	default:
		return types.RiskHigh
	}
}

// =============================================================================
// FACTORS
// =============================================================================

func (sc *Scorer) categoryFactor(cat types.Category) types.Factor {
	value, ok := categoryBaseRisk[cat]
	explanation := fmt.Sprintf("%s carries a base risk of %.2f", cat, value)
	if !ok {
		value = unknownCategoryRisk
		explanation = fmt.Sprintf("unknown category %q scored conservatively", cat)
	}
	return types.Factor{Name: "category", Weight: weightCategory, Value: value, Explanation: explanation}
}

func (sc *Scorer) scopeFactor(scope types.Scope) types.Factor {
	value := projectScopeRisk
	if scope == types.ScopeGlobal {
		value = globalScopeRisk
	}
	return types.Factor{
		Name:        "scope",
		Weight:      weightScope,
		Value:       value,
		Explanation: fmt.Sprintf("%s-scope change", scope),
	}
}

// targetCountFactor rises stepwise once the count passes the safe
// threshold: within it, then up to 2x, up to 4x, then maximal.
func (sc *Scorer) targetCountFactor(count int) types.Factor {
	safe := sc.maxSafeFileCount
	if safe <= 0 {
		safe = 5
	}
	var value float64
	switch {
	case count <= safe:
		value = 0.20
	case count <= 2*safe:
		value = 0.50
	case count <= 4*safe:
		value = 0.80
	default:
		value = 1.00
	}
	return types.Factor{
		Name:        "target-count",
		Weight:      weightTargetCount,
		Value:       value,
		Explanation: fmt.Sprintf("%d affected targets (safe threshold %d)", count, safe),
	}
}

func (sc *Scorer) historyFactor(hist types.CategoryHistory) types.Factor {
	if hist.Samples < minHistorySamples {
		return types.Factor{
			Name:        "historical-success",
			Weight:      weightHistory,
			Value:       neutralFactor,
			Explanation: fmt.Sprintf("only %d historical samples; treated as neutral", hist.Samples),
		}
	}
	// High success rate means low risk.
	return types.Factor{
		Name:        "historical-success",
		Weight:      weightHistory,
		Value:       1.0 - hist.SuccessRate,
		Explanation: fmt.Sprintf("%.0f%% success over %d applications", hist.SuccessRate*100, hist.Samples),
	}
}

func (sc *Scorer) overrideFactor(hist types.CategoryHistory) types.Factor {
	if hist.Applications == 0 {
		return types.Factor{
			Name:        "override-rate",
			Weight:      weightOverrides,
			Value:       neutralFactor,
			Explanation: "no recent applications; treated as neutral",
		}
	}
	return types.Factor{
		Name:        "override-rate",
		Weight:      weightOverrides,
		Value:       hist.OverrideRate,
		Explanation: fmt.Sprintf("operators overrode %.0f%% of the last %d decisions", hist.OverrideRate*100, hist.Applications),
	}
}

// =============================================================================
// CONFIDENCE
// =============================================================================

// confidence starts at the base and earns bonuses for sample depth and
// for factor agreement (low variance means the signals point the same
// way). Capped, then floored at the configured minimum.
func (sc *Scorer) confidence(samples int, factors []types.Factor) float64 {
	c := confidenceBase

	switch {
	case samples >= 10:
		c += 0.15
	case samples >= 5:
		c += 0.10
	case samples >= minHistorySamples:
		c += 0.05
	}

	switch v := factorVariance(factors); {
	case v < 0.01:
		c += 0.10
	case v < 0.05:
		c += 0.05
	}

	if c > confidenceCap {
		c = confidenceCap
	}
	if c < sc.confidenceFloor {
		c = sc.confidenceFloor
	}
	return c
}

// factorVariance is the population variance of the factor values.
func factorVariance(factors []types.Factor) float64 {
	if len(factors) == 0 {
		return 0
	}
	var mean float64
	for _, f := range factors {
		mean += f.Value
	}
	mean /= float64(len(factors))

	var sum float64
	for _, f := range factors {
		d := f.Value - mean
		sum += d * d
	}
	return sum / float64(len(factors))
}

// =============================================================================
// RECOMMENDATIONS
// =============================================================================

// recommend surfaces human-readable advice from factor predicates.
// Recommendations never influence the decision policy.
func (sc *Scorer) recommend(p *types.Proposal, factors []types.Factor, hist types.CategoryHistory) []string {
	byName := make(map[string]types.Factor, len(factors))
	for _, f := range factors {
		byName[f.Name] = f
	}

	var recs []string
	if byName["target-count"].Value > 0.6 {
		recs = append(recs, fmt.Sprintf("touches %d targets; consider splitting into smaller proposals",
			len(p.Payload.AffectedTargets())))
	}
	if byName["category"].Value >= 0.7 {
		recs = append(recs, fmt.Sprintf("%s changes are high-impact; manual review recommended", p.Category))
	}
	if byName["historical-success"].Value > 0.6 && hist.Samples >= minHistorySamples {
		recs = append(recs, fmt.Sprintf("recent %s applications succeeded only %.0f%% of the time",
			p.Category, hist.SuccessRate*100))
	}
	if byName["override-rate"].Value > 0.5 && hist.Applications > 0 {
		recs = append(recs, fmt.Sprintf("operators overrode %.0f%% of recent %s decisions",
			hist.OverrideRate*100, p.Category))
	}
	if p.Payload.Scope == types.ScopeGlobal {
		recs = append(recs, "global-scope change affects every project on this machine")
	}
	return recs
}
