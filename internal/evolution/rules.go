package evolution

import (
	"sort"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/types"

	"github.com/google/cel-go/cel"
)

// =============================================================================
// CUSTOM RULES
// =============================================================================

// compiledRule is one custom rule with its structural predicates
// normalized and its optional CEL expression compiled. A rule whose
// expression failed to compile never matches.
type compiledRule struct {
	name       string
	priority   int
	action     types.Outcome
	categories map[types.Category]bool // empty = any
	maxRisk    types.RiskLevel         // "" = any
	minConf    float64                 // 0 = any
	maxFiles   int                     // 0 = unlimited
	scope      types.Scope             // "" = any
	program    cel.Program             // nil = no expression
	broken     bool
}

// RuleSet is an immutable, priority-ordered list of compiled rules.
// The scheduler pins one RuleSet per tick so every proposal in a batch
// sees the same rules; edits take effect on the next tick.
type RuleSet struct {
	rules []compiledRule
}

// ruleActions maps the config action vocabulary onto decision outcomes.
var ruleActions = map[string]types.Outcome{
	"approve":  types.OutcomeApproved,
	"defer":    types.OutcomeDeferred,
	"reject":   types.OutcomeRejected,
	"escalate": types.OutcomeEscalated,
}

// newRuleEnv declares the variables a rule expression may reference.
func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("riskLevel", cel.StringType),
		cel.Variable("riskScore", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("targetCount", cel.IntType),
		cel.Variable("title", cel.StringType),
		cel.Variable("ageHours", cel.DoubleType),
	)
}

// CompileRules turns the configured rule list into a RuleSet: sorted by
// priority (lower first, stable for ties), expressions compiled once.
func CompileRules(rules []config.CustomRule) *RuleSet {
	env, envErr := newRuleEnv()
	if envErr != nil {
		logging.RulesError("CEL environment unavailable, expressions disabled: %v", envErr)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		action, ok := ruleActions[r.Action]
		if !ok {
			logging.RulesWarn("Rule %q: unknown action %q, skipping", r.Name, r.Action)
			continue
		}
		cr := compiledRule{
			name:     r.Name,
			priority: r.Priority,
			action:   action,
			minConf:  r.MinConfidence,
			maxFiles: r.MaxFiles,
			maxRisk:  types.RiskLevel(r.MaxRiskLevel),
			scope:    types.Scope(r.Scope),
		}
		if len(r.Categories) > 0 {
			cr.categories = make(map[types.Category]bool, len(r.Categories))
			for _, c := range r.Categories {
				cr.categories[types.Category(c)] = true
			}
		}
		if r.Expression != "" {
			cr.program, cr.broken = compileExpression(env, envErr, r.Name, r.Expression)
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].priority < compiled[j].priority })
	logging.Rules("Compiled %d custom rules (%d configured)", len(compiled), len(rules))
	return &RuleSet{rules: compiled}
}

func compileExpression(env *cel.Env, envErr error, name, expr string) (cel.Program, bool) {
	if envErr != nil {
		return nil, true
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		logging.RulesWarn("Rule %q: expression does not compile, rule disabled: %v", name, issues.Err())
		return nil, true
	}
	prg, err := env.Program(ast)
	if err != nil {
		logging.RulesWarn("Rule %q: expression program failed, rule disabled: %v", name, err)
		return nil, true
	}
	return prg, false
}

// Len reports the number of loaded rules, including any kept in a
// disabled state after a compile failure.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate scans the rules in priority order and returns the outcome
// and name of the first match.
func (rs *RuleSet) Evaluate(p *types.Proposal, a *types.Assessment) (types.Outcome, string, bool) {
	if rs == nil {
		return "", "", false
	}
	for i := range rs.rules {
		r := &rs.rules[i]
		if r.matches(p, a) {
			logging.RulesDebug("Proposal %s matched rule %q -> %s", p.ID, r.name, r.action)
			return r.action, r.name, true
		}
	}
	return "", "", false
}

func (r *compiledRule) matches(p *types.Proposal, a *types.Assessment) bool {
	if r.broken {
		return false
	}
	if r.categories != nil && !r.categories[p.Category] {
		return false
	}
	if r.maxRisk != "" && !a.RiskLevel.AtMost(r.maxRisk) {
		return false
	}
	if r.minConf > 0 && a.Confidence < r.minConf {
		return false
	}
	if r.maxFiles > 0 && len(p.Payload.AffectedTargets()) > r.maxFiles {
		return false
	}
	if r.scope != "" && p.Payload.Scope != r.scope {
		return false
	}
	if r.program != nil {
		return r.evalExpression(p, a)
	}
	return true
}

// evalExpression runs the rule's CEL program. Fail closed: any
// evaluation error or non-boolean result reads as no-match.
func (r *compiledRule) evalExpression(p *types.Proposal, a *types.Assessment) bool {
	out, _, err := r.program.Eval(map[string]any{
		"category":    string(p.Category),
		"scope":       string(p.Payload.Scope),
		"riskLevel":   string(a.RiskLevel),
		"riskScore":   a.RiskScore,
		"confidence":  a.Confidence,
		"targetCount": len(p.Payload.AffectedTargets()),
		"title":       p.Title,
		"ageHours":    time.Since(p.CreatedAt).Hours(),
	})
	if err != nil {
		logging.RulesWarn("Rule %q: expression evaluation failed for %s: %v", r.name, p.ID, err)
		return false
	}
	matched, ok := out.Value().(bool)
	if !ok {
		logging.RulesWarn("Rule %q: expression returned %T, want bool", r.name, out.Value())
		return false
	}
	return matched
}
