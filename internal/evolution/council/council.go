// Package council implements the model-backed review oracle consulted
// for proposals the decision policy cannot approve on its own. The
// council sees a compact summary of the proposal and its assessment and
// returns an approve/reject verdict with a one-line rationale. It is
// advisory infrastructure: every failure mode degrades to "escalate to
// a human", never to silent approval.
package council

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"evoengine/internal/config"
	"evoengine/internal/logging"
	"evoengine/internal/types"

	"google.golang.org/genai"
)

// =============================================================================
// GEMINI COUNCIL
// =============================================================================

const defaultModel = "gemini-2.5-flash"

// Council reviews proposals through the Gemini API.
type Council struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// New creates a council backed by the configured Gemini model.
func New(ctx context.Context, cfg config.CouncilConfig, timeout time.Duration) (*Council, error) {
	if cfg.APIKey == "" {
		return nil, types.E(types.KindConfigInvalid, "council.new", "api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, "council.new", err)
	}

	logging.Council("Council ready: model=%s timeout=%s", model, timeout)
	return &Council{
		client:  client,
		model:   model,
		timeout: timeout,
	}, nil
}

// Review presents one proposal for a verdict. Errors are always
// unavailability: the caller escalates, it never fabricates an answer.
func (c *Council) Review(ctx context.Context, req types.CouncilRequest) (types.CouncilVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := buildPrompt(req)
	logging.CouncilDebug("Reviewing proposal %s (%s, risk %s)", req.ProposalID, req.Category, req.RiskLevel)

	result, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0),
		},
	)
	if err != nil {
		return types.CouncilVerdict{}, types.Wrap(types.KindUnavailable, "council.review", err)
	}

	verdict, err := parseVerdict(result.Text())
	if err != nil {
		return types.CouncilVerdict{}, err
	}

	logging.Council("Verdict for %s: approved=%v (%s)", req.ProposalID, verdict.Approved, verdict.Rationale)
	return verdict, nil
}

// Close releases the underlying API client.
func (c *Council) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func buildPrompt(req types.CouncilRequest) string {
	payload, _ := json.MarshalIndent(req, "", "  ")

	var b strings.Builder
	b.WriteString("You are a change-review council for a coding assistant's self-improvement engine.\n")
	b.WriteString("A proposed change to the assistant's own configuration needs a verdict.\n\n")
	b.WriteString("Proposal:\n")
	b.Write(payload)
	b.WriteString("\n\nApprove only if the change is narrow, reversible, and clearly tied to its stated purpose.\n")
	b.WriteString("Reject anything that broadens the assistant's behavior in ways the title does not state,\n")
	b.WriteString("touches many targets at once, or carries low confidence at elevated risk.\n\n")
	b.WriteString(`Answer with JSON only: {"approved": true|false, "rationale": "<one short sentence>"}`)
	return b.String()
}

// parseVerdict tolerates the model wrapping its JSON in a code fence.
func parseVerdict(raw string) (types.CouncilVerdict, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var verdict types.CouncilVerdict
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		logging.CouncilWarn("Unparseable verdict: %.120q", raw)
		return types.CouncilVerdict{}, types.Errorf(types.KindUnavailable, "council.review", "verdict is not valid JSON: %v", err)
	}
	return verdict, nil
}
