package evolution

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"evoengine/internal/types"

	"gopkg.in/yaml.v3"
)

const validSkillBody = `import "strings"

func Run(input string) (string, error) {
	return strings.ToUpper(input), nil
}`

func newApplicatorFixture(rollbackOnFailure bool) (*Applicator, *types.MemFilesystem) {
	fs := types.NewMemFilesystem()
	return NewApplicator(fs, "/ws", "/global", nil, rollbackOnFailure), fs
}

func modeProposal(slug, text string) *types.Proposal {
	return types.NewProposal(types.CategoryModeInstruction, "mode tweak", "", types.Payload{
		Kind:  types.CategoryModeInstruction,
		Scope: types.ScopeProject,
		Mode:  &types.ModePayload{TargetPath: "modes.json", ModeSlug: slug, Instruction: text},
	})
}

func skillProposal(name, body string) *types.Proposal {
	return types.NewProposal(types.CategorySkillCreation, "new skill", "", types.Payload{
		Kind:  types.CategorySkillCreation,
		Scope: types.ScopeProject,
		Skill: &types.SkillPayload{Dir: "skills/" + name, Name: name, Description: "test skill", Body: body},
	})
}

func TestApplyRuleAddCreatesTarget(t *testing.T) {
	ap, fs := newApplicatorFixture(true)

	res, err := ap.Apply(context.Background(), ruleProposal())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.AppliedCount != 1 || res.FailedCount != 0 {
		t.Fatalf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}

	data, err := fs.ReadFile("/ws/AGENT.md")
	if err != nil {
		t.Fatalf("target not created: %v", err)
	}
	if !strings.Contains(string(data), "Always run the linter.") || !strings.Contains(string(data), "<!-- evo:") {
		t.Errorf("target content = %q", data)
	}

	if res.RollbackRecord == nil || len(res.RollbackRecord.Inverses) != 1 {
		t.Fatalf("rollback record = %+v", res.RollbackRecord)
	}
	if res.RollbackRecord.Inverses[0].RestoreContent {
		t.Error("created file should roll back by removal, not restore")
	}
}

func TestApplyRuleAddAppendsToExisting(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	if err := fs.WriteFile("/ws/AGENT.md", []byte("# Rules\n")); err != nil {
		t.Fatal(err)
	}

	res, err := ap.Apply(context.Background(), ruleProposal())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, _ := fs.ReadFile("/ws/AGENT.md")
	if !strings.HasPrefix(string(data), "# Rules\n") {
		t.Error("existing content was not preserved")
	}
	ch := res.AppliedChanges[0]
	if !ch.Existed || ch.PreviousContent != "# Rules\n" {
		t.Errorf("change = existed %v, prev %q", ch.Existed, ch.PreviousContent)
	}
	if !res.RollbackRecord.Inverses[0].RestoreContent {
		t.Error("inverse should restore the previous content")
	}
}

func TestApplyModeInstructionCreatesDocument(t *testing.T) {
	ap, fs := newApplicatorFixture(true)

	res, err := ap.Apply(context.Background(), modeProposal("architect", "Prefer interfaces at package seams."))
	if err != nil || res.AppliedCount != 1 {
		t.Fatalf("Apply = %+v, %v", res, err)
	}

	data, err := fs.ReadFile("/ws/modes.json")
	if err != nil {
		t.Fatalf("modes target missing: %v", err)
	}
	var doc modesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("written document does not parse: %v", err)
	}
	entry := doc.Modes["architect"]
	if entry == nil || !strings.Contains(entry.Instructions, "Prefer interfaces") {
		t.Errorf("modes = %+v", doc.Modes)
	}
}

func TestApplyModeInstructionUpserts(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	seed := modesDocument{SchemaVersion: 1, Modes: map[string]*modeEntry{
		"architect": {Instructions: "existing text"},
		"reviewer":  {Instructions: "untouched"},
	}}
	raw, _ := json.Marshal(seed)
	if err := fs.WriteFile("/ws/modes.json", raw); err != nil {
		t.Fatal(err)
	}

	if _, err := ap.Apply(context.Background(), modeProposal("architect", "New guidance.")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, _ := fs.ReadFile("/ws/modes.json")
	var doc modesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	arch := doc.Modes["architect"].Instructions
	if !strings.HasPrefix(arch, "existing text") || !strings.Contains(arch, "New guidance.") {
		t.Errorf("architect instructions = %q", arch)
	}
	if doc.Modes["reviewer"].Instructions != "untouched" {
		t.Error("unrelated mode entry was modified")
	}
}

func TestApplyModeInstructionCorruptTarget(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	if err := fs.WriteFile("/ws/modes.json", []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	res, err := ap.Apply(context.Background(), modeProposal("architect", "text"))
	if err != nil {
		t.Fatalf("mutation failures are reported, not thrown: %v", err)
	}
	if res.AppliedCount != 0 || res.FailedCount != 1 {
		t.Fatalf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}
	if !strings.Contains(res.FailedChanges[0].Reason, "does not parse") {
		t.Errorf("reason = %q", res.FailedChanges[0].Reason)
	}
	// The corrupt target must not be overwritten.
	data, _ := fs.ReadFile("/ws/modes.json")
	if string(data) != "{not json" {
		t.Error("corrupt target was rewritten")
	}
}

func TestApplySkillCreation(t *testing.T) {
	ap, fs := newApplicatorFixture(true)

	res, err := ap.Apply(context.Background(), skillProposal("upper", validSkillBody))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.AppliedCount != 2 {
		t.Fatalf("applied = %d, want 2 (metadata + body)", res.AppliedCount)
	}

	meta, err := fs.ReadFile("/ws/skills/upper/upper.skill.yaml")
	if err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
	var desc skillDescriptor
	if err := yaml.Unmarshal(meta, &desc); err != nil {
		t.Fatalf("metadata does not parse: %v", err)
	}
	if desc.Name != "upper" || desc.Entry != "upper.go" {
		t.Errorf("descriptor = %+v", desc)
	}

	body, err := fs.ReadFile("/ws/skills/upper/upper.go")
	if err != nil {
		t.Fatalf("body missing: %v", err)
	}
	if string(body) != validSkillBody {
		t.Error("body content mismatch")
	}
}

func TestApplySkillInvalidBodyWritesNothing(t *testing.T) {
	ap, fs := newApplicatorFixture(true)

	res, err := ap.Apply(context.Background(), skillProposal("broken", "func Run("))
	if err == nil {
		t.Fatal("invalid body should fail translation")
	}
	if types.KindOf(err) != types.KindConfigInvalid {
		t.Errorf("kind = %s", types.KindOf(err))
	}
	if res.FailedCount != 2 || res.AppliedCount != 0 {
		t.Errorf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}
	if fs.Exists("/ws/skills/broken/broken.skill.yaml") || fs.Exists("/ws/skills/broken/broken.go") {
		t.Error("artifacts written for an invalid skill")
	}
}

func TestApplySkillForbiddenImport(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	body := `import "os/exec"

func Run(input string) (string, error) {
	out, err := exec.Command(input).Output()
	return string(out), err
}`

	_, err := ap.Apply(context.Background(), skillProposal("shell", body))
	if err == nil || !strings.Contains(err.Error(), "forbidden imports") {
		t.Fatalf("err = %v", err)
	}
	if fs.Exists("/ws/skills/shell/shell.go") {
		t.Error("body written despite forbidden import")
	}
}

func TestApplySkillConflictStopsBatch(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	if err := fs.WriteFile("/ws/skills/upper/upper.skill.yaml", []byte("theirs")); err != nil {
		t.Fatal(err)
	}

	res, err := ap.Apply(context.Background(), skillProposal("upper", validSkillBody))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.AppliedCount != 0 || res.FailedCount != 1 {
		t.Fatalf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}
	if fs.Exists("/ws/skills/upper/upper.go") {
		t.Error("body written after the metadata conflict")
	}
	// The foreign file stays.
	data, _ := fs.ReadFile("/ws/skills/upper/upper.skill.yaml")
	if string(data) != "theirs" {
		t.Error("conflicting file was replaced")
	}
}

func TestApplyConfigUpdateRecordOnly(t *testing.T) {
	ap, fs := newApplicatorFixture(true)

	res, err := ap.Apply(context.Background(), configProposal())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.AppliedCount != 1 {
		t.Fatalf("applied = %d", res.AppliedCount)
	}
	ch := res.AppliedChanges[0]
	if ch.TargetPath != "settings:apply_timeout_ms" || ch.NewContent != "90000" {
		t.Errorf("change = %+v", ch)
	}
	if fs.Exists("/ws/settings:apply_timeout_ms") || fs.Exists("/global/settings:apply_timeout_ms") {
		t.Error("config update must not touch disk")
	}
}

func TestApplyPromptRefinementReducesToModeInstruction(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	p := types.NewProposal(types.CategoryPromptRefinement, "tighten prompt", "", types.Payload{
		Kind:   types.CategoryPromptRefinement,
		Scope:  types.ScopeProject,
		Prompt: &types.PromptPayload{TargetPath: "modes.json", ModeSlug: "coder", Refinement: "Cite file paths."},
	})

	if _, err := ap.Apply(context.Background(), p); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, _ := fs.ReadFile("/ws/modes.json")
	var doc modesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Modes["coder"] == nil || !strings.Contains(doc.Modes["coder"].Instructions, "Cite file paths.") {
		t.Errorf("modes = %+v", doc.Modes)
	}
}

func TestPartialFailureUnwindsWhenConfigured(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	// Metadata path is free, the body path is taken: the second
	// mutation conflicts after the first succeeded.
	if err := fs.WriteFile("/ws/skills/upper/upper.go", []byte("theirs")); err != nil {
		t.Fatal(err)
	}

	res, err := ap.Apply(context.Background(), skillProposal("upper", validSkillBody))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.AppliedCount != 1 || res.FailedCount != 1 {
		t.Fatalf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}
	if res.FullyApplied() {
		t.Error("partial failure reported as fully applied")
	}
	if res.RollbackRecord != nil {
		t.Error("partial failure must not produce a rollback record")
	}
	if fs.Exists("/ws/skills/upper/upper.skill.yaml") {
		t.Error("metadata not unwound after body conflict")
	}
}

func TestPartialFailureWithoutRollbackKeepsApplied(t *testing.T) {
	ap, fs := newApplicatorFixture(false)
	if err := fs.WriteFile("/ws/skills/upper/upper.go", []byte("theirs")); err != nil {
		t.Fatal(err)
	}

	res, err := ap.Apply(context.Background(), skillProposal("upper", validSkillBody))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.AppliedCount != 1 || res.FailedCount != 1 {
		t.Fatalf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}
	if !fs.Exists("/ws/skills/upper/upper.skill.yaml") {
		t.Error("applied change was unwound without rollback-on-failure")
	}
}

func TestApplyCancelledContext(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ap.Apply(ctx, ruleProposal())
	if types.KindOf(err) != types.KindTimeout {
		t.Fatalf("kind = %s, want timeout", types.KindOf(err))
	}
	if res.AppliedCount != 0 || res.FailedCount != 1 {
		t.Errorf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}
	if res.FailedChanges[0].Reason != "timeout" {
		t.Errorf("reason = %q", res.FailedChanges[0].Reason)
	}
	if fs.Exists("/ws/AGENT.md") {
		t.Error("mutation ran on a dead context")
	}
}

// cancelAfterWrite kills its context once the first write has landed,
// so the next mutation in the batch sees a dead context.
type cancelAfterWrite struct {
	*types.MemFilesystem
	cancel context.CancelFunc
	writes int
}

func (c *cancelAfterWrite) WriteFile(p string, data []byte) error {
	err := c.MemFilesystem.WriteFile(p, data)
	c.writes++
	if c.writes == 1 {
		c.cancel()
	}
	return err
}

func TestTimeoutMidBatchUnwindsApplied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs := &cancelAfterWrite{MemFilesystem: types.NewMemFilesystem(), cancel: cancel}
	ap := NewApplicator(fs, "/ws", "/global", nil, true)

	res, err := ap.Apply(ctx, skillProposal("upper", validSkillBody))
	if types.KindOf(err) != types.KindTimeout {
		t.Fatalf("kind = %s, want timeout", types.KindOf(err))
	}
	if res.AppliedCount != 1 || res.FailedCount != 1 {
		t.Fatalf("result = %d applied, %d failed", res.AppliedCount, res.FailedCount)
	}
	if fs.Exists("/ws/skills/upper/upper.skill.yaml") {
		t.Error("metadata not unwound after the timeout")
	}
	if fs.Exists("/ws/skills/upper/upper.go") {
		t.Error("body written on a dead context")
	}
}

func TestRollbackRestoresPreviousContent(t *testing.T) {
	ap, fs := newApplicatorFixture(true)
	if err := fs.WriteFile("/ws/AGENT.md", []byte("original\n")); err != nil {
		t.Fatal(err)
	}

	res, err := ap.Apply(context.Background(), ruleProposal())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	restored, err := ap.Rollback(context.Background(), res.RollbackRecord)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if restored != 1 {
		t.Errorf("restored = %d", restored)
	}
	data, _ := fs.ReadFile("/ws/AGENT.md")
	if string(data) != "original\n" {
		t.Errorf("content after rollback = %q", data)
	}
}

func TestRollbackRemovesCreatedTargets(t *testing.T) {
	ap, fs := newApplicatorFixture(true)

	res, err := ap.Apply(context.Background(), skillProposal("upper", validSkillBody))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	restored, err := ap.Rollback(context.Background(), res.RollbackRecord)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored = %d", restored)
	}
	if fs.Exists("/ws/skills/upper/upper.skill.yaml") || fs.Exists("/ws/skills/upper/upper.go") {
		t.Error("created artifacts survived rollback")
	}
}
