package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"evoengine/internal/logging"
	"evoengine/internal/types"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// CHANGE APPLICATOR
// =============================================================================

// settingsPrefix marks record-only targets: config updates never touch
// disk here, the settings collaborator picks them up from the
// execution-completed event.
const settingsPrefix = "settings:"

// Applicator translates approved proposals into ordered target
// mutations and applies them transactionally at batch level: every
// success is recorded, and on failure the already-applied changes are
// unwound when rollback-on-failure is configured.
type Applicator struct {
	fs                types.Filesystem
	workspace         string
	globalDir         string
	backup            *BackupManager // nil disables backups
	skills            *SkillChecker
	rollbackOnFailure bool
}

func NewApplicator(fs types.Filesystem, workspace, globalDir string, backup *BackupManager, rollbackOnFailure bool) *Applicator {
	return &Applicator{
		fs:                fs,
		workspace:         workspace,
		globalDir:         globalDir,
		backup:            backup,
		skills:            NewSkillChecker(),
		rollbackOnFailure: rollbackOnFailure,
	}
}

// mutation is one forward change against a resolved target.
type mutation struct {
	target string // resolved path, or settings:<key>
	disk   bool
	run    func() (types.AppliedChange, error)
}

// Apply runs the proposal's mutations in order. Mutation failures are
// recorded per target, not thrown; the returned error covers
// translation-level failures (invalid payloads, unvalidatable skills)
// and timeouts. A fully-applied result carries a rollback record whose
// applicationID the caller fills in.
func (ap *Applicator) Apply(ctx context.Context, p *types.Proposal) (*types.ApplyResult, error) {
	timer := logging.StartTimer(logging.CategoryApplicator, "apply")
	defer timer.Stop()

	result := &types.ApplyResult{}

	muts, err := ap.translate(p)
	if err != nil {
		for _, t := range p.Payload.AffectedTargets() {
			result.FailedChanges = append(result.FailedChanges, types.FailedChange{TargetPath: t, Reason: err.Error()})
		}
		result.FailedCount = len(result.FailedChanges)
		logging.ApplicatorWarn("Proposal %s does not translate: %v", p.ID, err)
		return result, err
	}

	var timedOut error
	backupDone := false
	for _, m := range muts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			timedOut = types.Errorf(types.KindTimeout, "applicator.apply", "aborted before %s: %v", m.target, ctxErr)
			result.FailedChanges = append(result.FailedChanges, types.FailedChange{TargetPath: m.target, Reason: "timeout"})
			if ap.rollbackOnFailure {
				ap.unwind(result.AppliedChanges)
			}
			break
		}
		if m.disk && !backupDone {
			ap.snapshotTargets(ctx, p.ID)
			backupDone = true
		}

		change, err := m.run()
		if err != nil {
			logging.ApplicatorWarn("Proposal %s: mutation of %s failed: %v", p.ID, m.target, err)
			result.FailedChanges = append(result.FailedChanges, types.FailedChange{TargetPath: m.target, Reason: err.Error()})
			if ap.rollbackOnFailure {
				ap.unwind(result.AppliedChanges)
				break
			}
			continue
		}
		result.AppliedChanges = append(result.AppliedChanges, change)
	}

	result.AppliedCount = len(result.AppliedChanges)
	result.FailedCount = len(result.FailedChanges)

	if result.FailedCount == 0 && result.AppliedCount > 0 {
		result.RollbackRecord = buildRollbackRecord(result.AppliedChanges)
	}

	logging.Applicator("Proposal %s: %d applied, %d failed", p.ID, result.AppliedCount, result.FailedCount)
	return result, timedOut
}

// snapshotTargets is best effort; a failed backup is logged and never
// blocks the batch.
func (ap *Applicator) snapshotTargets(ctx context.Context, proposalID string) {
	if ap.backup == nil {
		return
	}
	if _, err := ap.backup.Snapshot(ctx); err != nil {
		logging.ApplicatorWarn("Backup before %s failed: %v", proposalID, err)
	}
}

// =============================================================================
// TRANSLATION
// =============================================================================

// translate maps a payload onto its ordered forward mutations.
// Prompt refinements reduce to mode instructions.
func (ap *Applicator) translate(p *types.Proposal) ([]mutation, error) {
	if err := p.Payload.Validate(); err != nil {
		return nil, err
	}

	switch p.Payload.Kind {
	case types.CategoryRuleAdd:
		r := p.Payload.Rule
		path := ap.resolve(p.Payload.Scope, r.TargetPath)
		return []mutation{{target: path, disk: true, run: func() (types.AppliedChange, error) {
			return ap.appendRuleBlock(path, p.ID, r.RuleText)
		}}}, nil

	case types.CategoryModeInstruction:
		m := p.Payload.Mode
		return ap.modeMutations(p, m.TargetPath, m.ModeSlug, m.Instruction), nil

	case types.CategoryPromptRefinement:
		pr := p.Payload.Prompt
		return ap.modeMutations(p, pr.TargetPath, pr.ModeSlug, pr.Refinement), nil

	case types.CategorySkillCreation:
		return ap.skillMutations(p)

	case types.CategoryConfigUpdate:
		c := p.Payload.Config
		return []mutation{{target: settingsPrefix + c.Key, run: func() (types.AppliedChange, error) {
			return recordConfigUpdate(c)
		}}}, nil

	default:
		return nil, types.Errorf(types.KindInternalAssertion, "applicator.translate", "unknown category %q", p.Payload.Kind)
	}
}

func (ap *Applicator) modeMutations(p *types.Proposal, targetPath, slug, text string) []mutation {
	path := ap.resolve(p.Payload.Scope, targetPath)
	return []mutation{{target: path, disk: true, run: func() (types.AppliedChange, error) {
		return ap.upsertModeInstruction(path, slug, p.ID, text)
	}}}
}

// skillMutations validates the body first so nothing is written for a
// skill that does not interpret.
func (ap *Applicator) skillMutations(p *types.Proposal) ([]mutation, error) {
	s := p.Payload.Skill
	if err := ap.skills.Check(s.Name, s.Body); err != nil {
		return nil, err
	}
	metaPath := ap.resolve(p.Payload.Scope, types.SkillMetadataPath(s))
	bodyPath := ap.resolve(p.Payload.Scope, types.SkillBodyPath(s))
	return []mutation{
		{target: metaPath, disk: true, run: func() (types.AppliedChange, error) {
			return ap.writeSkillMetadata(metaPath, s)
		}},
		{target: bodyPath, disk: true, run: func() (types.AppliedChange, error) {
			return ap.createFile(bodyPath, s.Body)
		}},
	}, nil
}

// resolve anchors a target path at the workspace or the global
// directory depending on the proposal's scope.
func (ap *Applicator) resolve(scope types.Scope, target string) string {
	if scope == types.ScopeGlobal {
		return filepath.Join(ap.globalDir, target)
	}
	return filepath.Join(ap.workspace, target)
}

// =============================================================================
// PER-CATEGORY MUTATIONS
// =============================================================================

// demarcatedBlock wraps engine-written text so it can be recognized,
// audited, and removed later.
func demarcatedBlock(proposalID, text string) string {
	return fmt.Sprintf("\n\n<!-- evo:%s -->\n%s\n<!-- /evo:%s -->\n",
		proposalID, strings.TrimRight(text, "\n"), proposalID)
}

// appendRuleBlock appends a demarcated rule block to the rules target,
// creating the file when missing.
func (ap *Applicator) appendRuleBlock(path, proposalID, ruleText string) (types.AppliedChange, error) {
	existed := ap.fs.Exists(path)
	var prev []byte
	if existed {
		var err error
		prev, err = ap.fs.ReadFile(path)
		if err != nil {
			return types.AppliedChange{}, types.Wrap(types.KindTargetMissing, "applicator.rule-add", err)
		}
	}

	next := string(prev) + demarcatedBlock(proposalID, ruleText)
	if err := ap.fs.WriteFile(path, []byte(next)); err != nil {
		return types.AppliedChange{}, types.Wrap(types.KindTargetMissing, "applicator.rule-add", err)
	}
	return types.AppliedChange{
		TargetPath:      path,
		Existed:         existed,
		PreviousContent: string(prev),
		NewContent:      next,
	}, nil
}

// modesDocument is the structured modes target: one entry per mode
// slug, instructions accumulated as demarcated blocks.
type modesDocument struct {
	SchemaVersion int                   `json:"schemaVersion"`
	Modes         map[string]*modeEntry `json:"modes"`
}

type modeEntry struct {
	Instructions string `json:"instructions"`
}

// upsertModeInstruction appends a demarcated block to the slug's
// instructions, creating the document or the entry as needed. A target
// that exists but does not parse is corrupted, not overwritten.
func (ap *Applicator) upsertModeInstruction(path, slug, proposalID, text string) (types.AppliedChange, error) {
	doc := modesDocument{SchemaVersion: types.SchemaVersion, Modes: map[string]*modeEntry{}}
	existed := ap.fs.Exists(path)
	var prev []byte
	if existed {
		var err error
		prev, err = ap.fs.ReadFile(path)
		if err != nil {
			return types.AppliedChange{}, types.Wrap(types.KindTargetMissing, "applicator.mode-instruction", err)
		}
		if err := json.Unmarshal(prev, &doc); err != nil {
			return types.AppliedChange{}, types.Errorf(types.KindStateCorrupted, "applicator.mode-instruction",
				"modes target %s does not parse: %v", path, err)
		}
		if doc.Modes == nil {
			doc.Modes = map[string]*modeEntry{}
		}
	}

	entry := doc.Modes[slug]
	if entry == nil {
		entry = &modeEntry{}
		doc.Modes[slug] = entry
	}
	entry.Instructions += demarcatedBlock(proposalID, text)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return types.AppliedChange{}, types.Wrap(types.KindInternalAssertion, "applicator.mode-instruction", err)
	}
	if err := ap.fs.WriteFile(path, out); err != nil {
		return types.AppliedChange{}, types.Wrap(types.KindTargetMissing, "applicator.mode-instruction", err)
	}
	return types.AppliedChange{
		TargetPath:      path,
		Existed:         existed,
		PreviousContent: string(prev),
		NewContent:      string(out),
	}, nil
}

// skillDescriptor is the metadata artifact written beside a skill body.
type skillDescriptor struct {
	SchemaVersion int    `yaml:"schemaVersion"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Entry         string `yaml:"entry"`
}

func (ap *Applicator) writeSkillMetadata(path string, s *types.SkillPayload) (types.AppliedChange, error) {
	out, err := yaml.Marshal(skillDescriptor{
		SchemaVersion: types.SchemaVersion,
		Name:          s.Name,
		Description:   s.Description,
		Entry:         s.Name + ".go",
	})
	if err != nil {
		return types.AppliedChange{}, types.Wrap(types.KindInternalAssertion, "applicator.skill-creation", err)
	}
	return ap.createFile(path, string(out))
}

// createFile writes a brand-new artifact; an existing file is a
// conflict, never silently replaced.
func (ap *Applicator) createFile(path, content string) (types.AppliedChange, error) {
	if ap.fs.Exists(path) {
		return types.AppliedChange{}, types.Errorf(types.KindTargetConflict, "applicator.skill-creation",
			"%s already exists", path)
	}
	if err := ap.fs.WriteFile(path, []byte(content)); err != nil {
		return types.AppliedChange{}, types.Wrap(types.KindTargetMissing, "applicator.skill-creation", err)
	}
	return types.AppliedChange{TargetPath: path, Existed: false, NewContent: content}, nil
}

// recordConfigUpdate is record-only: the change is visible in the
// result and the application event, actual settings wiring happens in
// the collaborator that subscribes to execution-completed.
func recordConfigUpdate(c *types.ConfigPayload) (types.AppliedChange, error) {
	val, err := json.Marshal(c.Value)
	if err != nil {
		return types.AppliedChange{}, types.Errorf(types.KindConfigInvalid, "applicator.config-update",
			"value for %s does not serialize: %v", c.Key, err)
	}
	return types.AppliedChange{
		TargetPath: settingsPrefix + c.Key,
		Existed:    false,
		NewContent: string(val),
	}, nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

// buildRollbackRecord swaps each applied change's previous and new
// content into an inverse operation.
func buildRollbackRecord(applied []types.AppliedChange) *types.RollbackRecord {
	record := &types.RollbackRecord{
		SchemaVersion: types.SchemaVersion,
		ID:            uuid.NewString(),
		CreatedAt:     time.Now(),
	}
	for _, ch := range applied {
		record.Inverses = append(record.Inverses, types.InverseOperation{
			TargetPath:      ch.TargetPath,
			RestoreContent:  ch.Existed,
			PreviousContent: ch.PreviousContent,
		})
	}
	return record
}

// Rollback applies the stored inverse operations in reverse order,
// restoring the known previous contents. Any failure is fatal for the
// attempt; the caller decides whether the proposal stays applied.
func (ap *Applicator) Rollback(ctx context.Context, record *types.RollbackRecord) (int, error) {
	timer := logging.StartTimer(logging.CategoryApplicator, "rollback")
	defer timer.Stop()

	restored := 0
	for i := len(record.Inverses) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return restored, types.Wrap(types.KindTimeout, "applicator.rollback", err)
		}
		inv := record.Inverses[i]
		if err := ap.applyInverse(inv); err != nil {
			return restored, err
		}
		restored++
	}
	logging.Applicator("Rollback %s: %d targets restored", record.ID, restored)
	return restored, nil
}

func (ap *Applicator) applyInverse(inv types.InverseOperation) error {
	if strings.HasPrefix(inv.TargetPath, settingsPrefix) {
		// Record-only change; the settings collaborator reverts it off
		// the rollback-completed event.
		return nil
	}
	if inv.RestoreContent {
		if err := ap.fs.WriteFile(inv.TargetPath, []byte(inv.PreviousContent)); err != nil {
			return types.Wrap(types.KindTargetMissing, "applicator.rollback", err)
		}
		return nil
	}
	if err := ap.fs.Remove(inv.TargetPath); err != nil && ap.fs.Exists(inv.TargetPath) {
		return types.Wrap(types.KindTargetMissing, "applicator.rollback", err)
	}
	return nil
}

// unwind reverts already-applied changes after a later mutation in the
// same batch failed. Best effort: failures are logged and the sweep
// continues, the batch is failing either way.
func (ap *Applicator) unwind(applied []types.AppliedChange) {
	for i := len(applied) - 1; i >= 0; i-- {
		ch := applied[i]
		inv := types.InverseOperation{
			TargetPath:      ch.TargetPath,
			RestoreContent:  ch.Existed,
			PreviousContent: ch.PreviousContent,
		}
		if err := ap.applyInverse(inv); err != nil {
			logging.ApplicatorError("Unwind of %s failed: %v", ch.TargetPath, err)
		}
	}
}
