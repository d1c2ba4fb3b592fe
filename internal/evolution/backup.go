package evolution

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"evoengine/internal/logging"
	"evoengine/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BACKUP SNAPSHOTS
// =============================================================================

// wellKnownTargets are the workspace-relative files a batch may touch.
// The set is fixed and small on purpose: backups are a safety net for
// the engine's own targets, not a general backup tool.
var wellKnownTargets = []string{
	"AGENT.md",
	"modes.json",
	".evolution/config.yaml",
}

// BackupManager snapshots well-known targets into timestamped
// subdirectories before a batch mutates anything, and prunes old
// snapshots past the retention limit.
type BackupManager struct {
	fs        types.Filesystem
	workspace string
	root      string
	targets   []string
	maxKeep   int
}

func NewBackupManager(fs types.Filesystem, workspace, backupRoot string, maxKeep int) *BackupManager {
	return &BackupManager{
		fs:        fs,
		workspace: workspace,
		root:      backupRoot,
		targets:   wellKnownTargets,
		maxKeep:   maxKeep,
	}
}

// Snapshot copies every existing well-known target into a fresh
// backup-<timestamp> directory and returns its path. Copies run in
// parallel; the first error wins but the rest still finish.
func (bm *BackupManager) Snapshot(ctx context.Context) (string, error) {
	timer := logging.StartTimer(logging.CategoryApplicator, "backup")
	defer timer.Stop()

	dir := filepath.Join(bm.root, "backup-"+time.Now().UTC().Format("20060102-150405"))
	if bm.fs.Exists(dir) {
		// Same-second snapshot; disambiguate.
		dir += "-" + uuid.NewString()[:8]
	}
	if err := bm.fs.MkdirAll(dir); err != nil {
		return "", types.Wrap(types.KindUnavailable, "backup.snapshot", err)
	}

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	copied := 0
	for _, rel := range bm.targets {
		src := filepath.Join(bm.workspace, rel)
		if !bm.fs.Exists(src) {
			continue
		}
		copied++
		dst := filepath.Join(dir, flattenName(rel))
		eg.Go(func() error {
			data, err := bm.fs.ReadFile(src)
			if err != nil {
				return err
			}
			return bm.fs.WriteFile(dst, data)
		})
	}
	if err := eg.Wait(); err != nil {
		return dir, types.Wrap(types.KindUnavailable, "backup.snapshot", err)
	}

	logging.Applicator("Backup %s: %d targets", filepath.Base(dir), copied)
	bm.prune()
	return dir, nil
}

// prune removes the oldest snapshots beyond maxKeep. Directory names
// sort chronologically because the timestamp format is fixed-width.
func (bm *BackupManager) prune() {
	if bm.maxKeep <= 0 {
		return
	}
	entries, err := bm.fs.ReadDir(bm.root)
	if err != nil {
		return
	}
	var backups []string
	for _, name := range entries {
		if strings.HasPrefix(name, "backup-") {
			backups = append(backups, name)
		}
	}
	for len(backups) > bm.maxKeep {
		victim := filepath.Join(bm.root, backups[0])
		if err := bm.fs.RemoveAll(victim); err != nil {
			logging.ApplicatorWarn("Backup prune failed for %s: %v", victim, err)
			return
		}
		logging.ApplicatorDebug("Pruned backup %s", backups[0])
		backups = backups[1:]
	}
}

// flattenName makes a relative target path usable as a single file name.
func flattenName(rel string) string {
	return strings.NewReplacer("/", "__", "\\", "__").Replace(rel)
}
