// Package store persists the evolution engine's state: proposals, signals,
// counters, and the append-only application and rollback logs.
// This file implements the JSON state store under <workspace>/.evolution.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"evoengine/internal/logging"
	"evoengine/internal/types"

	"github.com/google/uuid"
)

const (
	stateFileName       = "state.json"
	proposalsDirName    = "proposals"
	applicationsLogName = "applications/log.jsonl"
	rollbackLogName     = "rollback-log.jsonl"
	backupsDirName      = "backups"
	lockFileName        = ".lock"

	// Writes are debounced; the timer never exceeds this.
	defaultDebounce = 200 * time.Millisecond

	maxSignalBuffer       = 500
	maxRecentApplications = 200
)

// stateDocument is the on-disk shape of state.json.
type stateDocument struct {
	SchemaVersion int                 `json:"schemaVersion"`
	Counters      types.DailyCounters `json:"counters"`
	Signals       []types.Signal      `json:"signals"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// proposalDocument is the on-disk shape of proposals/<id>.json: the
// proposal itself plus its rollback record once one exists.
type proposalDocument struct {
	types.Proposal
	RollbackRecord *types.RollbackRecord `json:"rollbackRecord,omitempty"`
}

// StateStore is the single source of truth for engine state. It is
// serialized by a per-process mutex; a lockfile rejects concurrent
// processes. Writes are debounced but flushed synchronously before
// user-visible status transitions.
type StateStore struct {
	mu   sync.RWMutex
	fs   types.Filesystem
	root string

	proposals map[string]*proposalDocument
	pending   []string // proposal ids, insertion order
	signals   []types.Signal
	counters  types.DailyCounters

	// Replayed tail of applications/log.jsonl; last record per id wins.
	appEvents []*types.ApplicationEvent
	appIndex  map[string]*types.ApplicationEvent

	dirtyProposals map[string]bool
	stateDirty     bool
	flushTimer     *time.Timer
	debounce       time.Duration

	quarantined []string
	lockHeld    bool
	closed      bool
}

// NewStateStore opens (or initializes) the store rooted at
// <workspace>/.evolution. A second store on the same root fails with
// AlreadyLocked until the first is closed.
func NewStateStore(fs types.Filesystem, workspace string) (*StateStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStateStore")
	defer timer.Stop()

	root := filepath.Join(workspace, ".evolution")
	s := &StateStore{
		fs:             fs,
		root:           root,
		proposals:      make(map[string]*proposalDocument),
		appIndex:       make(map[string]*types.ApplicationEvent),
		dirtyProposals: make(map[string]bool),
		debounce:       defaultDebounce,
	}

	if err := fs.MkdirAll(filepath.Join(root, proposalsDirName)); err != nil {
		return nil, types.Wrap(types.KindUnavailable, "store.open", err)
	}

	if err := s.acquireLock(); err != nil {
		return nil, err
	}

	s.loadState()
	s.loadProposals()
	s.loadApplicationLog()

	logging.Store("State store opened: root=%s proposals=%d pending=%d signals=%d quarantined=%d",
		root, len(s.proposals), len(s.pending), len(s.signals), len(s.quarantined))
	return s, nil
}

// Root returns the .evolution directory the store manages.
func (s *StateStore) Root() string {
	return s.root
}

// ApplicationsLogPath returns the path of the application-event log.
func (s *StateStore) ApplicationsLogPath() string {
	return filepath.Join(s.root, applicationsLogName)
}

// RollbackLogPath returns the path of the rollback audit log.
func (s *StateStore) RollbackLogPath() string {
	return filepath.Join(s.root, rollbackLogName)
}

// BackupsDir returns the directory backups are written under.
func (s *StateStore) BackupsDir() string {
	return filepath.Join(s.root, backupsDirName)
}

// QuarantinedRecords lists the files set aside during load because they
// failed to parse. The caller decides how loudly to report them.
func (s *StateStore) QuarantinedRecords() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.quarantined))
	copy(out, s.quarantined)
	return out
}

// StatePeek is a lock-free view of a workspace's persisted state, for
// status reporting while another process holds the store.
type StatePeek struct {
	Counters  types.DailyCounters
	UpdatedAt time.Time
	LockedBy  string // pid recorded in the lockfile, empty when unlocked
}

// InspectState reads state.json and the lockfile without taking the
// lock. The view can trail the owning process by one debounce window.
func InspectState(fs types.Filesystem, workspace string) (*StatePeek, error) {
	root := filepath.Join(workspace, ".evolution")

	peek := &StatePeek{}
	if holder, err := fs.ReadFile(filepath.Join(root, lockFileName)); err == nil {
		peek.LockedBy = strings.TrimSpace(string(holder))
	}

	data, err := fs.ReadFile(filepath.Join(root, stateFileName))
	if err != nil {
		// Nothing persisted yet; the zero counters are accurate.
		return peek, nil
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.Wrap(types.KindStateCorrupted, "store.inspect", err)
	}
	peek.Counters = doc.Counters
	peek.UpdatedAt = doc.UpdatedAt
	return peek, nil
}

// =============================================================================
// LOCKFILE
// =============================================================================

func (s *StateStore) acquireLock() error {
	lockPath := filepath.Join(s.root, lockFileName)
	content := fmt.Sprintf("%d\n", os.Getpid())
	if err := s.fs.CreateExclusive(lockPath, []byte(content)); err != nil {
		holder, _ := s.fs.ReadFile(lockPath)
		return types.Errorf(types.KindAlreadyLocked, "store.lock",
			"state store at %s is locked by pid %s; remove %s if that process is gone",
			s.root, strings.TrimSpace(string(holder)), lockPath)
	}
	s.lockHeld = true
	return nil
}

func (s *StateStore) releaseLock() {
	if !s.lockHeld {
		return
	}
	if err := s.fs.Remove(filepath.Join(s.root, lockFileName)); err != nil {
		logging.StoreWarn("Failed to remove lockfile: %v", err)
	}
	s.lockHeld = false
}

// =============================================================================
// LOAD
// =============================================================================

func (s *StateStore) loadState() {
	path := filepath.Join(s.root, stateFileName)
	data, err := s.fs.ReadFile(path)
	if err != nil {
		s.counters.ResetFor(types.LocalDate(time.Now()), 0)
		return
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.quarantine(path)
		s.counters.ResetFor(types.LocalDate(time.Now()), 0)
		return
	}
	s.counters = doc.Counters
	s.signals = doc.Signals
}

func (s *StateStore) loadProposals() {
	dir := filepath.Join(s.root, proposalsDirName)
	names, err := s.fs.ReadDir(dir)
	if err != nil {
		return
	}

	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := s.fs.ReadFile(path)
		if err != nil {
			continue
		}
		var doc proposalDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			s.quarantine(path)
			continue
		}
		if err := doc.Proposal.Validate(); err != nil {
			s.quarantine(path)
			continue
		}
		s.proposals[doc.ID] = &doc
	}

	// The pending queue preserves insertion order; after a restart that
	// order is reconstructed from creation time. Proposals that were
	// approved but never reached applied are re-queued for retry.
	for id, doc := range s.proposals {
		if queuedStatus(doc.Status) {
			s.pending = append(s.pending, id)
		}
	}
	sort.SliceStable(s.pending, func(i, j int) bool {
		a, b := s.proposals[s.pending[i]], s.proposals[s.pending[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (s *StateStore) loadApplicationLog() {
	data, err := s.fs.ReadFile(s.ApplicationsLogPath())
	if err != nil {
		return
	}

	skipped := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev types.ApplicationEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.ID == "" {
			skipped++
			continue
		}
		s.rememberApplicationLocked(&ev)
	}
	if skipped > 0 {
		logging.StoreWarn("Application log: skipped %d malformed lines", skipped)
	}
}

// rememberApplicationLocked folds one log record into the in-memory
// tail. Re-records of a known id update in place (last wins on replay).
func (s *StateStore) rememberApplicationLocked(ev *types.ApplicationEvent) {
	if existing, ok := s.appIndex[ev.ID]; ok {
		*existing = *ev
		return
	}
	s.appEvents = append(s.appEvents, ev)
	s.appIndex[ev.ID] = ev
	if len(s.appEvents) > maxRecentApplications {
		drop := s.appEvents[0]
		s.appEvents = s.appEvents[1:]
		delete(s.appIndex, drop.ID)
	}
}

// quarantine sets a malformed record aside as a .corrupt sibling so the
// store can continue with the remainder. Nothing is silently dropped.
func (s *StateStore) quarantine(path string) {
	dst := path + ".corrupt"
	if err := s.fs.Rename(path, dst); err != nil {
		logging.StoreError("Failed to quarantine %s: %v", path, err)
		return
	}
	s.quarantined = append(s.quarantined, dst)
	logging.StoreError("Corrupted record quarantined: %s", dst)
}

// =============================================================================
// PROPOSALS
// =============================================================================

// PutProposal inserts or replaces a proposal. New pending proposals
// join the back of the pending queue.
func (s *StateStore) PutProposal(p *types.Proposal) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyProposal(p)
	doc, existed := s.proposals[p.ID]
	if existed {
		doc.Proposal = *cp
	} else {
		doc = &proposalDocument{Proposal: *cp}
		s.proposals[p.ID] = doc
	}
	s.syncPendingLocked(p.ID, doc.Status)

	s.dirtyProposals[p.ID] = true
	s.scheduleFlushLocked()

	logging.StoreDebug("Proposal stored: id=%s status=%s category=%s", p.ID, p.Status, p.Category)
	return nil
}

// GetProposal returns a copy of the proposal, or nil if unknown.
func (s *StateStore) GetProposal(id string) *types.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.proposals[id]
	if !ok {
		return nil
	}
	return copyProposal(&doc.Proposal)
}

// ListPending returns a snapshot of pending proposals in insertion order.
func (s *StateStore) ListPending() []*types.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Proposal, 0, len(s.pending))
	for _, id := range s.pending {
		if doc, ok := s.proposals[id]; ok && doc.Status == types.StatusPending {
			out = append(out, copyProposal(&doc.Proposal))
		}
	}
	return out
}

// ListRunnable returns the full dispatch queue in insertion order:
// pending proposals plus approved ones awaiting application (approval
// that survived a restart, or an operator decision).
func (s *StateStore) ListRunnable() []*types.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Proposal, 0, len(s.pending))
	for _, id := range s.pending {
		if doc, ok := s.proposals[id]; ok {
			out = append(out, copyProposal(&doc.Proposal))
		}
	}
	return out
}

// UpdateProposalStatus performs an atomic read-modify-write transition.
// The mutate hook, if given, runs on the proposal after the status is
// set and before persistence (for reviewer, notes, rollback reference).
// Transitions into a user-visible status (applied, failed, rejected,
// rolled-back) are flushed synchronously; a flush failure is returned
// to the caller while memory stays consistent, so a retry can re-flush.
func (s *StateStore) UpdateProposalStatus(id string, to types.Status, mutate func(*types.Proposal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.proposals[id]
	if !ok {
		return types.Errorf(types.KindTargetMissing, "store.update-status", "unknown proposal %s", id)
	}
	from := doc.Status
	if !types.CanTransition(from, to) {
		return types.Errorf(types.KindInternalAssertion, "store.update-status",
			"illegal transition %s -> %s for proposal %s", from, to, id)
	}

	doc.Status = to
	doc.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&doc.Proposal)
		doc.Status = to // the hook may not override the transition
	}
	if to == types.StatusApplied && doc.RollbackRecordID == "" {
		doc.Status = from
		return types.Errorf(types.KindInternalAssertion, "store.update-status",
			"proposal %s cannot become applied without a rollback record", id)
	}
	s.syncPendingLocked(id, to)
	s.dirtyProposals[id] = true

	logging.Store("Proposal %s: %s -> %s", id, from, to)

	if to.Terminal() || to == types.StatusApplied {
		return s.flushLocked()
	}
	s.scheduleFlushLocked()
	return nil
}

// queuedStatus reports whether a proposal in this status belongs on
// the dispatch queue. Approved stays queued until it reaches applied
// or failed, so an approval is never lost to a crash.
func queuedStatus(status types.Status) bool {
	return status == types.StatusPending || status == types.StatusApproved
}

// syncPendingLocked keeps the dispatch queue consistent with a
// proposal's status, preserving order for those already queued.
func (s *StateStore) syncPendingLocked(id string, status types.Status) {
	idx := -1
	for i, pid := range s.pending {
		if pid == id {
			idx = i
			break
		}
	}
	if queuedStatus(status) {
		if idx == -1 {
			s.pending = append(s.pending, id)
		}
		return
	}
	if idx != -1 {
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	}
}

// =============================================================================
// ROLLBACK RECORDS
// =============================================================================

// PutRollbackRecord attaches a rollback record to its proposal and
// flushes synchronously: a record that exists only in memory cannot
// satisfy a later rollback.
func (s *StateStore) PutRollbackRecord(proposalID string, record *types.RollbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.proposals[proposalID]
	if !ok {
		return types.Errorf(types.KindTargetMissing, "store.put-rollback", "unknown proposal %s", proposalID)
	}
	doc.RollbackRecord = record
	doc.RollbackRecordID = record.ID
	s.dirtyProposals[proposalID] = true
	return s.flushLocked()
}

// RollbackRecordByApplication finds the stored rollback record for an
// application id, along with the owning proposal id.
func (s *StateStore) RollbackRecordByApplication(applicationID string) (*types.RollbackRecord, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, doc := range s.proposals {
		if doc.RollbackRecord != nil && doc.RollbackRecord.ApplicationID == applicationID {
			rec := *doc.RollbackRecord
			rec.Inverses = append([]types.InverseOperation(nil), doc.RollbackRecord.Inverses...)
			return &rec, id
		}
	}
	return nil, ""
}

// =============================================================================
// SIGNALS
// =============================================================================

// AddSignal appends a signal to the ring buffer, evicting the oldest
// entries past the cap.
func (s *StateStore) AddSignal(sig types.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.SchemaVersion == 0 {
		sig.SchemaVersion = types.SchemaVersion
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	s.signals = append(s.signals, sig)
	if len(s.signals) > maxSignalBuffer {
		s.signals = s.signals[len(s.signals)-maxSignalBuffer:]
	}
	s.stateDirty = true
	s.scheduleFlushLocked()
}

// RecentSignals returns signals newer than the window, oldest first.
func (s *StateStore) RecentSignals(window time.Duration) []types.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []types.Signal
	for _, sig := range s.signals {
		if sig.Timestamp.After(cutoff) {
			out = append(out, sig)
		}
	}
	return out
}

// =============================================================================
// APPLICATION EVENTS
// =============================================================================

// RecordApplicationEvent appends one event to the application log. The
// log is append-only; updates to a known id append a superseding line.
func (s *StateStore) RecordApplicationEvent(ev *types.ApplicationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.SchemaVersion == 0 {
		ev.SchemaVersion = types.SchemaVersion
	}
	cp := *ev
	cp.AffectedTargets = append([]string(nil), ev.AffectedTargets...)
	if ev.PostMetrics != nil {
		pm := *ev.PostMetrics
		cp.PostMetrics = &pm
	}

	line, err := json.Marshal(&cp)
	if err != nil {
		return types.Wrap(types.KindInternalAssertion, "store.record-application", err)
	}
	if err := s.fs.AppendFile(s.ApplicationsLogPath(), append(line, '\n')); err != nil {
		return types.Wrap(types.KindUnavailable, "store.record-application", err)
	}

	s.rememberApplicationLocked(&cp)
	logging.StoreDebug("Application event recorded: id=%s proposal=%s status=%s", ev.ID, ev.ProposalID, ev.Status)
	return nil
}

// UpdateApplicationEvent re-records a known application with a new
// status and, optionally, post-metrics.
func (s *StateStore) UpdateApplicationEvent(id string, status types.ApplicationStatus, post *types.MetricsSnapshot) error {
	s.mu.RLock()
	existing, ok := s.appIndex[id]
	var updated types.ApplicationEvent
	if ok {
		updated = *existing
	}
	s.mu.RUnlock()

	if !ok {
		return types.Errorf(types.KindTargetMissing, "store.update-application", "unknown application %s", id)
	}

	updated.Status = status
	if post != nil {
		pm := *post
		updated.PostMetrics = &pm
	}
	return s.RecordApplicationEvent(&updated)
}

// GetApplicationEvent returns a copy of the latest record for an
// application id, or nil if unknown.
func (s *StateStore) GetApplicationEvent(id string) *types.ApplicationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.appIndex[id]
	if !ok {
		return nil
	}
	cp := *ev
	cp.AffectedTargets = append([]string(nil), ev.AffectedTargets...)
	if ev.PostMetrics != nil {
		pm := *ev.PostMetrics
		cp.PostMetrics = &pm
	}
	return &cp
}

// ListRecentApplicationEvents returns up to n application events,
// newest first.
func (s *StateStore) ListRecentApplicationEvents(n int) []types.ApplicationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.appEvents) {
		n = len(s.appEvents)
	}
	out := make([]types.ApplicationEvent, 0, n)
	for i := len(s.appEvents) - 1; i >= 0 && len(out) < n; i-- {
		ev := *s.appEvents[i]
		ev.AffectedTargets = append([]string(nil), s.appEvents[i].AffectedTargets...)
		if s.appEvents[i].PostMetrics != nil {
			pm := *s.appEvents[i].PostMetrics
			ev.PostMetrics = &pm
		}
		out = append(out, ev)
	}
	return out
}

// =============================================================================
// ROLLBACK AUDIT LOG
// =============================================================================

// AppendRollbackAudit writes one entry to the rollback audit trail.
func (s *StateStore) AppendRollbackAudit(entry types.RollbackAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = types.SchemaVersion
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	line, err := json.Marshal(&entry)
	if err != nil {
		return types.Wrap(types.KindInternalAssertion, "store.rollback-audit", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.AppendFile(s.RollbackLogPath(), append(line, '\n')); err != nil {
		return types.Wrap(types.KindUnavailable, "store.rollback-audit", err)
	}
	return nil
}

// LatestRollbackAudit returns the most recent audit entry, or nil when
// the log is empty.
func (s *StateStore) LatestRollbackAudit() *types.RollbackAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.fs.ReadFile(s.RollbackLogPath())
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var entry types.RollbackAuditEntry
		if err := json.Unmarshal([]byte(lines[i]), &entry); err == nil && entry.ID != "" {
			return &entry
		}
	}
	return nil
}

// =============================================================================
// COUNTERS
// =============================================================================

// LoadCounters returns a copy of the daily counters.
func (s *StateStore) LoadCounters() types.DailyCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

// SaveCounters replaces the daily counters. The write is debounced;
// budget-consuming paths all end in a terminal transition whose flush
// barrier persists the counters too.
func (s *StateStore) SaveCounters(c types.DailyCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.SchemaVersion == 0 {
		c.SchemaVersion = types.SchemaVersion
	}
	s.counters = c
	s.stateDirty = true
	s.scheduleFlushLocked()
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

// Snapshot is the full-store export document.
type Snapshot struct {
	SchemaVersion int                      `json:"schemaVersion"`
	TakenAt       time.Time                `json:"takenAt"`
	State         stateDocument            `json:"state"`
	Proposals     []proposalDocument       `json:"proposals"`
	Applications  []types.ApplicationEvent `json:"applications"`
}

// SnapshotAll exports the entire store as a deterministic document:
// proposals sorted by id, applications in log order. Two snapshots of
// the same state differ only in takenAt.
func (s *StateStore) SnapshotAll() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SchemaVersion: types.SchemaVersion,
		TakenAt:       time.Now(),
		State: stateDocument{
			SchemaVersion: types.SchemaVersion,
			Counters:      s.counters,
			Signals:       s.signals,
		},
	}

	ids := make([]string, 0, len(s.proposals))
	for id := range s.proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Proposals = append(snap.Proposals, *s.proposals[id])
	}
	for _, ev := range s.appEvents {
		snap.Applications = append(snap.Applications, *ev)
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return nil, types.Wrap(types.KindInternalAssertion, "store.snapshot", err)
	}
	return data, nil
}

// RestoreAll replaces the store's entire contents with a snapshot and
// rewrites the on-disk representation synchronously.
func (s *StateStore) RestoreAll(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.Wrap(types.KindStateCorrupted, "store.restore", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace in-memory state first.
	s.proposals = make(map[string]*proposalDocument, len(snap.Proposals))
	s.pending = nil
	for i := range snap.Proposals {
		doc := snap.Proposals[i]
		if err := doc.Proposal.Validate(); err != nil {
			return types.Wrap(types.KindStateCorrupted, "store.restore", err)
		}
		s.proposals[doc.ID] = &doc
		if queuedStatus(doc.Status) {
			s.pending = append(s.pending, doc.ID)
		}
	}
	sort.SliceStable(s.pending, func(i, j int) bool {
		a, b := s.proposals[s.pending[i]], s.proposals[s.pending[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	s.counters = snap.State.Counters
	s.signals = snap.State.Signals
	s.appEvents = nil
	s.appIndex = make(map[string]*types.ApplicationEvent)
	for i := range snap.Applications {
		ev := snap.Applications[i]
		s.rememberApplicationLocked(&ev)
	}

	// Rewrite disk. Stale proposal files are removed so the directory
	// matches the snapshot exactly.
	if names, err := s.fs.ReadDir(filepath.Join(s.root, proposalsDirName)); err == nil {
		for _, name := range names {
			if strings.HasSuffix(name, ".json") {
				_ = s.fs.Remove(filepath.Join(s.root, proposalsDirName, name))
			}
		}
	}
	for id := range s.proposals {
		s.dirtyProposals[id] = true
	}
	var logBuf strings.Builder
	for _, ev := range s.appEvents {
		line, err := json.Marshal(ev)
		if err != nil {
			return types.Wrap(types.KindInternalAssertion, "store.restore", err)
		}
		logBuf.Write(line)
		logBuf.WriteByte('\n')
	}
	if err := s.fs.WriteFile(s.ApplicationsLogPath(), []byte(logBuf.String())); err != nil {
		return types.Wrap(types.KindUnavailable, "store.restore", err)
	}
	// Preserve the snapshot's own timestamps so a re-snapshot matches.
	if err := s.writeStateLocked(snap.State.UpdatedAt); err != nil {
		return err
	}
	s.stateDirty = false
	return s.flushProposalsLocked()
}

// =============================================================================
// FLUSH
// =============================================================================

// scheduleFlushLocked arms the debounce timer if it is not running.
func (s *StateStore) scheduleFlushLocked() {
	if s.flushTimer != nil || s.closed {
		return
	}
	s.flushTimer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flushTimer = nil
		if err := s.flushLocked(); err != nil {
			logging.StoreError("Debounced flush failed: %v", err)
		}
	})
}

// Flush writes all dirty state synchronously.
func (s *StateStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *StateStore) flushLocked() error {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if err := s.flushProposalsLocked(); err != nil {
		return err
	}
	if s.stateDirty {
		if err := s.writeStateLocked(time.Now()); err != nil {
			return err
		}
		s.stateDirty = false
	}
	return nil
}

func (s *StateStore) flushProposalsLocked() error {
	for id := range s.dirtyProposals {
		doc, ok := s.proposals[id]
		if !ok {
			delete(s.dirtyProposals, id)
			continue
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return types.Wrap(types.KindInternalAssertion, "store.flush", err)
		}
		path := filepath.Join(s.root, proposalsDirName, id+".json")
		if err := s.fs.WriteFile(path, data); err != nil {
			return types.Wrap(types.KindUnavailable, "store.flush", err)
		}
		delete(s.dirtyProposals, id)
	}
	return nil
}

func (s *StateStore) writeStateLocked(updatedAt time.Time) error {
	doc := stateDocument{
		SchemaVersion: types.SchemaVersion,
		Counters:      s.counters,
		Signals:       s.signals,
		UpdatedAt:     updatedAt,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return types.Wrap(types.KindInternalAssertion, "store.flush", err)
	}
	if err := s.fs.WriteFile(filepath.Join(s.root, stateFileName), data); err != nil {
		return types.Wrap(types.KindUnavailable, "store.flush", err)
	}
	return nil
}

// Close flushes, stops the debounce timer, and releases the lockfile.
func (s *StateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.flushLocked()
	s.releaseLock()
	logging.Store("State store closed")
	return err
}

// copyProposal deep-copies a proposal so callers hold transient
// read-through handles, never the store's own memory.
func copyProposal(p *types.Proposal) *types.Proposal {
	cp := *p
	if p.Payload.Rule != nil {
		v := *p.Payload.Rule
		cp.Payload.Rule = &v
	}
	if p.Payload.Mode != nil {
		v := *p.Payload.Mode
		cp.Payload.Mode = &v
	}
	if p.Payload.Skill != nil {
		v := *p.Payload.Skill
		cp.Payload.Skill = &v
	}
	if p.Payload.Config != nil {
		v := *p.Payload.Config
		cp.Payload.Config = &v
	}
	if p.Payload.Prompt != nil {
		v := *p.Payload.Prompt
		cp.Payload.Prompt = &v
	}
	return &cp
}
