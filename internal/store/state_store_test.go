package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"evoengine/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestStore(t *testing.T) (*StateStore, *types.MemFilesystem) {
	t.Helper()
	fs := types.NewMemFilesystem()
	s, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fs
}

func testProposal(title string) *types.Proposal {
	return types.NewProposal(types.CategoryRuleAdd, title, "test proposal", types.Payload{
		Kind:  types.CategoryRuleAdd,
		Scope: types.ScopeProject,
		Rule:  &types.RulePayload{TargetPath: "AGENT.md", RuleText: "Always run the linter."},
	})
}

func TestPutAndGetProposal(t *testing.T) {
	s, _ := newTestStore(t)

	p := testProposal("first")
	if err := s.PutProposal(p); err != nil {
		t.Fatalf("PutProposal: %v", err)
	}

	got := s.GetProposal(p.ID)
	if got == nil {
		t.Fatal("GetProposal returned nil")
	}
	if got.Title != "first" || got.Status != types.StatusPending {
		t.Errorf("got title=%q status=%s", got.Title, got.Status)
	}

	// The handle is a copy; mutating it must not touch the store.
	got.Title = "mutated"
	got.Payload.Rule.RuleText = "mutated"
	again := s.GetProposal(p.ID)
	if again.Title != "first" || again.Payload.Rule.RuleText != "Always run the linter." {
		t.Error("store state leaked through a returned handle")
	}

	if s.GetProposal("nope") != nil {
		t.Error("unknown id should return nil")
	}
}

func TestListPendingInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)

	a, b, c := testProposal("a"), testProposal("b"), testProposal("c")
	for _, p := range []*types.Proposal{a, b, c} {
		if err := s.PutProposal(p); err != nil {
			t.Fatalf("PutProposal: %v", err)
		}
	}

	pending := s.ListPending()
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	if pending[0].ID != a.ID || pending[1].ID != b.ID || pending[2].ID != c.ID {
		t.Error("pending queue lost insertion order")
	}

	if err := s.UpdateProposalStatus(b.ID, types.StatusApproved, nil); err != nil {
		t.Fatalf("UpdateProposalStatus: %v", err)
	}
	pending = s.ListPending()
	if len(pending) != 2 || pending[0].ID != a.ID || pending[1].ID != c.ID {
		t.Errorf("pending after approval = %v", len(pending))
	}

	// Approval keeps the proposal dispatchable; it leaves the queue only
	// once it reaches applied or failed.
	runnable := s.ListRunnable()
	if len(runnable) != 3 || runnable[1].ID != b.ID || runnable[1].Status != types.StatusApproved {
		t.Errorf("runnable after approval = %d", len(runnable))
	}
	if err := s.UpdateProposalStatus(b.ID, types.StatusFailed, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if runnable = s.ListRunnable(); len(runnable) != 2 {
		t.Errorf("runnable after failure = %d", len(runnable))
	}
}

func TestApprovedProposalRequeuedOnReopen(t *testing.T) {
	fs := types.NewMemFilesystem()
	s, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	p := testProposal("interrupted")
	if err := s.PutProposal(p); err != nil {
		t.Fatalf("PutProposal: %v", err)
	}
	if err := s.UpdateProposalStatus(p.ID, types.StatusApproved, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A crash between approval and application must not strand the
	// proposal: the fresh store re-queues it for retry.
	s2, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if pending := s2.ListPending(); len(pending) != 0 {
		t.Errorf("pending after reopen = %d, want 0", len(pending))
	}
	runnable := s2.ListRunnable()
	if len(runnable) != 1 || runnable[0].ID != p.ID || runnable[0].Status != types.StatusApproved {
		t.Fatalf("runnable after reopen = %+v", runnable)
	}
}

func TestUpdateProposalStatusRejectsIllegalTransition(t *testing.T) {
	s, _ := newTestStore(t)

	p := testProposal("p")
	if err := s.PutProposal(p); err != nil {
		t.Fatalf("PutProposal: %v", err)
	}

	err := s.UpdateProposalStatus(p.ID, types.StatusRolledBack, nil)
	if err == nil {
		t.Fatal("pending -> rolled-back should be rejected")
	}
	if types.KindOf(err) != types.KindInternalAssertion {
		t.Errorf("kind = %s", types.KindOf(err))
	}

	if err := s.UpdateProposalStatus("ghost", types.StatusApproved, nil); types.KindOf(err) != types.KindTargetMissing {
		t.Errorf("unknown proposal kind = %s", types.KindOf(err))
	}
}

func TestTerminalTransitionFlushesSynchronously(t *testing.T) {
	s, fs := newTestStore(t)
	s.debounce = time.Hour // debounce must not be what persists this

	p := testProposal("p")
	if err := s.PutProposal(p); err != nil {
		t.Fatalf("PutProposal: %v", err)
	}

	if err := s.UpdateProposalStatus(p.ID, types.StatusRejected, func(pr *types.Proposal) {
		pr.Reviewer = "policy"
		pr.ReviewNotes = "category disabled"
	}); err != nil {
		t.Fatalf("UpdateProposalStatus: %v", err)
	}

	data, err := fs.ReadFile(filepath.Join("/ws/.evolution/proposals", p.ID+".json"))
	if err != nil {
		t.Fatalf("proposal file not on disk after terminal transition: %v", err)
	}
	var doc proposalDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Status != types.StatusRejected || doc.Reviewer != "policy" {
		t.Errorf("on-disk doc status=%s reviewer=%q", doc.Status, doc.Reviewer)
	}
}

func TestAppliedRequiresRollbackRecord(t *testing.T) {
	s, _ := newTestStore(t)

	p := testProposal("p")
	if err := s.PutProposal(p); err != nil {
		t.Fatalf("PutProposal: %v", err)
	}
	if err := s.UpdateProposalStatus(p.ID, types.StatusApproved, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	err := s.UpdateProposalStatus(p.ID, types.StatusApplied, nil)
	if types.KindOf(err) != types.KindInternalAssertion {
		t.Fatalf("applied without rollback record: kind = %s, want %s", types.KindOf(err), types.KindInternalAssertion)
	}
	if got := s.GetProposal(p.ID); got.Status != types.StatusApproved {
		t.Errorf("failed transition left status %s", got.Status)
	}

	record := &types.RollbackRecord{
		SchemaVersion: types.SchemaVersion,
		ID:            "rb-1",
		ApplicationID: "app-1",
		Inverses:      []types.InverseOperation{{TargetPath: "AGENT.md", RestoreContent: true}},
		CreatedAt:     time.Now(),
	}
	if err := s.PutRollbackRecord(p.ID, record); err != nil {
		t.Fatalf("PutRollbackRecord: %v", err)
	}
	if err := s.UpdateProposalStatus(p.ID, types.StatusApplied, nil); err != nil {
		t.Fatalf("applied with rollback record: %v", err)
	}

	rec, owner := s.RollbackRecordByApplication("app-1")
	if rec == nil || owner != p.ID {
		t.Fatalf("RollbackRecordByApplication = %v, %q", rec, owner)
	}
	if len(rec.Inverses) != 1 || rec.Inverses[0].TargetPath != "AGENT.md" {
		t.Errorf("inverses = %+v", rec.Inverses)
	}
}

func TestDebouncedFlush(t *testing.T) {
	s, fs := newTestStore(t)
	s.debounce = 10 * time.Millisecond

	p := testProposal("p")
	if err := s.PutProposal(p); err != nil {
		t.Fatalf("PutProposal: %v", err)
	}

	path := filepath.Join("/ws/.evolution/proposals", p.ID+".json")
	deadline := time.Now().Add(2 * time.Second)
	for !fs.Exists(path) {
		if time.Now().After(deadline) {
			t.Fatal("debounced flush never wrote the proposal file")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushWritesEverythingNow(t *testing.T) {
	s, fs := newTestStore(t)
	s.debounce = time.Hour

	if err := s.PutProposal(testProposal("p")); err != nil {
		t.Fatalf("PutProposal: %v", err)
	}
	s.SaveCounters(types.DailyCounters{SchemaVersion: types.SchemaVersion, Date: "2026-02-03", ExecutionsToday: 2})

	if fs.Exists("/ws/.evolution/state.json") {
		t.Fatal("state.json written before flush")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !fs.Exists("/ws/.evolution/state.json") {
		t.Fatal("state.json missing after flush")
	}
}

func TestSignalRingCapped(t *testing.T) {
	s, _ := newTestStore(t)
	s.debounce = time.Hour

	for i := 0; i < maxSignalBuffer+25; i++ {
		s.AddSignal(types.Signal{Type: "tool-failure", ToolName: "fmt"})
	}

	got := s.RecentSignals(24 * time.Hour)
	if len(got) != maxSignalBuffer {
		t.Errorf("ring size = %d, want %d", len(got), maxSignalBuffer)
	}
}

func TestRecentSignalsWindow(t *testing.T) {
	s, _ := newTestStore(t)
	s.debounce = time.Hour

	s.AddSignal(types.Signal{Type: "old", Timestamp: time.Now().Add(-2 * time.Hour)})
	s.AddSignal(types.Signal{Type: "new"})

	got := s.RecentSignals(time.Hour)
	if len(got) != 1 || got[0].Type != "new" {
		t.Errorf("window result = %+v", got)
	}
}

func TestApplicationLogReplayAcrossReopen(t *testing.T) {
	fs := types.NewMemFilesystem()
	s, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	pre := types.MetricsSnapshot{SuccessRate: 0.9, AverageCost: 0.02, AverageDurationMs: 1200, TaskCount: 40, Timestamp: time.Now().UTC()}
	ev := types.NewApplicationEvent("prop-1", []string{"AGENT.md"}, pre)
	if err := s.RecordApplicationEvent(ev); err != nil {
		t.Fatalf("RecordApplicationEvent: %v", err)
	}

	post := types.MetricsSnapshot{SuccessRate: 0.7, AverageCost: 0.03, AverageDurationMs: 1500, TaskCount: 20, Timestamp: time.Now().UTC()}
	if err := s.UpdateApplicationEvent(ev.ID, types.ApplicationDegraded, &post); err != nil {
		t.Fatalf("UpdateApplicationEvent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh store over the same files replays the log, last record wins.
	s2, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got := s2.GetApplicationEvent(ev.ID)
	if got == nil {
		t.Fatal("application event lost across reopen")
	}
	if got.Status != types.ApplicationDegraded {
		t.Errorf("status = %s, want degraded", got.Status)
	}
	if got.PostMetrics == nil || got.PostMetrics.SuccessRate != 0.7 {
		t.Errorf("post metrics = %+v", got.PostMetrics)
	}

	recent := s2.ListRecentApplicationEvents(10)
	if len(recent) != 1 || recent[0].ID != ev.ID {
		t.Errorf("recent = %d events", len(recent))
	}
}

func TestCorruptProposalQuarantined(t *testing.T) {
	fs := types.NewMemFilesystem()
	if err := fs.WriteFile("/ws/.evolution/proposals/bad.json", []byte("{not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	defer s.Close()

	q := s.QuarantinedRecords()
	if len(q) != 1 {
		t.Fatalf("quarantined = %v", q)
	}
	if !fs.Exists("/ws/.evolution/proposals/bad.json.corrupt") {
		t.Error("corrupt sibling missing")
	}
	if fs.Exists("/ws/.evolution/proposals/bad.json") {
		t.Error("corrupt original should have been moved aside")
	}
}

func TestLockfileRejectsSecondStore(t *testing.T) {
	fs := types.NewMemFilesystem()
	s, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	_, err = NewStateStore(fs, "/ws")
	if types.KindOf(err) != types.KindAlreadyLocked {
		t.Fatalf("second store kind = %s, want %s", types.KindOf(err), types.KindAlreadyLocked)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("store after close: %v", err)
	}
	s2.Close()
}

func TestCountersPersistAcrossReopen(t *testing.T) {
	fs := types.NewMemFilesystem()
	s, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	want := types.DailyCounters{
		SchemaVersion:   types.SchemaVersion,
		Date:            "2026-02-03",
		ExecutionsToday: 3,
		SuccessesToday:  2,
		FailuresToday:   1,
		RemainingToday:  7,
		SuccessRate:     2.0 / 3.0,
	}
	s.SaveCounters(want)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewStateStore(fs, "/ws")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if diff := cmp.Diff(want, s2.LoadCounters()); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	a, b := testProposal("a"), testProposal("b")
	for _, p := range []*types.Proposal{a, b} {
		if err := s.PutProposal(p); err != nil {
			t.Fatalf("PutProposal: %v", err)
		}
	}
	if err := s.UpdateProposalStatus(b.ID, types.StatusRejected, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}
	s.AddSignal(types.Signal{Type: "tool-failure", ToolName: "vet"})
	ev := types.NewApplicationEvent(a.ID, []string{"AGENT.md"}, types.MetricsSnapshot{SuccessRate: 1, TaskCount: 5, Timestamp: time.Now().UTC()})
	if err := s.RecordApplicationEvent(ev); err != nil {
		t.Fatalf("RecordApplicationEvent: %v", err)
	}

	first, err := s.SnapshotAll()
	if err != nil {
		t.Fatalf("SnapshotAll: %v", err)
	}

	// Restore into a completely fresh store.
	fs2 := types.NewMemFilesystem()
	s2, err := NewStateStore(fs2, "/other")
	if err != nil {
		t.Fatalf("fresh store: %v", err)
	}
	defer s2.Close()
	if err := s2.RestoreAll(first); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}

	second, err := s2.SnapshotAll()
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	var snapA, snapB Snapshot
	if err := json.Unmarshal(first, &snapA); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if err := json.Unmarshal(second, &snapB); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if diff := cmp.Diff(snapA, snapB, cmpopts.IgnoreFields(Snapshot{}, "TakenAt")); diff != "" {
		t.Errorf("snapshot round trip mismatch (-first +second):\n%s", diff)
	}

	if got := s2.GetProposal(b.ID); got == nil || got.Status != types.StatusRejected {
		t.Error("restored store lost proposal state")
	}
	if pending := s2.ListPending(); len(pending) != 1 || pending[0].ID != a.ID {
		t.Errorf("restored pending = %d", len(pending))
	}
}

func TestRollbackAuditTrail(t *testing.T) {
	s, _ := newTestStore(t)

	if s.LatestRollbackAudit() != nil {
		t.Fatal("empty log should yield nil")
	}

	entries := []types.RollbackAuditEntry{
		{ApplicationID: "app-1", ProposalID: "p-1", Mode: types.RollbackAuto, Reason: "success rate dropped", RestoredTargets: 2, Success: true},
		{ApplicationID: "app-2", ProposalID: "p-2", Mode: types.RollbackManual, Reason: "operator request", RestoredTargets: 1, Success: false, Error: "target vanished"},
	}
	for _, e := range entries {
		if err := s.AppendRollbackAudit(e); err != nil {
			t.Fatalf("AppendRollbackAudit: %v", err)
		}
	}

	latest := s.LatestRollbackAudit()
	if latest == nil {
		t.Fatal("latest audit entry missing")
	}
	if latest.ApplicationID != "app-2" || latest.Mode != types.RollbackManual || latest.Success {
		t.Errorf("latest = %+v", latest)
	}
}
