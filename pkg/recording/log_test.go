package recording

import (
	"path/filepath"
	"testing"
)

func TestLog_TermsMustIncrease(t *testing.T) {
	l, err := Load(NewMemoryStore())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.AppendTerm(0, 0, 0, 100); err != nil {
		t.Fatalf("append term 0: %v", err)
	}
	if err := l.AppendTerm(0, 0, 0, 200); err == nil {
		t.Fatalf("expected rejection of non-increasing term")
	}
	if err := l.AppendTerm(0, 1, 640, 200); err != nil {
		t.Fatalf("append term 1: %v", err)
	}
	if got := l.LastLeadershipTermID(); got != 1 {
		t.Fatalf("last term = %d, want 1", got)
	}
}

func TestRecoveryPlan_NoSnapshot(t *testing.T) {
	l, _ := Load(NewMemoryStore())
	if err := l.AppendTerm(7, 0, 0, 100); err != nil {
		t.Fatalf("append: %v", err)
	}
	plan := l.NewRecoveryPlan(1, false, 1024)
	if plan.LastLeadershipTermID != 0 {
		t.Fatalf("term = %d", plan.LastLeadershipTermID)
	}
	if !plan.HasReplay() {
		t.Fatalf("expected replay of tail")
	}
	if plan.AppendedLogPosition != 1024 {
		t.Fatalf("appended = %d", plan.AppendedLogPosition)
	}
}

func TestRecoveryPlan_SnapshotGroupRequiresAllServices(t *testing.T) {
	l, _ := Load(NewMemoryStore())
	if err := l.AppendTerm(7, 0, 0, 100); err != nil {
		t.Fatalf("append term: %v", err)
	}
	// snapshot for service 0 only: incomplete without the module's own entry
	if err := l.AppendSnapshot(8, 0, 0, 640, 150, 0); err != nil {
		t.Fatalf("append snapshot: %v", err)
	}
	plan := l.NewRecoveryPlan(1, false, 640)
	if len(plan.Snapshots) != 0 {
		t.Fatalf("incomplete group must not be used")
	}

	if err := l.AppendSnapshot(9, 0, 0, 640, 150, -1); err != nil {
		t.Fatalf("append module snapshot: %v", err)
	}
	plan = l.NewRecoveryPlan(1, false, 640)
	if len(plan.Snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(plan.Snapshots))
	}
	if plan.HasReplay() {
		t.Fatalf("no tail beyond snapshot expected")
	}
	if _, ok := plan.ModuleSnapshot(); !ok {
		t.Fatalf("module snapshot missing from plan")
	}
}

func TestRecoveryPlan_IgnoreSnapshots(t *testing.T) {
	l, _ := Load(NewMemoryStore())
	_ = l.AppendTerm(7, 0, 0, 100)
	_ = l.AppendSnapshot(8, 0, 0, 640, 150, 0)
	_ = l.AppendSnapshot(9, 0, 0, 640, 150, -1)
	plan := l.NewRecoveryPlan(1, true, 1024)
	if len(plan.Snapshots) != 0 {
		t.Fatalf("snapshots must be ignored")
	}
	if !plan.HasReplay() {
		t.Fatalf("full log replay expected")
	}
}

func TestBoltStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.log")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l, err := Load(s)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.AppendTerm(3, 0, 0, 100); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.AppendSnapshot(4, 0, 0, 320, 120, -1); err != nil {
		t.Fatalf("append snapshot: %v", err)
	}
	if err := l.CommitTermLogPosition(0, 960); err != nil {
		t.Fatalf("commit term: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	l2, err := Load(s2)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries := l2.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Type != EntryTerm || entries[0].LogPosition != 960 {
		t.Fatalf("term entry not persisted: %+v", entries[0])
	}
	if entries[1].Type != EntrySnapshot || entries[1].ServiceID != -1 {
		t.Fatalf("snapshot entry not persisted: %+v", entries[1])
	}
}
