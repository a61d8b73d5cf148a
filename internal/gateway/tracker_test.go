package gateway

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func id(n uint64) uint256.Int {
	return *uint256.NewInt(n)
}

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if !tr.Observe(id(1), KindSettlement, 4, now) {
		t.Fatal("first observe rejected")
	}
	if tr.Observe(id(1), KindSettlement, 4, now) {
		t.Fatal("duplicate observe accepted")
	}
	tr.Observe(id(2), KindWithdrawal, 0, now.Add(time.Second))

	if n := tr.RecordAttempt(id(1), nil, now); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if n := tr.RecordAttempt(id(99), nil, now); n != 0 {
		t.Errorf("unknown id attempts = %d, want 0", n)
	}

	if !tr.MarkFailed(id(1), "oracle down", now) {
		t.Fatal("pending -> failed rejected")
	}
	if tr.MarkFailed(id(1), "again", now) {
		t.Error("failed -> failed reported a change")
	}
	// A late callback can still resolve a failed request.
	if !tr.MarkProcessed(id(1), now) {
		t.Fatal("failed -> processed rejected")
	}
	if tr.MarkFailed(id(1), "late", now) {
		t.Error("processed is terminal")
	}
	r, _ := tr.Get(id(1))
	if r.State != StateProcessed || r.LastError != "oracle down" || r.ContractID != 4 {
		t.Errorf("record = %+v", r)
	}

	counts := tr.Counts()
	if counts[StatePending] != 1 || counts[StateProcessed] != 1 || counts[StateFailed] != 0 {
		t.Errorf("counts = %v", counts)
	}
	pending := tr.InState(StatePending)
	if len(pending) != 1 || pending[0].RequestID != id(2) {
		t.Errorf("pending = %+v", pending)
	}
}

func TestTracker_SnapshotRestorePrune(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.Observe(id(3), KindSettlement, 1, base.Add(2*time.Second))
	tr.Observe(id(1), KindSettlement, 1, base)
	tr.Observe(id(2), KindWithdrawal, 0, base)
	tr.MarkProcessed(id(1), base)

	if !tr.Dirty() {
		t.Fatal("tracker not dirty after changes")
	}
	snap := tr.Snapshot()
	if tr.Dirty() {
		t.Error("snapshot did not clear dirty flag")
	}
	if len(snap) != 3 || snap[0].RequestID != id(1) || snap[1].RequestID != id(2) || snap[2].RequestID != id(3) {
		t.Fatalf("snapshot order = %v", snap)
	}

	restored := NewTracker()
	restored.Restore(snap)
	if got := restored.Counts(); got[StatePending] != 2 || got[StateProcessed] != 1 {
		t.Errorf("restored counts = %v", got)
	}

	if n := restored.Prune(base.Add(time.Minute)); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := restored.Get(id(1)); ok {
		t.Error("processed record survived prune")
	}
	if _, ok := restored.Get(id(2)); !ok {
		t.Error("pending record pruned")
	}
}

func TestRecordAge(t *testing.T) {
	now := time.Now()
	r := Record{ObservedAt: now.Add(-time.Hour)}
	if r.Age(now) != time.Hour {
		t.Errorf("age = %s", r.Age(now))
	}
}
