package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// Kind distinguishes settlement price decryptions from balance
// decryptions.
type Kind string

const (
	KindSettlement Kind = "settlement"
	KindWithdrawal Kind = "withdrawal"
)

// State is the worker's local view of a request. It is advisory: the
// coordinator's request status is authoritative.
type State string

const (
	StatePending   State = "pending"
	StateProcessed State = "processed"
	StateFailed    State = "failed"
)

// Record is one tracked decryption request.
type Record struct {
	RequestID  uint256.Int
	Kind       Kind
	ContractID uint64
	State      State
	Attempts   int
	LastError  string
	ObservedAt time.Time
	UpdatedAt  time.Time
}

// Age is the time since the request was first observed.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.ObservedAt)
}

// Tracker holds the pending, processed and failed sets. It is shared by the
// event listener, the request goroutines and the sweep, so every method
// locks.
type Tracker struct {
	mu      sync.Mutex
	records map[uint256.Int]*Record
	dirty   bool
}

func NewTracker() *Tracker {
	return &Tracker{records: make(map[uint256.Int]*Record)}
}

// Observe starts tracking a request. It returns false if the request is
// already known in any state.
func (t *Tracker) Observe(id uint256.Int, kind Kind, contractID uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; ok {
		return false
	}
	t.records[id] = &Record{
		RequestID:  id,
		Kind:       kind,
		ContractID: contractID,
		State:      StatePending,
		ObservedAt: now,
		UpdatedAt:  now,
	}
	t.dirty = true
	return true
}

// RecordAttempt counts one decrypt/callback attempt and its error, if any.
func (t *Tracker) RecordAttempt(id uint256.Int, err error, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return 0
	}
	r.Attempts++
	if err != nil {
		r.LastError = err.Error()
	}
	r.UpdatedAt = now
	t.dirty = true
	return r.Attempts
}

// MarkProcessed moves a request to the processed set. Processed is
// terminal; it returns false if the request was unknown or already
// processed.
func (t *Tracker) MarkProcessed(id uint256.Int, now time.Time) bool {
	return t.transition(id, StateProcessed, "", now)
}

// MarkFailed records that the worker gave up on a pending request.
func (t *Tracker) MarkFailed(id uint256.Int, reason string, now time.Time) bool {
	return t.transition(id, StateFailed, reason, now)
}

func (t *Tracker) transition(id uint256.Int, next State, reason string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok || r.State == StateProcessed || r.State == next {
		return false
	}
	r.State = next
	if reason != "" {
		r.LastError = reason
	}
	r.UpdatedAt = now
	t.dirty = true
	return true
}

func (t *Tracker) Get(id uint256.Int) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// InState returns copies of every record in the given state, oldest first.
func (t *Tracker) InState(s State) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, r := range t.records {
		if r.State == s {
			out = append(out, *r)
		}
	}
	sortRecords(out)
	return out
}

// Counts returns the size of each set.
func (t *Tracker) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[State]int{StatePending: 0, StateProcessed: 0, StateFailed: 0}
	for _, r := range t.records {
		out[r.State]++
	}
	return out
}

// Snapshot returns every record and clears the dirty flag.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.dirty = false
	sortRecords(out)
	return out
}

// Dirty reports whether anything changed since the last Snapshot.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// MarkDirty forces the next save, used after a failed write.
func (t *Tracker) MarkDirty() {
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()
}

// Restore loads persisted records, replacing anything with the same id.
func (t *Tracker) Restore(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range records {
		r := records[i]
		t.records[r.RequestID] = &r
	}
}

// Prune drops processed records last updated before cutoff.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, r := range t.records {
		if r.State == StateProcessed && r.UpdatedAt.Before(cutoff) {
			delete(t.records, id)
			n++
		}
	}
	return n
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ObservedAt.Equal(rs[j].ObservedAt) {
			return rs[i].ObservedAt.Before(rs[j].ObservedAt)
		}
		return rs[i].RequestID.Lt(&rs[j].RequestID)
	})
}
