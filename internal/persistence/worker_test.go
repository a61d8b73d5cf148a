package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/ledger"
	"ConfidentialFutures/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []Batch
}

func (f *fakeWriter) WriteBatch(_ context.Context, b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return &writeError{stage: "write_events", err: errors.New("connection reset")}
	}
	cp := *b
	cp.Events = append([]event.Envelope(nil), b.Events...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeWriter) snapshot() (int, []Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]Batch(nil), f.written...)
}

func output(seq int64, contractVersion int64) core.CoreOutput {
	return core.CoreOutput{
		Events: []event.Envelope{{Sequence: seq, EventType: event.EventTypeContractCreated}},
		Changes: &ledger.ChangeSet{
			Contracts: []*state.FuturesContract{{ID: 1, Version: contractVersion}},
		},
		Processed: []uint256.Int{*uint256.NewInt(uint64(seq) + 100)},
	}
}

func TestBatch_MergesEntityChanges(t *testing.T) {
	var b Batch
	b.Add(output(0, 1))
	b.Add(output(1, 2))

	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	if len(b.Events) != 2 || len(b.Processed) != 2 {
		t.Fatalf("events=%d processed=%d, want 2/2", len(b.Events), len(b.Processed))
	}
	if len(b.Changes.Contracts) != 1 {
		t.Fatalf("contracts = %d, want 1 after merge", len(b.Changes.Contracts))
	}
	if v := b.Changes.Contracts[0].Version; v != 2 {
		t.Errorf("merged contract version = %d, want 2", v)
	}
	if seq := b.LastSequence(); seq != 1 {
		t.Errorf("LastSequence = %d, want 1", seq)
	}

	b.Reset()
	if b.Len() != 0 || b.LastSequence() != -1 {
		t.Errorf("reset batch not empty: %+v", b)
	}
}

func TestPersistenceWorker_FlushesOnBatchSize(t *testing.T) {
	fw := &fakeWriter{}
	in := make(chan core.CoreOutput)
	w := newWorker(fw, in, 2, time.Hour, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	in <- output(0, 1)
	in <- output(1, 2)
	in <- output(2, 3)
	close(in)

	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	_, written := fw.snapshot()
	if len(written) != 2 {
		t.Fatalf("flushes = %d, want 2 (one full batch, one final)", len(written))
	}
	if len(written[0].Events) != 2 || len(written[1].Events) != 1 {
		t.Errorf("batch sizes = %d,%d, want 2,1", len(written[0].Events), len(written[1].Events))
	}
}

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	fw := &fakeWriter{failures: 2}
	in := make(chan core.CoreOutput)
	w := newWorker(fw, in, 1, time.Hour, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	in <- output(0, 1)
	close(in)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}
	calls, written := fw.snapshot()
	if calls != 3 {
		t.Errorf("write attempts = %d, want 3", calls)
	}
	if len(written) != 1 || written[0].LastSequence() != 0 {
		t.Errorf("written = %+v", written)
	}
}

func TestPersistenceWorker_FlushesOnTimer(t *testing.T) {
	fw := &fakeWriter{}
	in := make(chan core.CoreOutput)
	w := newWorker(fw, in, 100, 10*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	in <- output(0, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, written := fw.snapshot(); len(written) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer flush did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_gateway.up.sql", "000001_init.up.sql", "000001_init.down.sql", "README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m := NewMigrator(nil, dir, zerolog.Nop())
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "000001_init.up.sql" {
		t.Fatalf("files = %v", files)
	}
	if v := extractVersion(files[1]); v != "000002" {
		t.Errorf("extractVersion = %q, want 000002", v)
	}
}

func TestRowDecoding(t *testing.T) {
	if _, err := ciphertextFrom(make([]byte, 31)); err == nil {
		t.Error("short ciphertext accepted")
	}
	ct, err := ciphertextFrom(append(make([]byte, 31), 9))
	if err != nil || ct[31] != 9 {
		t.Errorf("ciphertextFrom = %v, %v", ct, err)
	}

	id, err := parseRequestID("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	if err != nil {
		t.Fatalf("max uint256: %v", err)
	}
	if id.Dec() != "115792089237316195423570985008687907853269984665640564039457584007913129639935" {
		t.Errorf("round trip = %s", id.Dec())
	}
	if _, err := parseRequestID("-1"); err == nil {
		t.Error("negative id accepted")
	}
}
