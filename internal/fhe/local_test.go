package fhe

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func reveal(t *testing.T, e *LocalEngine, ct Ciphertext) uint64 {
	t.Helper()
	v, ok := e.Reveal(ct)
	if !ok {
		t.Fatalf("handle %s not known to engine", ct)
	}
	return v
}

func TestLocalEngine_Arithmetic(t *testing.T) {
	e := NewLocalEngine()
	a, _ := e.Encrypt(40)
	b, _ := e.Encrypt(2)

	tests := []struct {
		name string
		op   func() (Ciphertext, error)
		want uint64
	}{
		{"add", func() (Ciphertext, error) { return e.Add(a, b) }, 42},
		{"sub", func() (Ciphertext, error) { return e.Sub(a, b) }, 38},
		{"sub wraps", func() (Ciphertext, error) { return e.Sub(b, a) }, ^uint64(0) - 37},
		{"mul", func() (Ciphertext, error) { return e.Mul(a, b) }, 80},
		{"mul scalar", func() (Ciphertext, error) { return e.MulScalar(a, 3) }, 120},
		{"div scalar", func() (Ciphertext, error) { return e.DivScalar(a, 3) }, 13},
		{"ge true", func() (Ciphertext, error) { return e.Ge(a, b) }, 1},
		{"ge false", func() (Ciphertext, error) { return e.Ge(b, a) }, 0},
		{"min", func() (Ciphertext, error) { return e.Min(a, b) }, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ct, err := tc.op()
			if err != nil {
				t.Fatalf("op: %v", err)
			}
			if got := reveal(t, e, ct); got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestLocalEngine_Select(t *testing.T) {
	e := NewLocalEngine()
	yes, _ := e.Encrypt(1)
	no, _ := e.Encrypt(0)
	x, _ := e.Encrypt(7)
	y, _ := e.Encrypt(9)

	got, _ := e.Select(yes, x, y)
	if v := reveal(t, e, got); v != 7 {
		t.Errorf("select(true) = %d, want 7", v)
	}
	got, _ = e.Select(no, x, y)
	if v := reveal(t, e, got); v != 9 {
		t.Errorf("select(false) = %d, want 9", v)
	}
	if got == y {
		t.Error("select must produce a fresh handle")
	}
}

func TestLocalEngine_HandlesAreUnique(t *testing.T) {
	e := NewLocalEngine()
	a, _ := e.Encrypt(5)
	b, _ := e.Encrypt(5)
	if a == b {
		t.Fatal("equal plaintexts must not share a handle")
	}
	if a.IsZero() {
		t.Fatal("handle must not be zero")
	}
}

func TestLocalEngine_UnknownHandle(t *testing.T) {
	e := NewLocalEngine()
	var bogus Ciphertext
	bogus[0] = 1
	if _, err := e.Add(bogus, bogus); !errors.Is(err, ErrUnknownCiphertext) {
		t.Fatalf("expected ErrUnknownCiphertext, got %v", err)
	}
}

func TestLocalResolver_RoundTrip(t *testing.T) {
	e := NewLocalEngine()
	r := NewLocalResolver(e)
	ct, _ := e.Encrypt(123456)

	id, err := r.RequestDecryption(context.Background(), []Ciphertext{ct})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if id.IsZero() {
		t.Fatal("request id must never be zero")
	}
	v, err := r.Decrypt(context.Background(), id)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if v != 123456 {
		t.Errorf("got %d, want 123456", v)
	}

	if _, err := r.Decrypt(context.Background(), *uint256.NewInt(999)); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestLocalEngine_JournalRestore(t *testing.T) {
	e := NewLocalEngine()
	a, _ := e.Encrypt(7)
	sum, _ := e.Add(a, a)
	written := e.TakeWritten()
	if len(written) != 2 {
		t.Fatalf("journal has %d entries, want 2", len(written))
	}
	if len(e.TakeWritten()) != 0 {
		t.Fatal("journal not drained")
	}

	restored := NewLocalEngine()
	restored.Restore(written)
	if got := reveal(t, restored, sum); got != 14 {
		t.Errorf("restored sum = %d, want 14", got)
	}
	fresh, _ := restored.Encrypt(99)
	if fresh == a || fresh == sum {
		t.Fatal("handle issued after restore collides with a restored handle")
	}
	if got := reveal(t, restored, a); got != 7 {
		t.Errorf("restored value overwritten: %d", got)
	}
}

func TestLocalResolver_Resume(t *testing.T) {
	e := NewLocalEngine()
	ct, _ := e.Encrypt(51000)
	r := NewLocalResolver(e)
	r.Resume(*uint256.NewInt(9), map[uint256.Int][]Ciphertext{*uint256.NewInt(4): {ct}})

	v, err := r.Decrypt(context.Background(), *uint256.NewInt(4))
	if err != nil || v != 51000 {
		t.Fatalf("resumed request: %d %v", v, err)
	}
	id, err := r.RequestDecryption(context.Background(), []Ciphertext{ct})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if id.Uint64() != 10 {
		t.Errorf("next id = %s, want 10", id.Dec())
	}
}

func TestMockResolver_Scripting(t *testing.T) {
	e := NewLocalEngine()
	m := NewMockResolver(e)
	ct, _ := e.Encrypt(500)
	ctx := context.Background()

	m.RefuseRequests(true)
	if _, err := m.RequestDecryption(ctx, []Ciphertext{ct}); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected refusal, got %v", err)
	}
	m.RefuseRequests(false)

	id, err := m.RequestDecryption(ctx, []Ciphertext{ct})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	m.FailDecrypt(id, 2)
	for i := 0; i < 2; i++ {
		if _, err := m.Decrypt(ctx, id); err == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
	}
	if v, err := m.Decrypt(ctx, id); err != nil || v != 500 {
		t.Fatalf("third attempt: v=%d err=%v", v, err)
	}

	m.ForcePlaintext(id, 0)
	if v, _ := m.Decrypt(ctx, id); v != 0 {
		t.Errorf("forced plaintext not applied: %d", v)
	}
	if got := m.DecryptCalls(id); got != 4 {
		t.Errorf("DecryptCalls = %d, want 4", got)
	}
}

func TestParseCiphertext(t *testing.T) {
	e := NewLocalEngine()
	ct, _ := e.Encrypt(1)
	parsed, err := ParseCiphertext(ct.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != ct {
		t.Errorf("parsed %s, want %s", parsed, ct)
	}
	if _, err := ParseCiphertext("0x1234"); err == nil {
		t.Error("short handle should fail")
	}
}
