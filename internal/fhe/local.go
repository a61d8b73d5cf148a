// internal/fhe/local.go
package fhe

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var handleDomain = []byte("confidential-futures:ciphertext")

// LocalEngine is an in-process stand-in for a real FHE co-processor. Values
// are held in memory keyed by handle. Handles are keccak digests of a
// monotonically increasing counter, so they reveal nothing about the value.
//
// Every handle created is journaled. The owner drains the journal with
// TakeWritten, persists it, and feeds it back through Restore after a
// restart so restored handles stay usable.
type LocalEngine struct {
	mu      sync.RWMutex
	values  map[Ciphertext]uint64
	counter uint64
	written []Entry
}

func NewLocalEngine() *LocalEngine {
	return &LocalEngine{values: make(map[Ciphertext]uint64)}
}

func (e *LocalEngine) store(v uint64) Ciphertext {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], e.counter)
	h := crypto.Keccak256Hash(handleDomain, ctr[:])

	var ct Ciphertext
	copy(ct[:], h[:])
	e.values[ct] = v
	e.written = append(e.written, Entry{Handle: ct, Seq: e.counter, Value: v})
	return ct
}

// TakeWritten returns the handles created since the last call.
func (e *LocalEngine) TakeWritten() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.written
	e.written = nil
	return out
}

// Restore reloads persisted handles and moves the counter past the highest
// restored Seq so new handles never collide with old ones.
func (e *LocalEngine) Restore(entries []Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, en := range entries {
		e.values[en.Handle] = en.Value
		e.counter = max(e.counter, en.Seq)
	}
}

func (e *LocalEngine) load(ct Ciphertext) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[ct]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCiphertext, ct.Hex())
	}
	return v, nil
}

func (e *LocalEngine) load2(a, b Ciphertext) (uint64, uint64, error) {
	x, err := e.load(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := e.load(b)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (e *LocalEngine) Encrypt(v uint64) (Ciphertext, error) {
	return e.store(v), nil
}

func (e *LocalEngine) Add(a, b Ciphertext) (Ciphertext, error) {
	x, y, err := e.load2(a, b)
	if err != nil {
		return Ciphertext{}, err
	}
	return e.store(x + y), nil
}

func (e *LocalEngine) Sub(a, b Ciphertext) (Ciphertext, error) {
	x, y, err := e.load2(a, b)
	if err != nil {
		return Ciphertext{}, err
	}
	return e.store(x - y), nil
}

func (e *LocalEngine) Mul(a, b Ciphertext) (Ciphertext, error) {
	x, y, err := e.load2(a, b)
	if err != nil {
		return Ciphertext{}, err
	}
	return e.store(x * y), nil
}

func (e *LocalEngine) MulScalar(a Ciphertext, s uint64) (Ciphertext, error) {
	x, err := e.load(a)
	if err != nil {
		return Ciphertext{}, err
	}
	return e.store(x * s), nil
}

func (e *LocalEngine) DivScalar(a Ciphertext, s uint64) (Ciphertext, error) {
	if s == 0 {
		return Ciphertext{}, fmt.Errorf("fhe: division by zero scalar")
	}
	x, err := e.load(a)
	if err != nil {
		return Ciphertext{}, err
	}
	return e.store(x / s), nil
}

func (e *LocalEngine) Ge(a, b Ciphertext) (Ciphertext, error) {
	x, y, err := e.load2(a, b)
	if err != nil {
		return Ciphertext{}, err
	}
	if x >= y {
		return e.store(1), nil
	}
	return e.store(0), nil
}

func (e *LocalEngine) Min(a, b Ciphertext) (Ciphertext, error) {
	x, y, err := e.load2(a, b)
	if err != nil {
		return Ciphertext{}, err
	}
	return e.store(min(x, y)), nil
}

func (e *LocalEngine) Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error) {
	c, err := e.load(cond)
	if err != nil {
		return Ciphertext{}, err
	}
	if c != 0 {
		v, err := e.load(ifTrue)
		if err != nil {
			return Ciphertext{}, err
		}
		return e.store(v), nil
	}
	v, err := e.load(ifFalse)
	if err != nil {
		return Ciphertext{}, err
	}
	return e.store(v), nil
}

// Reveal returns the plaintext behind a handle. Only the oracle side and
// tests may call it.
func (e *LocalEngine) Reveal(ct Ciphertext) (uint64, bool) {
	v, err := e.load(ct)
	return v, err == nil
}

// LocalResolver queues decryption requests against a LocalEngine and serves
// them back through Decrypt. It implements both sides of the oracle
// boundary for development deployments.
type LocalResolver struct {
	engine *LocalEngine

	mu       sync.Mutex
	nextID   uint256.Int
	requests map[uint256.Int][]Ciphertext
}

func NewLocalResolver(engine *LocalEngine) *LocalResolver {
	return &LocalResolver{
		engine:   engine,
		requests: make(map[uint256.Int][]Ciphertext),
	}
}

// Resume re-registers requests that were open before a restart. New
// request ids continue above lastID.
func (r *LocalResolver) Resume(lastID uint256.Int, open map[uint256.Int][]Ciphertext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextID.Lt(&lastID) {
		r.nextID = lastID
	}
	for id, cts := range open {
		r.requests[id] = append([]Ciphertext(nil), cts...)
	}
}

func (r *LocalResolver) RequestDecryption(_ context.Context, cts []Ciphertext) (uint256.Int, error) {
	if len(cts) == 0 {
		return uint256.Int{}, fmt.Errorf("fhe: no ciphertexts to decrypt")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID.AddUint64(&r.nextID, 1)
	id := r.nextID
	r.requests[id] = append([]Ciphertext(nil), cts...)
	return id, nil
}

func (r *LocalResolver) Decrypt(ctx context.Context, requestID uint256.Int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	cts, ok := r.requests[requestID]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID.Dec())
	}
	v, err := r.engine.load(cts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return v, nil
}
