// internal/fhe/mock.go
package fhe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// ErrOracleUnavailable is returned by MockResolver when it is told to refuse
// a request.
var ErrOracleUnavailable = errors.New("fhe: oracle unavailable")

// MockResolver is a scripted oracle for tests. It delegates to a
// LocalResolver and layers deterministic failures, forced plaintexts and
// delays on top.
type MockResolver struct {
	inner *LocalResolver

	mu             sync.Mutex
	refuseRequests bool
	forced         map[uint256.Int]uint64
	failures       map[uint256.Int]int
	delay          time.Duration
	decryptCalls   map[uint256.Int]int
}

func NewMockResolver(engine *LocalEngine) *MockResolver {
	return &MockResolver{
		inner:        NewLocalResolver(engine),
		forced:       make(map[uint256.Int]uint64),
		failures:     make(map[uint256.Int]int),
		decryptCalls: make(map[uint256.Int]int),
	}
}

// Resume re-registers open requests after a restart.
func (m *MockResolver) Resume(lastID uint256.Int, open map[uint256.Int][]Ciphertext) {
	m.inner.Resume(lastID, open)
}

// RefuseRequests makes RequestDecryption fail until reset.
func (m *MockResolver) RefuseRequests(refuse bool) {
	m.mu.Lock()
	m.refuseRequests = refuse
	m.mu.Unlock()
}

// ForcePlaintext makes Decrypt return v for the given request regardless of
// the underlying ciphertext. Forcing zero simulates a failed decryption.
func (m *MockResolver) ForcePlaintext(id uint256.Int, v uint64) {
	m.mu.Lock()
	m.forced[id] = v
	m.mu.Unlock()
}

// FailDecrypt makes the next n Decrypt calls for id return an error.
func (m *MockResolver) FailDecrypt(id uint256.Int, n int) {
	m.mu.Lock()
	m.failures[id] = n
	m.mu.Unlock()
}

// SetDelay delays every Decrypt call by d, honouring context cancellation.
func (m *MockResolver) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// DecryptCalls reports how many times Decrypt ran for id.
func (m *MockResolver) DecryptCalls(id uint256.Int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decryptCalls[id]
}

func (m *MockResolver) RequestDecryption(ctx context.Context, cts []Ciphertext) (uint256.Int, error) {
	m.mu.Lock()
	refuse := m.refuseRequests
	m.mu.Unlock()
	if refuse {
		return uint256.Int{}, ErrOracleUnavailable
	}
	return m.inner.RequestDecryption(ctx, cts)
}

func (m *MockResolver) Decrypt(ctx context.Context, id uint256.Int) (uint64, error) {
	m.mu.Lock()
	m.decryptCalls[id]++
	delay := m.delay
	fail := m.failures[id]
	if fail > 0 {
		m.failures[id] = fail - 1
	}
	forced, isForced := m.forced[id]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if fail > 0 {
		return 0, ErrDecryptionFailed
	}
	if isForced {
		return forced, nil
	}
	return m.inner.Decrypt(ctx, id)
}
