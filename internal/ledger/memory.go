// internal/ledger/memory.go
package ledger

import (
	"bytes"
	"sort"
	"time"

	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryStore is the in-memory Store. Dirty keys are tracked per record
// kind so TakeChanges can emit exactly what an operation touched.
type MemoryStore struct {
	contracts   map[uint64]*state.FuturesContract
	positions   map[state.PositionKey]*state.TraderPosition
	decryptions map[uint256.Int]*state.DecryptionRequest
	withdrawals map[uint256.Int]*state.WithdrawalRequest
	balances    map[common.Address]fhe.Ciphertext
	counters    map[common.Address]state.AuditCounter
	operators   map[common.Address]bool
	gateway     common.Address
	lastSettle  time.Time
	maxID       uint64

	dirtyContracts   map[uint64]struct{}
	dirtyPositions   map[state.PositionKey]struct{}
	dirtyDecryptions map[uint256.Int]struct{}
	dirtyWithdrawals map[uint256.Int]struct{}
	dirtyBalances    map[common.Address]struct{}
	dirtyCounters    map[common.Address]struct{}
	dirtyOperators   map[common.Address]struct{}
	dirtyGateway     bool
	dirtySettle      bool
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		contracts:   make(map[uint64]*state.FuturesContract),
		positions:   make(map[state.PositionKey]*state.TraderPosition),
		decryptions: make(map[uint256.Int]*state.DecryptionRequest),
		withdrawals: make(map[uint256.Int]*state.WithdrawalRequest),
		balances:    make(map[common.Address]fhe.Ciphertext),
		counters:    make(map[common.Address]state.AuditCounter),
		operators:   make(map[common.Address]bool),
	}
	s.resetDirty()
	return s
}

func (s *MemoryStore) resetDirty() {
	s.dirtyContracts = make(map[uint64]struct{})
	s.dirtyPositions = make(map[state.PositionKey]struct{})
	s.dirtyDecryptions = make(map[uint256.Int]struct{})
	s.dirtyWithdrawals = make(map[uint256.Int]struct{})
	s.dirtyBalances = make(map[common.Address]struct{})
	s.dirtyCounters = make(map[common.Address]struct{})
	s.dirtyOperators = make(map[common.Address]struct{})
	s.dirtyGateway = false
	s.dirtySettle = false
}

// Restore loads a full snapshot. Restored records are not reported as
// changes.
func (s *MemoryStore) Restore(snap *ChangeSet) {
	for _, c := range snap.Contracts {
		s.contracts[c.ID] = c.Clone()
		s.maxID = max(s.maxID, c.ID)
	}
	for _, p := range snap.Positions {
		cp := *p
		s.positions[p.Key()] = &cp
	}
	for _, r := range snap.DecryptionRequests {
		cp := *r
		s.decryptions[r.RequestID] = &cp
	}
	for _, r := range snap.WithdrawalRequests {
		cp := *r
		s.withdrawals[r.RequestID] = &cp
	}
	for k, v := range snap.Balances {
		s.balances[k] = v
	}
	for k, v := range snap.AuditCounters {
		s.counters[k] = v
	}
	for k, v := range snap.Operators {
		if v {
			s.operators[k] = true
		}
	}
	if snap.Gateway != nil {
		s.gateway = *snap.Gateway
	}
	if snap.LastSettlementAt != nil {
		s.lastSettle = *snap.LastSettlementAt
	}
	s.resetDirty()
}

func (s *MemoryStore) Contract(id uint64) (*state.FuturesContract, bool) {
	c, ok := s.contracts[id]
	return c, ok
}

func (s *MemoryStore) PutContract(c *state.FuturesContract) {
	c.Version++
	s.contracts[c.ID] = c
	s.maxID = max(s.maxID, c.ID)
	s.dirtyContracts[c.ID] = struct{}{}
}

// NextContractID returns the id the next created contract should use.
// Ids start at 1.
func (s *MemoryStore) NextContractID() uint64 {
	return s.maxID + 1
}

func (s *MemoryStore) Contracts() []*state.FuturesContract {
	out := make([]*state.FuturesContract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Position(key state.PositionKey) (*state.TraderPosition, bool) {
	p, ok := s.positions[key]
	return p, ok
}

func (s *MemoryStore) PutPosition(p *state.TraderPosition) {
	s.positions[p.Key()] = p
	s.dirtyPositions[p.Key()] = struct{}{}
}

func (s *MemoryStore) DecryptionRequest(id uint256.Int) (*state.DecryptionRequest, bool) {
	r, ok := s.decryptions[id]
	return r, ok
}

func (s *MemoryStore) PutDecryptionRequest(r *state.DecryptionRequest) {
	s.decryptions[r.RequestID] = r
	s.dirtyDecryptions[r.RequestID] = struct{}{}
}

// DecryptionRequests returns every decryption request ordered by id.
func (s *MemoryStore) DecryptionRequests() []*state.DecryptionRequest {
	out := make([]*state.DecryptionRequest, 0, len(s.decryptions))
	for _, r := range s.decryptions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID.Lt(&out[j].RequestID) })
	return out
}

func (s *MemoryStore) WithdrawalRequest(id uint256.Int) (*state.WithdrawalRequest, bool) {
	r, ok := s.withdrawals[id]
	return r, ok
}

func (s *MemoryStore) PutWithdrawalRequest(r *state.WithdrawalRequest) {
	s.withdrawals[r.RequestID] = r
	s.dirtyWithdrawals[r.RequestID] = struct{}{}
}

func (s *MemoryStore) Balance(trader common.Address) (fhe.Ciphertext, bool) {
	ct, ok := s.balances[trader]
	return ct, ok
}

func (s *MemoryStore) PutBalance(trader common.Address, ct fhe.Ciphertext) {
	s.balances[trader] = ct
	s.dirtyBalances[trader] = struct{}{}
}

func (s *MemoryStore) AuditCounter(actor common.Address) (state.AuditCounter, bool) {
	c, ok := s.counters[actor]
	return c, ok
}

func (s *MemoryStore) PutAuditCounter(actor common.Address, c state.AuditCounter) {
	s.counters[actor] = c
	s.dirtyCounters[actor] = struct{}{}
}

func (s *MemoryStore) IsOperator(addr common.Address) bool {
	return s.operators[addr]
}

func (s *MemoryStore) SetOperator(addr common.Address, enabled bool) {
	if enabled {
		s.operators[addr] = true
	} else {
		delete(s.operators, addr)
	}
	s.dirtyOperators[addr] = struct{}{}
}

// Operators returns the enabled operators in byte order.
func (s *MemoryStore) Operators() []common.Address {
	out := make([]common.Address, 0, len(s.operators))
	for addr := range s.operators {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (s *MemoryStore) Gateway() common.Address {
	return s.gateway
}

func (s *MemoryStore) SetGateway(addr common.Address) {
	s.gateway = addr
	s.dirtyGateway = true
}

func (s *MemoryStore) LastSettlementAt() time.Time {
	return s.lastSettle
}

func (s *MemoryStore) SetLastSettlementAt(t time.Time) {
	s.lastSettle = t
	s.dirtySettle = true
}

func (s *MemoryStore) TakeChanges() *ChangeSet {
	cs := &ChangeSet{}

	for id := range s.dirtyContracts {
		cs.Contracts = append(cs.Contracts, s.contracts[id].Clone())
	}
	sort.Slice(cs.Contracts, func(i, j int) bool { return cs.Contracts[i].ID < cs.Contracts[j].ID })

	for key := range s.dirtyPositions {
		cp := *s.positions[key]
		cs.Positions = append(cs.Positions, &cp)
	}
	sort.Slice(cs.Positions, func(i, j int) bool {
		return bytes.Compare(cs.Positions[i].Key().CanonicalBytes(), cs.Positions[j].Key().CanonicalBytes()) < 0
	})

	for id := range s.dirtyDecryptions {
		cp := *s.decryptions[id]
		cs.DecryptionRequests = append(cs.DecryptionRequests, &cp)
	}
	sort.Slice(cs.DecryptionRequests, func(i, j int) bool {
		return cs.DecryptionRequests[i].RequestID.Lt(&cs.DecryptionRequests[j].RequestID)
	})

	for id := range s.dirtyWithdrawals {
		cp := *s.withdrawals[id]
		cs.WithdrawalRequests = append(cs.WithdrawalRequests, &cp)
	}
	sort.Slice(cs.WithdrawalRequests, func(i, j int) bool {
		return cs.WithdrawalRequests[i].RequestID.Lt(&cs.WithdrawalRequests[j].RequestID)
	})

	if len(s.dirtyBalances) > 0 {
		cs.Balances = make(map[common.Address]fhe.Ciphertext, len(s.dirtyBalances))
		for addr := range s.dirtyBalances {
			cs.Balances[addr] = s.balances[addr]
		}
	}
	if len(s.dirtyCounters) > 0 {
		cs.AuditCounters = make(map[common.Address]state.AuditCounter, len(s.dirtyCounters))
		for addr := range s.dirtyCounters {
			cs.AuditCounters[addr] = s.counters[addr]
		}
	}
	if len(s.dirtyOperators) > 0 {
		cs.Operators = make(map[common.Address]bool, len(s.dirtyOperators))
		for addr := range s.dirtyOperators {
			cs.Operators[addr] = s.operators[addr]
		}
	}
	if s.dirtyGateway {
		gw := s.gateway
		cs.Gateway = &gw
	}
	if s.dirtySettle {
		ts := s.lastSettle
		cs.LastSettlementAt = &ts
	}

	s.resetDirty()
	return cs
}

// Snapshot returns a full copy of the store in ChangeSet form.
func (s *MemoryStore) Snapshot() *ChangeSet {
	cs := &ChangeSet{
		Balances:      make(map[common.Address]fhe.Ciphertext, len(s.balances)),
		AuditCounters: make(map[common.Address]state.AuditCounter, len(s.counters)),
		Operators:     make(map[common.Address]bool, len(s.operators)),
	}
	for _, c := range s.Contracts() {
		cs.Contracts = append(cs.Contracts, c.Clone())
	}
	for _, p := range s.positions {
		cp := *p
		cs.Positions = append(cs.Positions, &cp)
	}
	for _, r := range s.DecryptionRequests() {
		cp := *r
		cs.DecryptionRequests = append(cs.DecryptionRequests, &cp)
	}
	for _, r := range s.withdrawals {
		cp := *r
		cs.WithdrawalRequests = append(cs.WithdrawalRequests, &cp)
	}
	for k, v := range s.balances {
		cs.Balances[k] = v
	}
	for k, v := range s.counters {
		cs.AuditCounters[k] = v
	}
	for k, v := range s.operators {
		cs.Operators[k] = v
	}
	gw := s.gateway
	cs.Gateway = &gw
	ts := s.lastSettle
	cs.LastSettlementAt = &ts
	return cs
}

var _ Store = (*MemoryStore)(nil)
