// internal/ledger/changeset.go
package ledger

import (
	"time"

	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ChangeSet carries records written by one coordinator operation. The same
// shape doubles as a full snapshot when restoring from durable storage.
type ChangeSet struct {
	Contracts          []*state.FuturesContract
	Positions          []*state.TraderPosition
	DecryptionRequests []*state.DecryptionRequest
	WithdrawalRequests []*state.WithdrawalRequest
	Balances           map[common.Address]fhe.Ciphertext
	AuditCounters      map[common.Address]state.AuditCounter
	Operators          map[common.Address]bool
	Gateway            *common.Address
	LastSettlementAt   *time.Time

	// Ciphertexts are engine handles created since the previous change
	// set. Only in-process engines produce them.
	Ciphertexts []fhe.Entry
}

func (cs *ChangeSet) IsEmpty() bool {
	return cs == nil || (len(cs.Contracts) == 0 &&
		len(cs.Positions) == 0 &&
		len(cs.DecryptionRequests) == 0 &&
		len(cs.WithdrawalRequests) == 0 &&
		len(cs.Balances) == 0 &&
		len(cs.AuditCounters) == 0 &&
		len(cs.Operators) == 0 &&
		cs.Gateway == nil &&
		cs.LastSettlementAt == nil &&
		len(cs.Ciphertexts) == 0)
}

// Merge folds later into cs. Records in later replace those with the same
// key in cs.
func (cs *ChangeSet) Merge(later *ChangeSet) {
	if later == nil {
		return
	}
	cs.Contracts = mergeBy(cs.Contracts, later.Contracts, func(c *state.FuturesContract) uint64 { return c.ID })
	cs.Positions = mergeBy(cs.Positions, later.Positions, func(p *state.TraderPosition) state.PositionKey { return p.Key() })
	cs.DecryptionRequests = mergeBy(cs.DecryptionRequests, later.DecryptionRequests, func(r *state.DecryptionRequest) string { return r.RequestID.Dec() })
	cs.WithdrawalRequests = mergeBy(cs.WithdrawalRequests, later.WithdrawalRequests, func(r *state.WithdrawalRequest) string { return r.RequestID.Dec() })

	if len(later.Balances) > 0 && cs.Balances == nil {
		cs.Balances = make(map[common.Address]fhe.Ciphertext)
	}
	for k, v := range later.Balances {
		cs.Balances[k] = v
	}
	if len(later.AuditCounters) > 0 && cs.AuditCounters == nil {
		cs.AuditCounters = make(map[common.Address]state.AuditCounter)
	}
	for k, v := range later.AuditCounters {
		cs.AuditCounters[k] = v
	}
	if len(later.Operators) > 0 && cs.Operators == nil {
		cs.Operators = make(map[common.Address]bool)
	}
	for k, v := range later.Operators {
		cs.Operators[k] = v
	}
	if later.Gateway != nil {
		cs.Gateway = later.Gateway
	}
	if later.LastSettlementAt != nil {
		cs.LastSettlementAt = later.LastSettlementAt
	}
	cs.Ciphertexts = append(cs.Ciphertexts, later.Ciphertexts...)
}

func mergeBy[T any, K comparable](base, later []T, key func(T) K) []T {
	if len(later) == 0 {
		return base
	}
	idx := make(map[K]int, len(base))
	for i, v := range base {
		idx[key(v)] = i
	}
	for _, v := range later {
		if i, ok := idx[key(v)]; ok {
			base[i] = v
			continue
		}
		idx[key(v)] = len(base)
		base = append(base, v)
	}
	return base
}
