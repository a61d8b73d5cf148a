// internal/state/trader_position.go
package state

import (
	"encoding/binary"
	"time"

	"ConfidentialFutures/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// PositionStatus is the lifecycle of a trader position. Transitions are
// forward-only.
type PositionStatus int32

const (
	PositionActive PositionStatus = iota
	// PositionSettlementPending is reserved. No transition enters it today.
	PositionSettlementPending
	PositionSettled
	PositionRefunded
)

func (s PositionStatus) String() string {
	switch s {
	case PositionActive:
		return "ACTIVE"
	case PositionSettlementPending:
		return "SETTLEMENT_PENDING"
	case PositionSettled:
		return "SETTLED"
	case PositionRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// ParsePositionStatus is the inverse of String.
func ParsePositionStatus(s string) (PositionStatus, bool) {
	for _, st := range []PositionStatus{PositionActive, PositionSettlementPending, PositionSettled, PositionRefunded} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionActive: {
			PositionSettled,
			PositionRefunded,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// PositionKey identifies a position. A trader holds at most one position
// per contract.
type PositionKey struct {
	ContractID uint64
	Trader     common.Address
}

// CanonicalBytes returns a fixed-width encoding used for ordering.
func (k PositionKey) CanonicalBytes() []byte {
	buf := make([]byte, 8, 8+common.AddressLength)
	binary.BigEndian.PutUint64(buf, k.ContractID)
	return append(buf, k.Trader[:]...)
}

// TraderPosition is a trader's encrypted stake in a contract.
type TraderPosition struct {
	ContractID          uint64
	Trader              common.Address
	EncryptedAmount     fhe.Ciphertext
	EncryptedEntryPrice fhe.Ciphertext
	EncryptedCollateral fhe.Ciphertext
	EncryptedNonce      fhe.Ciphertext
	IsLong              bool
	Status              PositionStatus
	EntryTime           time.Time
	Version             int64
}

func (p *TraderPosition) Key() PositionKey {
	return PositionKey{ContractID: p.ContractID, Trader: p.Trader}
}

// Transition moves the position forward, returning false if the move is
// not allowed.
func (p *TraderPosition) Transition(next PositionStatus) bool {
	if !p.Status.CanTransitionTo(next) {
		return false
	}
	p.Status = next
	p.Version++
	return true
}
