// internal/ledger/store.go
package ledger

import (
	"time"

	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store is the authoritative state owned by the coordinator. It is not safe
// for concurrent use: the coordinator serializes every call behind its own
// mutex.
//
// Getters return the live record. Callers mutate it and then call the
// matching Put so the change is tracked for persistence.
type Store interface {
	Contract(id uint64) (*state.FuturesContract, bool)
	PutContract(c *state.FuturesContract)
	NextContractID() uint64
	Contracts() []*state.FuturesContract

	Position(key state.PositionKey) (*state.TraderPosition, bool)
	PutPosition(p *state.TraderPosition)

	DecryptionRequest(id uint256.Int) (*state.DecryptionRequest, bool)
	PutDecryptionRequest(r *state.DecryptionRequest)
	DecryptionRequests() []*state.DecryptionRequest

	WithdrawalRequest(id uint256.Int) (*state.WithdrawalRequest, bool)
	PutWithdrawalRequest(r *state.WithdrawalRequest)

	Balance(trader common.Address) (fhe.Ciphertext, bool)
	PutBalance(trader common.Address, ct fhe.Ciphertext)

	AuditCounter(actor common.Address) (state.AuditCounter, bool)
	PutAuditCounter(actor common.Address, c state.AuditCounter)

	IsOperator(addr common.Address) bool
	SetOperator(addr common.Address, enabled bool)
	Operators() []common.Address
	Gateway() common.Address
	SetGateway(addr common.Address)

	LastSettlementAt() time.Time
	SetLastSettlementAt(t time.Time)

	// TakeChanges returns deep copies of every record written since the
	// previous call and resets tracking.
	TakeChanges() *ChangeSet
}
