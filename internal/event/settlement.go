// internal/event/settlement.go
package event

import (
	"fmt"
	"time"

	"ConfidentialFutures/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DecryptionRequested is the gateway worker's trigger.
type DecryptionRequested struct {
	RequestID    *uint256.Int   `json:"request_id"`
	ContractID   uint64         `json:"contract_id"`
	Requestor    common.Address `json:"requestor"`
	IsSettlement bool           `json:"is_settlement"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (e *DecryptionRequested) IdempotencyKey() string {
	return "decryption:" + e.RequestID.Dec() + ":requested"
}

func (e *DecryptionRequested) EventType() EventType {
	return EventTypeDecryptionRequested
}

func (e *DecryptionRequested) ContractRef() *uint64 {
	return contractRef(e.ContractID)
}

type ContractSettled struct {
	ContractID  uint64       `json:"contract_id"`
	RequestID   *uint256.Int `json:"request_id"`
	FinalPrice  uint64       `json:"final_price"`
	TraderCount int          `json:"trader_count"`
}

func (e *ContractSettled) IdempotencyKey() string {
	return fmt.Sprintf("contract:%d:settled", e.ContractID)
}

func (e *ContractSettled) EventType() EventType {
	return EventTypeContractSettled
}

func (e *ContractSettled) ContractRef() *uint64 {
	return contractRef(e.ContractID)
}

// ProfitDistributed carries the handle of the encrypted payout credited to
// the trader, never the amount.
type ProfitDistributed struct {
	ContractID uint64         `json:"contract_id"`
	Trader     common.Address `json:"trader"`
	Payout     fhe.Ciphertext `json:"payout"`
}

func (e *ProfitDistributed) IdempotencyKey() string {
	return fmt.Sprintf("contract:%d:payout:%s", e.ContractID, e.Trader.Hex())
}

func (e *ProfitDistributed) EventType() EventType {
	return EventTypeProfitDistributed
}

func (e *ProfitDistributed) ContractRef() *uint64 {
	return contractRef(e.ContractID)
}

// Refund reasons.
const (
	RefundReasonTimeout = "timeout"
	RefundReasonManual  = "manual"
)

type RefundProcessed struct {
	ContractID uint64         `json:"contract_id"`
	Trader     common.Address `json:"trader"`
	Reason     string         `json:"reason"`
}

func (e *RefundProcessed) IdempotencyKey() string {
	return fmt.Sprintf("contract:%d:refund:%s", e.ContractID, e.Trader.Hex())
}

func (e *RefundProcessed) EventType() EventType {
	return EventTypeRefundProcessed
}

func (e *RefundProcessed) ContractRef() *uint64 {
	return contractRef(e.ContractID)
}

type TimeoutProtectionTriggered struct {
	ContractID        uint64       `json:"contract_id"`
	RequestID         *uint256.Int `json:"request_id"`
	RefundedPositions int          `json:"refunded_positions"`
}

func (e *TimeoutProtectionTriggered) IdempotencyKey() string {
	return "decryption:" + e.RequestID.Dec() + ":timeout"
}

func (e *TimeoutProtectionTriggered) EventType() EventType {
	return EventTypeTimeoutProtectionTriggered
}

func (e *TimeoutProtectionTriggered) ContractRef() *uint64 {
	return contractRef(e.ContractID)
}

// Callback outcomes reported by GatewayCallbackProcessed.
const (
	OutcomeSettled      = "settled"
	OutcomeFailed       = "failed"
	OutcomeRefunded     = "refunded"
	OutcomeWithdrawn    = "withdrawn"
	OutcomeStaleBalance = "stale_balance"
)

type GatewayCallbackProcessed struct {
	RequestID *uint256.Int   `json:"request_id"`
	Gateway   common.Address `json:"gateway"`
	Outcome   string         `json:"outcome"`
}

func (e *GatewayCallbackProcessed) IdempotencyKey() string {
	return "decryption:" + e.RequestID.Dec() + ":callback:" + e.Outcome
}

func (e *GatewayCallbackProcessed) EventType() EventType {
	return EventTypeGatewayCallbackProcessed
}

func (e *GatewayCallbackProcessed) ContractRef() *uint64 {
	return nil
}
