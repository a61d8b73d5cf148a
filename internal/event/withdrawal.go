// internal/event/withdrawal.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type WithdrawalRequested struct {
	RequestID *uint256.Int   `json:"request_id"`
	Trader    common.Address `json:"trader"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *WithdrawalRequested) IdempotencyKey() string {
	return "withdrawal:" + e.RequestID.Dec() + ":requested"
}

func (e *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (e *WithdrawalRequested) ContractRef() *uint64 {
	return nil // Global event
}

type WithdrawalProcessed struct {
	RequestID *uint256.Int   `json:"request_id"`
	Trader    common.Address `json:"trader"`
	Amount    uint64         `json:"amount"`
}

func (e *WithdrawalProcessed) IdempotencyKey() string {
	return "withdrawal:" + e.RequestID.Dec() + ":processed"
}

func (e *WithdrawalProcessed) EventType() EventType {
	return EventTypeWithdrawalProcessed
}

func (e *WithdrawalProcessed) ContractRef() *uint64 {
	return nil
}
