// internal/state/request.go
package state

import (
	"time"

	"ConfidentialFutures/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestStatus is shared by decryption and withdrawal requests.
type RequestStatus int32

const (
	RequestPending RequestStatus = iota
	RequestFulfilled
	RequestFailed
	RequestRefunded
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "PENDING"
	case RequestFulfilled:
		return "FULFILLED"
	case RequestFailed:
		return "FAILED"
	case RequestRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

func ParseRequestStatus(s string) (RequestStatus, bool) {
	for _, st := range []RequestStatus{RequestPending, RequestFulfilled, RequestFailed, RequestRefunded} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestFulfilled || s == RequestRefunded
}

// AcceptsCallback reports whether a gateway callback may still resolve a
// request in this status. FAILED stays open so a retried delivery can
// succeed.
func (s RequestStatus) AcceptsCallback() bool {
	return s == RequestPending || s == RequestFailed
}

// CanTransitionTo validates state transitions
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	validTransitions := map[RequestStatus][]RequestStatus{
		RequestPending: {
			RequestFulfilled,
			RequestFailed,
			RequestRefunded,
		},
		RequestFailed: {
			RequestFailed,
			RequestFulfilled,
			RequestRefunded,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// DecryptionRequest tracks one asynchronous decryption issued to the oracle.
type DecryptionRequest struct {
	RequestID      uint256.Int
	ContractID     uint64
	Requestor      common.Address
	Timestamp      time.Time
	Status         RequestStatus
	DecryptedPrice uint64
	IsSettlement   bool
	Version        int64
}

// Transition moves the request forward, returning false if the move is not
// allowed.
func (r *DecryptionRequest) Transition(next RequestStatus) bool {
	if !r.Status.CanTransitionTo(next) {
		return false
	}
	r.Status = next
	r.Version++
	return true
}

// TimedOut reports whether the hard decryption timeout has elapsed.
func (r *DecryptionRequest) TimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.Timestamp) >= timeout
}

// WithdrawalRequest tracks a trader's request to withdraw their encrypted
// balance. BalanceHandle is the balance ciphertext at request time; the
// callback is only honoured while the balance still holds that handle.
type WithdrawalRequest struct {
	RequestID     uint256.Int
	Trader        common.Address
	Amount        uint64
	Timestamp     time.Time
	Status        RequestStatus
	BalanceHandle fhe.Ciphertext
	Version       int64
}

func (r *WithdrawalRequest) Transition(next RequestStatus) bool {
	if !r.Status.CanTransitionTo(next) {
		return false
	}
	r.Status = next
	r.Version++
	return true
}
