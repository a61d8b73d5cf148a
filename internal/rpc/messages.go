package rpc

import (
	"fmt"
	"strconv"

	"ConfidentialFutures/internal/authn"

	"github.com/holiman/uint256"
)

// SettlementCallbackRequest delivers the plaintext settlement price for a
// decryption request.
type SettlementCallbackRequest struct {
	RequestID string            `json:"request_id"`
	Plaintext uint64            `json:"plaintext,string"`
	Auth      authn.Credentials `json:"auth"`
}

// SigningPayload is the byte string the gateway signs at ts.
func (r *SettlementCallbackRequest) SigningPayload(ts int64) []byte {
	return callbackPayload(Coordinator_SettlementCallback_FullMethodName, r.RequestID, r.Plaintext, ts)
}

// WithdrawalCallbackRequest delivers the plaintext balance for a withdrawal
// request.
type WithdrawalCallbackRequest struct {
	RequestID string            `json:"request_id"`
	Plaintext uint64            `json:"plaintext,string"`
	Auth      authn.Credentials `json:"auth"`
}

func (r *WithdrawalCallbackRequest) SigningPayload(ts int64) []byte {
	return callbackPayload(Coordinator_WithdrawalCallback_FullMethodName, r.RequestID, r.Plaintext, ts)
}

// CallbackResponse reports how the coordinator disposed of a callback.
// Duplicate is set when the request had already been processed.
type CallbackResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
}

// TriggerTimeoutRequest asks the coordinator to refund a stale settlement
// request.
type TriggerTimeoutRequest struct {
	RequestID string            `json:"request_id"`
	Auth      authn.Credentials `json:"auth"`
}

func (r *TriggerTimeoutRequest) SigningPayload(ts int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", Coordinator_TriggerTimeout_FullMethodName, r.RequestID, ts))
}

// TriggerTimeoutResponse reports whether this call refunded the request
// and whether the request is resolved on the coordinator.
type TriggerTimeoutResponse struct {
	Refunded  bool `json:"refunded"`
	Processed bool `json:"processed"`
}

type DecryptRequest struct {
	RequestID string `json:"request_id"`
}

type DecryptResponse struct {
	Plaintext uint64 `json:"plaintext,string"`
}

func callbackPayload(method, requestID string, plaintext uint64, ts int64) []byte {
	return []byte(method + "|" + requestID + "|" + strconv.FormatUint(plaintext, 10) + "|" + strconv.FormatInt(ts, 10))
}

// ParseRequestID parses a decimal request id. Zero is never a valid id.
func ParseRequestID(s string) (uint256.Int, error) {
	id, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("request id %q: %w", s, err)
	}
	if id.IsZero() {
		return uint256.Int{}, fmt.Errorf("request id must be non-zero")
	}
	return *id, nil
}
