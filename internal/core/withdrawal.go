package core

import (
	"context"
	"fmt"
	"time"

	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestWithdrawal asks the oracle to decrypt the caller's balance. The
// current balance handle is captured so a later callback can detect that
// the balance moved in the meantime.
func (c *Coordinator) RequestWithdrawal(ctx context.Context, caller common.Address) (uint256.Int, error) {
	var requestID uint256.Int
	err := c.run("requestWithdrawal", func(now time.Time) error {
		if err := c.checkRateLimit(caller, now); err != nil {
			return err
		}
		balance, ok := c.store.Balance(caller)
		if !ok || balance.IsZero() {
			return fmt.Errorf("%w: no balance for %s", ErrNotFound, caller.Hex())
		}

		id, err := c.resolver.RequestDecryption(ctx, []fhe.Ciphertext{balance})
		if err != nil {
			return fmt.Errorf("request decryption: %w", err)
		}
		if id.IsZero() {
			return fmt.Errorf("resolver returned zero request id")
		}
		if _, dup := c.store.WithdrawalRequest(id); dup {
			return fmt.Errorf("resolver reused request id %s", id.Dec())
		}
		requestID = id

		c.store.PutWithdrawalRequest(&state.WithdrawalRequest{
			RequestID:     id,
			Trader:        caller,
			Timestamp:     now,
			Status:        state.RequestPending,
			BalanceHandle: balance,
		})

		c.emit(&event.WithdrawalRequested{RequestID: &id, Trader: caller, Timestamp: now}, now)
		c.record(caller, "requestWithdrawal", 0, now)
		return nil
	})
	return requestID, err
}

// HandleWithdrawalCallback completes a withdrawal with the decrypted
// amount. If the trader's balance changed since the request, the request
// fails instead of paying out against a stale balance.
func (c *Coordinator) HandleWithdrawalCallback(caller common.Address, requestID uint256.Int, plaintextAmount uint64) error {
	return c.run("withdrawalCallback", func(now time.Time) error {
		if err := c.gatewayGuard(caller); err != nil {
			return err
		}
		if c.processed.Contains(requestID) {
			c.countCallback("withdrawal", "duplicate")
			return nil
		}
		req, ok := c.store.WithdrawalRequest(requestID)
		if !ok {
			return fmt.Errorf("%w: withdrawal request %s", ErrNotFound, requestID.Dec())
		}
		if !req.Status.AcceptsCallback() {
			return fmt.Errorf("%w: withdrawal %s is %s", ErrRequestNotPending, requestID.Dec(), req.Status)
		}
		if plaintextAmount == 0 {
			return fmt.Errorf("%w: withdrawal amount must be positive", ErrInvalidArgument)
		}

		id := req.RequestID
		current, _ := c.store.Balance(req.Trader)
		if current != req.BalanceHandle {
			if !req.Transition(state.RequestFailed) {
				panic(fmt.Sprintf("FATAL: withdrawal %s: illegal transition %s -> FAILED", id.Dec(), req.Status))
			}
			c.store.PutWithdrawalRequest(req)
			c.markProcessed(id)
			c.emit(&event.GatewayCallbackProcessed{RequestID: &id, Gateway: caller, Outcome: event.OutcomeStaleBalance}, now)
			c.record(caller, "withdrawalCallback", 0, now)
			c.countCallback("withdrawal", event.OutcomeStaleBalance)

			c.logger.Warn().
				Str("request_id", id.Dec()).
				Str("trader", req.Trader.Hex()).
				Msg("withdrawal rejected, balance changed since request")
			return nil
		}

		zero, err := c.engine.Encrypt(0)
		if err != nil {
			return fmt.Errorf("encrypt zero balance: %w", err)
		}

		if !req.Transition(state.RequestFulfilled) {
			panic(fmt.Sprintf("FATAL: withdrawal %s: illegal transition %s -> FULFILLED", id.Dec(), req.Status))
		}
		req.Amount = plaintextAmount
		c.store.PutWithdrawalRequest(req)
		c.store.PutBalance(req.Trader, zero)
		c.markProcessed(id)

		// Funds leave the system here; the transfer itself is executed by
		// consumers of WithdrawalProcessed.
		c.emit(&event.WithdrawalProcessed{RequestID: &id, Trader: req.Trader, Amount: plaintextAmount}, now)
		c.emit(&event.GatewayCallbackProcessed{RequestID: &id, Gateway: caller, Outcome: event.OutcomeWithdrawn}, now)
		c.record(caller, "withdrawalCallback", 0, now)
		c.countCallback("withdrawal", event.OutcomeWithdrawn)

		c.logger.Info().
			Str("request_id", id.Dec()).
			Str("trader", req.Trader.Hex()).
			Uint64("amount", plaintextAmount).
			Msg("withdrawal processed")
		return nil
	})
}
