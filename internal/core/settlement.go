package core

import (
	"context"
	"fmt"
	"time"

	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/fhe"
	fpmath "ConfidentialFutures/internal/math"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestSettlement encrypts finalPrice and asks the oracle to decrypt it.
// The contract settles when the matching callback arrives.
func (c *Coordinator) RequestSettlement(ctx context.Context, caller common.Address, contractID, finalPrice uint64) (uint256.Int, error) {
	var requestID uint256.Int
	err := c.run("requestSettlement", func(now time.Time) error {
		if err := onlyOperator(caller, c.owner, c.store.IsOperator(caller)).Err(); err != nil {
			return err
		}
		if err := c.checkRateLimit(caller, now); err != nil {
			return err
		}
		ct, err := c.contract(contractID)
		if err != nil {
			return err
		}
		switch {
		case !ct.PriceSet:
			return fmt.Errorf("%w: contract %d has no reference price", ErrContractInactive, contractID)
		case ct.Settled:
			return fmt.Errorf("%w: contract %d already settled", ErrContractInactive, contractID)
		case ct.HasSettlementInFlight():
			return fmt.Errorf("%w: settlement request %s in flight for contract %d",
				ErrAlreadyExists, ct.ActiveDecryptionRequestID.Dec(), contractID)
		}
		if err := settlementDue(ct, c.store.LastSettlementAt(), now, c.params.SettlementInterval).Err(); err != nil {
			return err
		}
		if finalPrice == 0 {
			return fmt.Errorf("%w: final price must be positive", ErrInvalidArgument)
		}
		if _, ok := fpmath.CheckedMul(finalPrice, c.params.MaxPositionAmount); !ok {
			return fmt.Errorf("%w: final price x max position amount", ErrOverflow)
		}

		encrypted, err := c.engine.Encrypt(finalPrice)
		if err != nil {
			return fmt.Errorf("encrypt final price: %w", err)
		}
		id, err := c.resolver.RequestDecryption(ctx, []fhe.Ciphertext{encrypted})
		if err != nil {
			return fmt.Errorf("request decryption: %w", err)
		}
		if id.IsZero() {
			return fmt.Errorf("resolver returned zero request id")
		}
		if _, dup := c.store.DecryptionRequest(id); dup {
			return fmt.Errorf("resolver reused request id %s", id.Dec())
		}
		requestID = id

		c.store.PutDecryptionRequest(&state.DecryptionRequest{
			RequestID:    id,
			ContractID:   contractID,
			Requestor:    caller,
			Timestamp:    now,
			Status:       state.RequestPending,
			IsSettlement: true,
		})
		ct.SettlementPrice = encrypted
		ct.ActiveDecryptionRequestID = id
		ct.SettlementRequestedAt = now
		c.store.PutContract(ct)
		c.store.SetLastSettlementAt(now)

		c.emit(&event.DecryptionRequested{
			RequestID:    &id,
			ContractID:   contractID,
			Requestor:    caller,
			IsSettlement: true,
			Timestamp:    now,
		}, now)
		c.record(caller, "requestSettlement", contractID, now)

		c.logger.Info().
			Uint64("contract_id", contractID).
			Str("request_id", id.Dec()).
			Msg("settlement requested")
		return nil
	})
	return requestID, err
}

// HandleSettlementCallback resolves a settlement request with the
// decrypted final price. A zero plaintext is an oracle failure, never a
// price. Replays of a processed request are silent no-ops.
func (c *Coordinator) HandleSettlementCallback(caller common.Address, requestID uint256.Int, plaintextPrice uint64) error {
	return c.run("settlementCallback", func(now time.Time) error {
		if err := c.gatewayGuard(caller); err != nil {
			return err
		}
		if c.processed.Contains(requestID) {
			c.countCallback("settlement", "duplicate")
			return nil
		}
		req, ok := c.store.DecryptionRequest(requestID)
		if !ok {
			return fmt.Errorf("%w: decryption request %s", ErrNotFound, requestID.Dec())
		}
		if !req.IsSettlement {
			return fmt.Errorf("%w: request %s is not a settlement request", ErrInvalidArgument, requestID.Dec())
		}
		if !req.Status.AcceptsCallback() {
			return fmt.Errorf("%w: request %s is %s", ErrRequestNotPending, requestID.Dec(), req.Status)
		}
		ct, err := c.contract(req.ContractID)
		if err != nil {
			return err
		}

		if plaintextPrice == 0 {
			return c.handleDecryptionFailure(caller, req, ct, now)
		}
		return c.settle(caller, req, ct, plaintextPrice, now)
	})
}

type payout struct {
	position *state.TraderPosition
	amount   fhe.Ciphertext
	balance  fhe.Ciphertext
}

func (c *Coordinator) settle(caller common.Address, req *state.DecryptionRequest, ct *state.FuturesContract, finalPrice uint64, now time.Time) error {
	// Compute every payout before touching state so an engine failure
	// leaves the contract untouched.
	var payouts []payout
	for _, trader := range ct.Traders {
		pos, ok := c.store.Position(state.PositionKey{ContractID: ct.ID, Trader: trader})
		if !ok || pos.Status != state.PositionActive {
			continue
		}
		amount, err := c.computePayout(pos, finalPrice)
		if err != nil {
			return fmt.Errorf("compute payout for %s: %w", trader.Hex(), err)
		}
		balance, err := c.credit(trader, amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", trader.Hex(), err)
		}
		payouts = append(payouts, payout{position: pos, amount: amount, balance: balance})
	}

	ct.Settled = true
	ct.DecryptedPrice = finalPrice
	ct.ActiveDecryptionRequestID = uint256.Int{}
	c.store.PutContract(ct)

	c.mustTransitionRequest(req, state.RequestFulfilled)
	req.DecryptedPrice = finalPrice
	c.store.PutDecryptionRequest(req)
	c.markProcessed(req.RequestID)

	id := req.RequestID
	c.emit(&event.ContractSettled{
		ContractID:  ct.ID,
		RequestID:   &id,
		FinalPrice:  finalPrice,
		TraderCount: len(payouts),
	}, now)

	for _, p := range payouts {
		c.mustTransitionPosition(p.position, state.PositionSettled)
		c.store.PutPosition(p.position)
		c.store.PutBalance(p.position.Trader, p.balance)
		c.emit(&event.ProfitDistributed{
			ContractID: ct.ID,
			Trader:     p.position.Trader,
			Payout:     p.amount,
		}, now)
	}

	c.emit(&event.GatewayCallbackProcessed{RequestID: &id, Gateway: caller, Outcome: event.OutcomeSettled}, now)
	c.record(caller, "settlementCallback", ct.ID, now)
	c.countCallback("settlement", event.OutcomeSettled)
	if c.metrics != nil {
		c.metrics.SettlementsTotal.Inc()
	}

	c.logger.Info().
		Uint64("contract_id", ct.ID).
		Str("request_id", id.Dec()).
		Int("positions", len(payouts)).
		Msg("contract settled")
	return nil
}

// computePayout evaluates the capped payoff homomorphically:
//
//	move   = |F*A - E*A| / PRICE_SCALE
//	pnl    = min(move, C)
//	payout = C + pnl if the position gained, else C - pnl
//
// F is the plaintext final price; E, A and C stay encrypted.
func (c *Coordinator) computePayout(pos *state.TraderPosition, finalPrice uint64) (fhe.Ciphertext, error) {
	e := c.engine
	var zero fhe.Ciphertext

	finalNotional, err := e.MulScalar(pos.EncryptedAmount, finalPrice)
	if err != nil {
		return zero, err
	}
	entryNotional, err := e.Mul(pos.EncryptedEntryPrice, pos.EncryptedAmount)
	if err != nil {
		return zero, err
	}
	priceUp, err := e.Ge(finalNotional, entryNotional)
	if err != nil {
		return zero, err
	}
	// Both differences are computed; Select keeps the one that did not wrap.
	upDiff, err := e.Sub(finalNotional, entryNotional)
	if err != nil {
		return zero, err
	}
	downDiff, err := e.Sub(entryNotional, finalNotional)
	if err != nil {
		return zero, err
	}
	diff, err := e.Select(priceUp, upDiff, downDiff)
	if err != nil {
		return zero, err
	}
	move, err := e.DivScalar(diff, c.params.PriceScale)
	if err != nil {
		return zero, err
	}
	pnl, err := e.Min(move, pos.EncryptedCollateral)
	if err != nil {
		return zero, err
	}
	win, err := e.Add(pos.EncryptedCollateral, pnl)
	if err != nil {
		return zero, err
	}
	lose, err := e.Sub(pos.EncryptedCollateral, pnl)
	if err != nil {
		return zero, err
	}
	if pos.IsLong {
		return e.Select(priceUp, win, lose)
	}
	return e.Select(priceUp, lose, win)
}

// credit returns the trader's balance handle after adding amount. It does
// not write the store.
func (c *Coordinator) credit(trader common.Address, amount fhe.Ciphertext) (fhe.Ciphertext, error) {
	current, ok := c.store.Balance(trader)
	if !ok {
		return amount, nil
	}
	return c.engine.Add(current, amount)
}

// handleDecryptionFailure applies the recoverable-failure path. Past the
// hard timeout every active position is refunded; before it the request
// is marked FAILED and stays open for another callback.
func (c *Coordinator) handleDecryptionFailure(caller common.Address, req *state.DecryptionRequest, ct *state.FuturesContract, now time.Time) error {
	id := req.RequestID
	if req.TimedOut(now, c.params.DecryptionTimeout) {
		if err := c.refundContract(req, ct, now); err != nil {
			return err
		}
		c.emit(&event.GatewayCallbackProcessed{RequestID: &id, Gateway: caller, Outcome: event.OutcomeRefunded}, now)
		c.record(caller, "settlementCallback", ct.ID, now)
		c.countCallback("settlement", event.OutcomeRefunded)
		return nil
	}

	c.mustTransitionRequest(req, state.RequestFailed)
	c.store.PutDecryptionRequest(req)
	c.emit(&event.GatewayCallbackProcessed{RequestID: &id, Gateway: caller, Outcome: event.OutcomeFailed}, now)
	c.record(caller, "settlementCallback", ct.ID, now)
	c.countCallback("settlement", event.OutcomeFailed)

	c.logger.Warn().
		Uint64("contract_id", ct.ID).
		Str("request_id", id.Dec()).
		Msg("decryption returned zero, request marked failed")
	return nil
}

// refundContract returns every active position's collateral and closes the
// contract. The request ends REFUNDED.
func (c *Coordinator) refundContract(req *state.DecryptionRequest, ct *state.FuturesContract, now time.Time) error {
	var refunds []payout
	for _, trader := range ct.Traders {
		pos, ok := c.store.Position(state.PositionKey{ContractID: ct.ID, Trader: trader})
		if !ok || pos.Status != state.PositionActive {
			continue
		}
		balance, err := c.credit(trader, pos.EncryptedCollateral)
		if err != nil {
			return fmt.Errorf("refund %s: %w", trader.Hex(), err)
		}
		refunds = append(refunds, payout{position: pos, amount: pos.EncryptedCollateral, balance: balance})
	}

	ct.Settled = true
	ct.ActiveDecryptionRequestID = uint256.Int{}
	c.store.PutContract(ct)

	c.mustTransitionRequest(req, state.RequestRefunded)
	c.store.PutDecryptionRequest(req)
	c.markProcessed(req.RequestID)

	id := req.RequestID
	c.emit(&event.TimeoutProtectionTriggered{
		ContractID:        ct.ID,
		RequestID:         &id,
		RefundedPositions: len(refunds),
	}, now)
	for _, r := range refunds {
		c.mustTransitionPosition(r.position, state.PositionRefunded)
		c.store.PutPosition(r.position)
		c.store.PutBalance(r.position.Trader, r.balance)
		c.emit(&event.RefundProcessed{
			ContractID: ct.ID,
			Trader:     r.position.Trader,
			Reason:     event.RefundReasonTimeout,
		}, now)
	}
	if c.metrics != nil {
		c.metrics.RefundsTotal.WithLabelValues(event.RefundReasonTimeout).Add(float64(len(refunds)))
	}

	c.logger.Warn().
		Uint64("contract_id", ct.ID).
		Str("request_id", id.Dec()).
		Int("positions", len(refunds)).
		Msg("decryption timed out, positions refunded")
	return nil
}

// SweepTimeouts applies the hard-timeout refund to every settlement request
// still open past DecryptionTimeout. It returns the number of requests
// refunded. A request whose refund fails is logged and left for the next
// sweep.
func (c *Coordinator) SweepTimeouts() (int, error) {
	refunded := 0
	err := c.run("sweepTimeouts", func(now time.Time) error {
		for _, req := range c.store.DecryptionRequests() {
			if !req.IsSettlement || !req.Status.AcceptsCallback() || !req.TimedOut(now, c.params.DecryptionTimeout) {
				continue
			}
			ct, ok := c.store.Contract(req.ContractID)
			if !ok {
				panic(fmt.Sprintf("FATAL: decryption request %s references missing contract %d",
					req.RequestID.Dec(), req.ContractID))
			}
			if err := c.refundContract(req, ct, now); err != nil {
				// Left untouched; the next sweep retries it.
				c.logger.Error().Err(err).Str("request_id", req.RequestID.Dec()).Msg("sweep refund failed")
				continue
			}
			c.record(SweeperActor, "timeoutRefund", ct.ID, now)
			refunded++
		}
		return nil
	})
	return refunded, err
}

// TimeoutResult reports what TriggerTimeout did. Processed is set once the
// request is resolved, either by this call or before it.
type TimeoutResult struct {
	Refunded  bool
	Processed bool
}

// TriggerTimeout forces the hard-timeout path for one request. A request
// that is already processed or not yet stale is left unchanged.
func (c *Coordinator) TriggerTimeout(caller common.Address, requestID uint256.Int) (TimeoutResult, error) {
	var res TimeoutResult
	err := c.run("triggerTimeout", func(now time.Time) error {
		if !onlyOwner(caller, c.owner).Allowed {
			if err := c.gatewayGuard(caller); err != nil {
				return err
			}
		}
		if c.processed.Contains(requestID) {
			res.Processed = true
			return nil
		}
		req, ok := c.store.DecryptionRequest(requestID)
		if !ok {
			return fmt.Errorf("%w: decryption request %s", ErrNotFound, requestID.Dec())
		}
		if !req.IsSettlement {
			return fmt.Errorf("%w: request %s is not a settlement request", ErrInvalidArgument, requestID.Dec())
		}
		if !req.Status.AcceptsCallback() {
			return fmt.Errorf("%w: request %s is %s", ErrRequestNotPending, requestID.Dec(), req.Status)
		}
		if !req.TimedOut(now, c.params.DecryptionTimeout) {
			return nil
		}
		ct, err := c.contract(req.ContractID)
		if err != nil {
			return err
		}
		if err := c.refundContract(req, ct, now); err != nil {
			return err
		}
		c.record(caller, "triggerTimeout", ct.ID, now)
		res = TimeoutResult{Refunded: true, Processed: true}
		return nil
	})
	return res, err
}

// RequestManualRefund lets a trader reclaim collateral once the contract is
// past expiry plus the decryption timeout and their position is still
// active.
func (c *Coordinator) RequestManualRefund(caller common.Address, contractID uint64) error {
	return c.run("requestManualRefund", func(now time.Time) error {
		if err := c.checkRateLimit(caller, now); err != nil {
			return err
		}
		ct, err := c.contract(contractID)
		if err != nil {
			return err
		}
		pos, ok := c.store.Position(state.PositionKey{ContractID: contractID, Trader: caller})
		if !ok {
			return fmt.Errorf("%w: no position for %s in contract %d", ErrRefundNotAvailable, caller.Hex(), contractID)
		}
		if pos.Status != state.PositionActive {
			return fmt.Errorf("%w: position is %s", ErrRefundNotAvailable, pos.Status)
		}
		if now.Before(ct.ExpiryTime.Add(c.params.DecryptionTimeout)) {
			return fmt.Errorf("%w: available after %s", ErrRefundNotAvailable,
				ct.ExpiryTime.Add(c.params.DecryptionTimeout).Format(time.RFC3339))
		}

		balance, err := c.credit(caller, pos.EncryptedCollateral)
		if err != nil {
			return fmt.Errorf("refund collateral: %w", err)
		}

		c.mustTransitionPosition(pos, state.PositionRefunded)
		c.store.PutPosition(pos)
		c.store.PutBalance(caller, balance)

		c.emit(&event.RefundProcessed{
			ContractID: contractID,
			Trader:     caller,
			Reason:     event.RefundReasonManual,
		}, now)
		c.record(caller, "requestManualRefund", contractID, now)
		if c.metrics != nil {
			c.metrics.RefundsTotal.WithLabelValues(event.RefundReasonManual).Inc()
		}
		return nil
	})
}

func (c *Coordinator) mustTransitionRequest(req *state.DecryptionRequest, next state.RequestStatus) {
	if !req.Transition(next) {
		panic(fmt.Sprintf("FATAL: decryption request %s: illegal transition %s -> %s",
			req.RequestID.Dec(), req.Status, next))
	}
}

func (c *Coordinator) mustTransitionPosition(pos *state.TraderPosition, next state.PositionStatus) {
	if !pos.Transition(next) {
		panic(fmt.Sprintf("FATAL: position %d/%s: illegal transition %s -> %s",
			pos.ContractID, pos.Trader.Hex(), pos.Status, next))
	}
}

func (c *Coordinator) countCallback(kind, outcome string) {
	if c.metrics != nil {
		c.metrics.CallbacksTotal.WithLabelValues(kind, outcome).Inc()
	}
}
