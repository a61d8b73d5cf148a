package core

import (
	"context"
	"errors"
	"testing"

	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/state"

	"github.com/holiman/uint256"
)

// settledBalance settles a one-position contract so alice holds a balance.
func settledBalance(t *testing.T, h *harness) {
	t.Helper()
	id := h.newContract()
	h.open(alice, id, 100, 500, 1000, true)
	reqID := h.requestSettlement(id, 120)
	if err := h.coord.HandleSettlementCallback(gateway, reqID, h.decrypt(reqID)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	h.cooldown()
}

func TestWithdrawal_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.coord.RequestWithdrawal(ctx, alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no balance: expected ErrNotFound, got %v", err)
	}

	settledBalance(t, h)
	h.drain()

	reqID, err := h.coord.RequestWithdrawal(ctx, alice)
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	amount := h.decrypt(reqID)
	if amount != 1100 {
		t.Fatalf("decrypted balance = %d, want 1100", amount)
	}

	if err := h.coord.HandleWithdrawalCallback(stranger, reqID, amount); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger: expected ErrUnauthorized, got %v", err)
	}
	if err := h.coord.HandleWithdrawalCallback(gateway, reqID, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero amount: expected ErrInvalidArgument, got %v", err)
	}
	if err := h.coord.HandleWithdrawalCallback(gateway, reqID, amount); err != nil {
		t.Fatalf("callback: %v", err)
	}

	req, _ := h.coord.GetWithdrawalRequest(reqID)
	if req.Status != state.RequestFulfilled || req.Amount != 1100 {
		t.Errorf("request = %+v", req)
	}
	if got := h.balance(alice); got != 0 {
		t.Errorf("balance after withdrawal = %d, want 0", got)
	}

	outs := h.drain()
	if n := countEvents(outs, event.EventTypeWithdrawalRequested); n != 1 {
		t.Errorf("WithdrawalRequested = %d", n)
	}
	if n := countEvents(outs, event.EventTypeWithdrawalProcessed); n != 1 {
		t.Errorf("WithdrawalProcessed = %d", n)
	}

	// Replay is silent.
	if err := h.coord.HandleWithdrawalCallback(gateway, reqID, amount); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outs := h.drain(); len(outs) != 0 {
		t.Errorf("replay produced %d outputs", len(outs))
	}
}

func TestWithdrawal_ConcurrentRequestsPayOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	settledBalance(t, h)

	first, err := h.coord.RequestWithdrawal(ctx, alice)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	h.cooldown()
	second, err := h.coord.RequestWithdrawal(ctx, alice)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if err := h.coord.HandleWithdrawalCallback(gateway, first, h.decrypt(first)); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := h.coord.HandleWithdrawalCallback(gateway, second, h.decrypt(second)); err != nil {
		t.Fatalf("second callback: %v", err)
	}

	r1, _ := h.coord.GetWithdrawalRequest(first)
	r2, _ := h.coord.GetWithdrawalRequest(second)
	if r1.Status != state.RequestFulfilled {
		t.Errorf("first = %s, want FULFILLED", r1.Status)
	}
	if r2.Status != state.RequestFailed || r2.Amount != 0 {
		t.Errorf("second = %s amount %d, want FAILED with no payout", r2.Status, r2.Amount)
	}
	if n := countEvents(h.drain(), event.EventTypeWithdrawalProcessed); n != 1 {
		t.Errorf("WithdrawalProcessed = %d, want 1", n)
	}
}

func TestWithdrawal_UnknownRequest(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.HandleWithdrawalCallback(gateway, *uint256.NewInt(77), 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithdrawal_SettlementIDRejected(t *testing.T) {
	h := newHarness(t)
	id := h.newContract()
	h.open(alice, id, 100, 500, 1000, true)
	reqID := h.requestSettlement(id, 120)

	if err := h.coord.HandleWithdrawalCallback(gateway, reqID, 120); !errors.Is(err, ErrNotFound) {
		t.Fatalf("settlement id on withdrawal path: expected ErrNotFound, got %v", err)
	}
	if req, _ := h.coord.GetDecryptionRequest(reqID); req.Status != state.RequestPending {
		t.Fatalf("settlement request disturbed: %s", req.Status)
	}
}
