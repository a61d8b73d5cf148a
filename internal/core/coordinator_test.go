package core

import (
	"context"
	"errors"
	"testing"

	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/state"

	"github.com/holiman/uint256"
)

func TestCreateContract(t *testing.T) {
	h := newHarness(t)

	if _, err := h.coord.CreateContract(stranger, "ETH"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger create: expected ErrUnauthorized, got %v", err)
	}

	for _, bad := range []string{"", "ABCDEFGHIJK"} {
		if _, err := h.coord.CreateContract(operator, bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("underlying %q: expected ErrInvalidArgument, got %v", bad, err)
		}
	}

	first, err := h.coord.CreateContract(operator, "BTC")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.cooldown()
	second, err := h.coord.CreateContract(owner, "ETH")
	if err != nil {
		t.Fatalf("owner create: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", first, second)
	}

	ct, err := h.coord.GetContract(first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ct.PriceSet || ct.Settled {
		t.Error("new contract must be unpriced and unsettled")
	}
	if want := ct.CreationTime.Add(ContractDuration); !ct.ExpiryTime.Equal(want) {
		t.Errorf("expiry = %s, want %s", ct.ExpiryTime, want)
	}
	if got := countEvents(h.drain(), event.EventTypeContractCreated); got != 2 {
		t.Errorf("ContractCreated events = %d, want 2", got)
	}
}

func TestSetReferencePrice(t *testing.T) {
	h := newHarness(t)
	id, _ := h.coord.CreateContract(operator, "ETH")
	h.cooldown()

	if err := h.coord.SetReferencePrice(operator, id, 0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero price: expected ErrInvalidArgument, got %v", err)
	}
	if err := h.coord.SetReferencePrice(operator, id, ^uint64(0)/10, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("huge price: expected ErrOverflow, got %v", err)
	}
	if err := h.coord.SetReferencePrice(stranger, id, 100, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger: expected ErrUnauthorized, got %v", err)
	}
	if err := h.coord.SetReferencePrice(operator, 99, 100, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing contract: expected ErrNotFound, got %v", err)
	}
	if err := h.coord.SetReferencePrice(operator, id, 2500, 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	h.cooldown()
	if err := h.coord.SetReferencePrice(operator, id, 2600, 7); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second set: expected ErrAlreadyExists, got %v", err)
	}

	ct, _ := h.coord.GetContract(id)
	v, ok := h.engine.Reveal(ct.SettlementPrice)
	if !ok || v != 2500*PriceObfuscationFactor+7 {
		t.Errorf("stored reference price = %d, want %d", v, 2500*PriceObfuscationFactor+7)
	}
}

func TestOpenPosition_Validation(t *testing.T) {
	h := newHarness(t)
	unpriced, _ := h.coord.CreateContract(operator, "SOL")
	h.cooldown()
	id := h.newContract()

	tests := []struct {
		name       string
		contract   uint64
		entry      uint64
		amount     uint64
		collateral uint64
		want       error
	}{
		{"unknown contract", 404, 100, 10, 10, ErrNotFound},
		{"no reference price", unpriced, 100, 10, 10, ErrContractInactive},
		{"zero amount", id, 100, 0, 10, ErrInvalidArgument},
		{"amount over max", id, 100, MaxPositionAmount + 1, 10, ErrInvalidArgument},
		{"zero collateral", id, 100, 10, 0, ErrInvalidArgument},
		{"collateral over max", id, 100, 10, MaxCollateralAmount + 1, ErrInvalidArgument},
		{"zero entry price", id, 0, 10, 10, ErrInvalidArgument},
		{"notional overflow", id, ^uint64(0) / 2, MaxPositionAmount, 10, ErrOverflow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := h.coord.OpenPosition(alice, tc.contract, tc.entry, tc.amount, tc.collateral, true)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	h.open(alice, id, 100, 10, 10, true)
	h.cooldown()
	if err := h.coord.OpenPosition(alice, id, 100, 10, 10, false); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second position: expected ErrAlreadyExists, got %v", err)
	}

	h.clock.Advance(ContractDuration)
	if err := h.coord.OpenPosition(bob, id, 100, 10, 10, false); !errors.Is(err, ErrContractInactive) {
		t.Fatalf("after expiry: expected ErrContractInactive, got %v", err)
	}
}

func TestOpenPosition_RecordsEncryptedState(t *testing.T) {
	h := newHarness(t)
	id := h.newContract()
	h.open(alice, id, 100, 500, 1000, true)
	h.open(bob, id, 100, 300, 1000, false)

	ct, _ := h.coord.GetContract(id)
	if len(ct.Traders) != 2 || ct.Traders[0] != alice || ct.Traders[1] != bob {
		t.Fatalf("traders = %v", ct.Traders)
	}
	if v, _ := h.engine.Reveal(ct.TotalVolume); v != 800 {
		t.Errorf("total volume = %d, want 800", v)
	}

	pos, err := h.coord.GetPosition(id, alice)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Status != state.PositionActive || !pos.IsLong {
		t.Errorf("unexpected position %+v", pos)
	}
	checks := []struct {
		name   string
		handle fhe.Ciphertext
		want   uint64
	}{
		{"amount", pos.EncryptedAmount, 500},
		{"entry price", pos.EncryptedEntryPrice, 100},
		{"collateral", pos.EncryptedCollateral, 1000},
	}
	for _, c := range checks {
		if got, _ := h.engine.Reveal(c.handle); got != c.want {
			t.Errorf("%s = %d, want %d", c.name, got, c.want)
		}
	}
	nonce, _ := h.engine.Reveal(pos.EncryptedNonce)
	if want := positionNonce(alice, id, pos.EntryTime); nonce != want {
		t.Errorf("nonce = %d, want %d", nonce, want)
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.CreateContract(operator, "ETH"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	before := h.coord.AuditStats(operator)

	h.clock.Advance(RateLimitCooldown / 2)
	if _, err := h.coord.CreateContract(operator, "BTC"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second call within cooldown: expected ErrRateLimited, got %v", err)
	}
	if after := h.coord.AuditStats(operator); after != before {
		t.Fatalf("rejected call changed audit stats: %+v -> %+v", before, after)
	}

	h.clock.Advance(RateLimitCooldown / 2)
	if _, err := h.coord.CreateContract(operator, "BTC"); err != nil {
		t.Fatalf("call after cooldown: %v", err)
	}
	if got := h.coord.AuditStats(operator).Count; got != before.Count+1 {
		t.Errorf("count = %d, want %d", got, before.Count+1)
	}

	// Limits are per actor.
	if err := h.coord.OpenPosition(alice, 1, 1, 1, 1, true); errors.Is(err, ErrRateLimited) {
		t.Error("alice must not be limited by operator activity")
	}
}

func TestAdminOperations(t *testing.T) {
	h := newHarness(t)

	if err := h.coord.AddOperator(stranger, carol); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger add operator: expected ErrUnauthorized, got %v", err)
	}
	if err := h.coord.AddOperator(owner, operator); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate operator: expected ErrAlreadyExists, got %v", err)
	}
	if err := h.coord.RemoveOperator(owner, operator); err != nil {
		t.Fatalf("remove operator: %v", err)
	}
	if _, err := h.coord.CreateContract(operator, "ETH"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("removed operator: expected ErrUnauthorized, got %v", err)
	}

	if err := h.coord.SetGateway(owner, carol); err != nil {
		t.Fatalf("set gateway: %v", err)
	}
	if h.coord.Gateway() != carol {
		t.Fatal("gateway not rotated")
	}
	if err := h.coord.HandleSettlementCallback(gateway, *uint256.NewInt(1), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old gateway: expected ErrUnauthorized, got %v", err)
	}
}

func TestAuditTrailChains(t *testing.T) {
	h := newHarness(t)
	id := h.newContract()
	h.open(alice, id, 100, 10, 10, true)

	entries := h.coord.AuditTrail(0, 0)
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4 (addOperator, create, price, open)", len(entries))
	}
	if entries[0].PrevHash != GenesisHash() {
		t.Error("first entry must chain from genesis")
	}
	if err := VerifyChain(entries); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if entries[3].Action != "openPosition" || entries[3].Actor != alice || entries[3].ContractID != id {
		t.Errorf("unexpected last entry %+v", entries[3])
	}

	tampered := append([]state.AuditEntry(nil), entries...)
	tampered[1].Action = "somethingElse"
	if err := VerifyChain(tampered); err == nil {
		t.Error("tampered chain must fail verification")
	}

	if got := h.coord.AuditTrail(2, 1); len(got) != 1 || got[0].Seq != 3 {
		t.Errorf("paged read = %+v", got)
	}
}

func TestOutputsCarryChangesAndSequence(t *testing.T) {
	h := newHarness(t)
	id := h.newContract()
	outs := h.drain()
	if len(outs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(outs))
	}
	if len(outs[0].Changes.Contracts) != 1 || outs[0].Changes.Contracts[0].ID != id {
		t.Errorf("create output changes = %+v", outs[0].Changes)
	}
	if len(outs[0].Audit) != 1 {
		t.Errorf("create output audit entries = %d", len(outs[0].Audit))
	}

	var last int64 = -1
	for _, o := range outs {
		for _, env := range o.Events {
			if env.Sequence != last+1 && last != -1 {
				t.Fatalf("sequence gap: %d after %d", env.Sequence, last)
			}
			last = env.Sequence
		}
	}
}

func TestRequestSettlement_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.newContract()
	h.open(alice, id, 100, 10, 10, true)

	if _, err := h.coord.RequestSettlement(ctx, operator, id, 120); !errors.Is(err, ErrSettlementNotDue) {
		t.Fatalf("before expiry: expected ErrSettlementNotDue, got %v", err)
	}
	h.cooldown()
	if _, err := h.coord.RequestSettlement(ctx, alice, id, 120); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("trader: expected ErrUnauthorized, got %v", err)
	}

	// The settlement interval opens a window before expiry.
	h.clock.Advance(SettlementInterval)
	if _, err := h.coord.RequestSettlement(ctx, operator, id, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero final price: expected ErrInvalidArgument, got %v", err)
	}
	h.resolver.RefuseRequests(true)
	if _, err := h.coord.RequestSettlement(ctx, operator, id, 120); err == nil {
		t.Fatal("expected oracle refusal to surface")
	}
	ct, _ := h.coord.GetContract(id)
	if ct.HasSettlementInFlight() {
		t.Fatal("failed request must not leave a settlement in flight")
	}
	h.resolver.RefuseRequests(false)

	reqID, err := h.coord.RequestSettlement(ctx, operator, id, 120)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req, err := h.coord.GetDecryptionRequest(reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != state.RequestPending || !req.IsSettlement || req.ContractID != id {
		t.Errorf("unexpected request %+v", req)
	}

	h.cooldown()
	if _, err := h.coord.RequestSettlement(ctx, operator, id, 130); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second request: expected ErrAlreadyExists, got %v", err)
	}

	outs := h.drain()
	if got := countEvents(outs, event.EventTypeDecryptionRequested); got != 1 {
		t.Errorf("DecryptionRequested events = %d, want 1", got)
	}
}
