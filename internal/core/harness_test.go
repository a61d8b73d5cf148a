package core

import (
	"context"
	"testing"
	"time"

	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	gateway  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000ca401")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type harness struct {
	t        *testing.T
	params   Params
	clock    *fakeClock
	engine   *fhe.LocalEngine
	resolver *fhe.MockResolver
	store    *ledger.MemoryStore
	outputs  chan CoreOutput
	coord    *Coordinator

	// history is every output ever drained, in order.
	history []CoreOutput
}

func newHarness(t *testing.T, mutate ...func(*Params)) *harness {
	t.Helper()
	params := DefaultParams()
	for _, m := range mutate {
		m(&params)
	}

	h := &harness{
		t:       t,
		params:  params,
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		engine:  fhe.NewLocalEngine(),
		store:   ledger.NewMemoryStore(),
		outputs: make(chan CoreOutput, 1024),
	}
	h.resolver = fhe.NewMockResolver(h.engine)
	h.coord = NewCoordinator(Deps{
		Params:      params,
		Store:       h.store,
		Engine:      h.engine,
		Resolver:    h.resolver,
		Processed:   NewProcessedSet(0, nil),
		Owner:       owner,
		Gateway:     gateway,
		Clock:       h.clock.Now,
		PersistChan: h.outputs,
		Logger:      zerolog.Nop(),
	})

	if err := h.coord.AddOperator(owner, operator); err != nil {
		t.Fatalf("add operator: %v", err)
	}
	h.drain()
	return h
}

// drain returns every output emitted since the last drain.
func (h *harness) drain() []CoreOutput {
	var out []CoreOutput
	for {
		select {
		case o := <-h.outputs:
			out = append(out, o)
			h.history = append(h.history, o)
		default:
			return out
		}
	}
}

func eventTypes(outs []CoreOutput) []event.EventType {
	var types []event.EventType
	for _, o := range outs {
		for _, env := range o.Events {
			if env.EventType != event.EventTypeAuditLog {
				types = append(types, env.EventType)
			}
		}
	}
	return types
}

func countEvents(outs []CoreOutput, et event.EventType) int {
	n := 0
	for _, o := range outs {
		for _, env := range o.Events {
			if env.EventType == et {
				n++
			}
		}
	}
	return n
}

// cooldown advances the clock past the per-actor rate limit.
func (h *harness) cooldown() {
	h.clock.Advance(RateLimitCooldown)
}

// newContract creates a contract with a reference price set.
func (h *harness) newContract() uint64 {
	h.t.Helper()
	id, err := h.coord.CreateContract(operator, "ETH")
	if err != nil {
		h.t.Fatalf("create contract: %v", err)
	}
	h.cooldown()
	if err := h.coord.SetReferencePrice(operator, id, 2500, 42); err != nil {
		h.t.Fatalf("set reference price: %v", err)
	}
	h.cooldown()
	return id
}

func (h *harness) open(trader common.Address, contractID, entry, amount, collateral uint64, isLong bool) {
	h.t.Helper()
	if err := h.coord.OpenPosition(trader, contractID, entry, amount, collateral, isLong); err != nil {
		h.t.Fatalf("open position for %s: %v", trader.Hex(), err)
	}
}

// requestSettlement moves the clock past expiry and requests settlement.
func (h *harness) requestSettlement(contractID, finalPrice uint64) uint256.Int {
	h.t.Helper()
	ct, err := h.coord.GetContract(contractID)
	if err != nil {
		h.t.Fatalf("get contract: %v", err)
	}
	if h.clock.now.Before(ct.ExpiryTime) {
		h.clock.now = ct.ExpiryTime
	}
	h.cooldown()
	id, err := h.coord.RequestSettlement(context.Background(), operator, contractID, finalPrice)
	if err != nil {
		h.t.Fatalf("request settlement: %v", err)
	}
	return id
}

func (h *harness) balance(trader common.Address) uint64 {
	h.t.Helper()
	ct, err := h.coord.GetBalanceHandle(trader)
	if err != nil {
		h.t.Fatalf("balance handle for %s: %v", trader.Hex(), err)
	}
	v, ok := h.engine.Reveal(ct)
	if !ok {
		h.t.Fatalf("balance handle for %s unknown to engine", trader.Hex())
	}
	return v
}
