package persistence_test

import (
	"context"
	"testing"
	"time"

	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/ledger"
	"ConfidentialFutures/internal/persistence"
	"ConfidentialFutures/internal/state"
	"ConfidentialFutures/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	gateway  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func TestStateRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	engine := fhe.NewLocalEngine()
	outputs := make(chan core.CoreOutput, 64)
	store := ledger.NewMemoryStore()
	coord := core.NewCoordinator(core.Deps{
		Params:      core.DefaultParams(),
		Store:       store,
		Engine:      engine,
		Resolver:    fhe.NewLocalResolver(engine),
		Owner:       owner,
		Gateway:     gateway,
		Clock:       clock,
		PersistChan: outputs,
		Logger:      zerolog.Nop(),
	})

	step := func(name string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		now = now.Add(2 * time.Second)
	}
	step("add operator", coord.AddOperator(owner, operator))
	id, err := coord.CreateContract(operator, "BTC")
	step("create contract", err)
	step("set price", coord.SetReferencePrice(operator, id, 60000, 7))
	step("open", coord.OpenPosition(alice, id, 60000, 10, 500, true))
	now = now.Add(core.ContractDuration)
	reqID, err := coord.RequestSettlement(ctx, operator, id, 61000)
	step("request settlement", err)
	step("callback", coord.HandleSettlementCallback(gateway, reqID, 61000))

	writer := persistence.NewStateWriter(db)
	var batch persistence.Batch
	close(outputs)
	for out := range outputs {
		batch.Add(out)
	}
	if err := writer.WriteBatch(ctx, &batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	// A second write of the same batch is a no-op.
	if err := writer.WriteBatch(ctx, &batch); err != nil {
		t.Fatalf("rewrite batch: %v", err)
	}

	rec, err := persistence.NewLoader(db).Load(ctx, 100, core.DefaultAuditRetention)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.NextSequence != batch.LastSequence()+1 {
		t.Errorf("NextSequence = %d, want %d", rec.NextSequence, batch.LastSequence()+1)
	}
	if len(rec.Processed) != 1 || rec.Processed[0] != reqID {
		t.Errorf("processed = %v, want [%s]", rec.Processed, reqID.Dec())
	}
	if err := core.VerifyChain(rec.RecentAudit); err != nil {
		t.Errorf("restored audit chain: %v", err)
	}

	restored := ledger.NewMemoryStore()
	restored.Restore(rec.Snapshot)

	ct, ok := restored.Contract(id)
	if !ok || !ct.Settled || ct.DecryptedPrice != 61000 || len(ct.Traders) != 1 {
		t.Fatalf("restored contract = %+v", ct)
	}
	pos, ok := restored.Position(state.PositionKey{ContractID: id, Trader: alice})
	if !ok || pos.Status != state.PositionSettled {
		t.Fatalf("restored position = %+v", pos)
	}
	req, ok := restored.DecryptionRequest(reqID)
	if !ok || req.Status != state.RequestFulfilled {
		t.Fatalf("restored request = %+v", req)
	}
	balance, ok := restored.Balance(alice)
	if !ok {
		t.Fatal("balance not restored")
	}
	want, _ := engine.Reveal(balance)
	restoredEngine := fhe.NewLocalEngine()
	restoredEngine.Restore(rec.Snapshot.Ciphertexts)
	if got, ok := restoredEngine.Reveal(balance); !ok || got != want {
		t.Errorf("restored balance value = %d (known=%v), want %d", got, ok, want)
	}
	last, open := rec.OpenDecryptions()
	if last != reqID || len(open) != 0 {
		t.Errorf("OpenDecryptions = %s %v, want %s and none open", last.Dec(), open, reqID.Dec())
	}
	if restored.Gateway() != gateway || !restored.IsOperator(operator) {
		t.Errorf("roles not restored: gateway=%s", restored.Gateway().Hex())
	}
}
