package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ConfidentialFutures/internal/authn"
	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/ledger"
	"ConfidentialFutures/internal/query"
	"ConfidentialFutures/internal/rpc"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	clock    *testClock
	owner    *authn.Signer
	gateway  *authn.Signer
	trader   *authn.Signer
	engine   *fhe.LocalEngine
	resolver *fhe.MockResolver
	coord    *core.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		clock:  &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		engine: fhe.NewLocalEngine(),
	}
	for _, s := range []**authn.Signer{&f.owner, &f.gateway, &f.trader} {
		signer, err := authn.GenerateSigner()
		if err != nil {
			t.Fatal(err)
		}
		*s = signer
	}
	f.resolver = fhe.NewMockResolver(f.engine)
	f.coord = core.NewCoordinator(core.Deps{
		Params:      core.DefaultParams(),
		Store:       ledger.NewMemoryStore(),
		Engine:      f.engine,
		Resolver:    f.resolver,
		Owner:       f.owner.Address(),
		Gateway:     f.gateway.Address(),
		Clock:       f.clock.Now,
		PersistChan: make(chan core.CoreOutput, 1024),
		Logger:      zerolog.Nop(),
	})
	return f
}

// settlementPending creates a priced contract with one long position and
// requests its settlement at finalPrice.
func (f *fixture) settlementPending(finalPrice uint64) (uint64, uint256.Int) {
	f.t.Helper()
	owner := f.owner.Address()
	id, err := f.coord.CreateContract(owner, "ETH")
	if err != nil {
		f.t.Fatalf("create: %v", err)
	}
	f.clock.Advance(2 * time.Second)
	if err := f.coord.SetReferencePrice(owner, id, 2500, 1); err != nil {
		f.t.Fatalf("price: %v", err)
	}
	if err := f.coord.OpenPosition(f.trader.Address(), id, 100, 500, 1000, true); err != nil {
		f.t.Fatalf("open: %v", err)
	}
	f.clock.Advance(core.ContractDuration + time.Hour)
	reqID, err := f.coord.RequestSettlement(context.Background(), owner, id, finalPrice)
	if err != nil {
		f.t.Fatalf("request settlement: %v", err)
	}
	return id, reqID
}

func (f *fixture) grpcClient() rpc.CoordinatorClient {
	f.t.Helper()
	srv := NewGRPCServer("", ServerDeps{
		Coordinator: f.coord,
		Decrypter:   f.resolver,
		Clock:       f.clock.Now,
		Logger:      zerolog.Nop(),
	})
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		f.t.Fatal(err)
	}
	f.t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return rpc.NewCoordinatorClient(conn)
}

func (f *fixture) settlementCallback(signer *authn.Signer, id uint256.Int, plaintext uint64) *rpc.SettlementCallbackRequest {
	f.t.Helper()
	req := &rpc.SettlementCallbackRequest{RequestID: id.Dec(), Plaintext: plaintext}
	creds, err := signer.Stamp(req.SigningPayload, f.clock.Now())
	if err != nil {
		f.t.Fatal(err)
	}
	req.Auth = creds
	return req
}

func TestSettlementCallbackOverGRPC(t *testing.T) {
	f := newFixture(t)
	client := f.grpcClient()
	ctx := context.Background()
	contractID, reqID := f.settlementPending(120)

	// Signed by someone other than the gateway.
	_, err := client.SettlementCallback(ctx, f.settlementCallback(f.trader, reqID, 120))
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("non-gateway signer: code = %s, want PermissionDenied", status.Code(err))
	}

	// Signature does not cover the tampered plaintext.
	tampered := f.settlementCallback(f.gateway, reqID, 120)
	tampered.Plaintext = 999
	_, err = client.SettlementCallback(ctx, tampered)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("tampered plaintext: code = %s, want Unauthenticated", status.Code(err))
	}

	plaintext, err := f.resolver.Decrypt(ctx, reqID)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	resp, err := client.SettlementCallback(ctx, f.settlementCallback(f.gateway, reqID, plaintext))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !resp.Accepted || resp.Duplicate || resp.Status != "FULFILLED" {
		t.Errorf("response = %+v", resp)
	}
	ct, _ := f.coord.GetContract(contractID)
	if !ct.Settled {
		t.Error("contract not settled")
	}

	resp, err = client.SettlementCallback(ctx, f.settlementCallback(f.gateway, reqID, plaintext))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !resp.Duplicate {
		t.Errorf("replayed callback not reported as duplicate: %+v", resp)
	}

	_, err = client.SettlementCallback(ctx, f.settlementCallback(f.gateway, *uint256.NewInt(424242), 1))
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown request: code = %s, want NotFound", status.Code(err))
	}
}

func TestTriggerTimeoutOverGRPC(t *testing.T) {
	f := newFixture(t)
	client := f.grpcClient()
	ctx := context.Background()
	_, reqID := f.settlementPending(120)

	stamp := func() *rpc.TriggerTimeoutRequest {
		req := &rpc.TriggerTimeoutRequest{RequestID: reqID.Dec()}
		creds, err := f.gateway.Stamp(req.SigningPayload, f.clock.Now())
		if err != nil {
			t.Fatal(err)
		}
		req.Auth = creds
		return req
	}

	resp, err := client.TriggerTimeout(ctx, stamp())
	if err != nil {
		t.Fatalf("early trigger: %v", err)
	}
	if resp.Refunded {
		t.Fatal("request refunded before its timeout")
	}

	f.clock.Advance(core.DecryptionTimeout + time.Minute)
	resp, err = client.TriggerTimeout(ctx, stamp())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !resp.Refunded || !resp.Processed {
		t.Fatalf("expired request not refunded: %+v", resp)
	}

	resp, err = client.TriggerTimeout(ctx, stamp())
	if err != nil || resp.Refunded || !resp.Processed {
		t.Fatalf("repeat trigger = %+v, %v", resp, err)
	}
	req, _ := f.coord.GetDecryptionRequest(reqID)
	if req.Status.String() != "REFUNDED" {
		t.Errorf("status = %s, want REFUNDED", req.Status)
	}
}

func TestGRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{core.ErrUnauthorized, codes.PermissionDenied},
		{core.ErrRateLimited, codes.ResourceExhausted},
		{fmt.Errorf("%w: x", core.ErrInvalidArgument), codes.InvalidArgument},
		{core.ErrOverflow, codes.InvalidArgument},
		{core.ErrNotFound, codes.NotFound},
		{core.ErrAlreadyExists, codes.AlreadyExists},
		{core.ErrRequestNotPending, codes.FailedPrecondition},
		{core.ErrSettlementNotDue, codes.FailedPrecondition},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(grpcError(tt.err)); got != tt.want {
			t.Errorf("grpcError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

// ============================================================================
// HTTP
// ============================================================================

func (f *fixture) httpHandler() http.Handler {
	f.t.Helper()
	srv, err := NewHTTPServer("", HTTPDeps{
		Coordinator: f.coord,
		PriceScale:  core.PriceScale,
		Clock:       f.clock.Now,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		f.t.Fatalf("new http server: %v", err)
	}
	return srv.Handler()
}

func (f *fixture) do(h http.Handler, signer *authn.Signer, method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			f.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		if err := signer.SignRequest(req, f.clock.Now()); err != nil {
			f.t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHTTP_ContractLifecycle(t *testing.T) {
	f := newFixture(t)
	h := f.httpHandler()

	rec := f.do(h, nil, http.MethodPost, "/v1/contracts", map[string]string{"underlying": "ETH"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned create: code = %d, want 401", rec.Code)
	}
	rec = f.do(h, f.trader, http.MethodPost, "/v1/contracts", map[string]string{"underlying": "ETH"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("trader create: code = %d, want 403", rec.Code)
	}

	rec = f.do(h, f.owner, http.MethodPost, "/v1/contracts", map[string]string{"underlying": "ETH"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: code = %d body = %s", rec.Code, rec.Body)
	}
	created := decode[contractIDResponse](t, rec)
	if created.ContractID != 1 {
		t.Fatalf("contract id = %d, want 1", created.ContractID)
	}

	f.clock.Advance(2 * time.Second)
	rec = f.do(h, f.owner, http.MethodPost, "/v1/contracts/1/price", map[string]uint64{"price": 2500, "nonce": 9})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("price: code = %d body = %s", rec.Code, rec.Body)
	}

	rec = f.do(h, f.trader, http.MethodPost, "/v1/contracts/1/positions", map[string]any{
		"entry_price": 100, "amount": 500, "collateral": 1000, "is_long": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: code = %d body = %s", rec.Code, rec.Body)
	}
	pos := decode[query.PositionView](t, rec)
	if !pos.IsLong || pos.Status != "ACTIVE" || pos.AmountHandle == "" {
		t.Errorf("position = %+v", pos)
	}

	rec = f.do(h, nil, http.MethodGet, "/v1/contracts/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get contract: code = %d", rec.Code)
	}
	ct := decode[query.ContractView](t, rec)
	if !ct.PriceSet || len(ct.Traders) != 1 || ct.Traders[0] != f.trader.Address().Hex() {
		t.Errorf("contract = %+v", ct)
	}

	rec = f.do(h, nil, http.MethodGet, "/v1/contracts/1/positions/"+f.trader.Address().Hex(), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get position: code = %d", rec.Code)
	}

	// Settlement is not due before expiry.
	f.clock.Advance(2 * time.Second)
	rec = f.do(h, f.owner, http.MethodPost, "/v1/contracts/1/settlement", map[string]uint64{"final_price": 120})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("early settlement: code = %d body = %s", rec.Code, rec.Body)
	}

	f.clock.Advance(core.ContractDuration + time.Hour)
	rec = f.do(h, f.owner, http.MethodPost, "/v1/contracts/1/settlement", map[string]uint64{"final_price": 120})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("settlement: code = %d body = %s", rec.Code, rec.Body)
	}
	reqID := decode[requestIDResponse](t, rec).RequestID

	rec = f.do(h, nil, http.MethodGet, "/v1/requests/"+reqID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get request: code = %d", rec.Code)
	}
	view := decode[query.RequestView](t, rec)
	if view.Kind != query.KindSettlement || view.Status != "PENDING" || view.ContractID != 1 {
		t.Errorf("request view = %+v", view)
	}

	rec = f.do(h, nil, http.MethodGet, "/v1/audit?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: code = %d", rec.Code)
	}
	if entries := decode[[]query.AuditEntryView](t, rec); len(entries) != 4 {
		t.Errorf("audit entries = %d, want 4", len(entries))
	}

	rec = f.do(h, nil, http.MethodGet, "/v1/audit/"+f.owner.Address().Hex()+"/stats", nil)
	if stats := decode[auditStatsView](t, rec); stats.Count != 3 {
		t.Errorf("owner stats = %+v, want count 3", stats)
	}
}

func TestHTTP_BadInput(t *testing.T) {
	f := newFixture(t)
	h := f.httpHandler()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"non-numeric contract id", http.MethodGet, "/v1/contracts/abc", nil, http.StatusBadRequest},
		{"missing contract", http.MethodGet, "/v1/contracts/7", nil, http.StatusNotFound},
		{"bad trader address", http.MethodGet, "/v1/balances/nope", nil, http.StatusBadRequest},
		{"zero request id", http.MethodGet, "/v1/requests/0", nil, http.StatusBadRequest},
		{"unknown request", http.MethodGet, "/v1/requests/55", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/v1/audit?limit=-1", nil, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/contracts", map[string]string{"symbol": "ETH"}, http.StatusBadRequest},
		{"bad operator", http.MethodPost, "/v1/admin/operators", map[string]string{"address": "0x12"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(h, f.owner, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if body := decode[errorBody](t, rec); body.Code == "" {
				t.Errorf("error body missing code: %s", rec.Body)
			}
		})
	}
}

func TestHTTP_Admin(t *testing.T) {
	f := newFixture(t)
	h := f.httpHandler()
	op := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	rec := f.do(h, f.trader, http.MethodPost, "/v1/admin/operators", map[string]string{"address": op.Hex()})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("trader add operator: code = %d", rec.Code)
	}
	rec = f.do(h, f.owner, http.MethodPost, "/v1/admin/operators", map[string]string{"address": op.Hex()})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("add operator: code = %d body = %s", rec.Code, rec.Body)
	}
	if !f.coord.IsOperator(op) {
		t.Fatal("operator not registered")
	}
	rec = f.do(h, f.owner, http.MethodDelete, "/v1/admin/operators/"+op.Hex(), nil)
	if rec.Code != http.StatusNoContent || f.coord.IsOperator(op) {
		t.Fatalf("remove operator: code = %d", rec.Code)
	}

	newGateway := f.trader.Address()
	rec = f.do(h, f.owner, http.MethodPut, "/v1/admin/gateway", map[string]string{"address": newGateway.Hex()})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set gateway: code = %d body = %s", rec.Code, rec.Body)
	}
	rec = f.do(h, nil, http.MethodGet, "/v1/admin/gateway", nil)
	if got := decode[addressBody](t, rec).Address; got != newGateway.Hex() {
		t.Errorf("gateway = %s, want %s", got, newGateway.Hex())
	}
}

func TestHTTP_RateLimited(t *testing.T) {
	f := newFixture(t)
	srv, err := NewHTTPServer("", HTTPDeps{
		Coordinator: f.coord,
		Limiter:     NewIPRateLimiter(rate.Limit(1), 2),
		Clock:       f.clock.Now,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := srv.Handler()

	got := make([]int, 0, 3)
	for range 3 {
		got = append(got, f.do(h, nil, http.MethodGet, "/v1/admin/gateway", nil).Code)
	}
	if got[0] != http.StatusOK || got[1] != http.StatusOK || got[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrUnauthorized, http.StatusForbidden},
		{core.ErrRateLimited, http.StatusTooManyRequests},
		{core.ErrOverflow, http.StatusBadRequest},
		{query.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", core.ErrNotFound), http.StatusNotFound},
		{core.ErrAlreadyExists, http.StatusConflict},
		{core.ErrRefundNotAvailable, http.StatusUnprocessableEntity},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/contracts/12/positions/0x00000000000000000000000000000000000000bb": "/v1/contracts/:id/positions/:id",
		"/v1/requests/340282366920938463463374607431768211455":                   "/v1/requests/:id",
		"/v1/admin/gateway": "/v1/admin/gateway",
	}
	for path, want := range tests {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if got := routeLabel(req); got != want {
			t.Errorf("routeLabel(%s) = %s, want %s", path, got, want)
		}
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("burst exceeded but allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("second client shares the first client's bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("token not refilled after one second")
	}

	now = now.Add(10 * time.Minute)
	if n := l.Cleanup(time.Minute); n != 2 {
		t.Errorf("cleanup removed %d, want 2", n)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("remote addr: %s", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := clientIP(req); got != "198.51.100.7" {
		t.Errorf("x-real-ip: %s", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("x-forwarded-for: %s", got)
	}
}
