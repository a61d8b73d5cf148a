package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ConfidentialFutures/internal/authn"
	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/observability"
	"ConfidentialFutures/internal/query"
	"ConfidentialFutures/internal/rpc"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

// HTTPDeps wires the HTTP API.
type HTTPDeps struct {
	Coordinator *core.Coordinator
	// Queries serves persisted history; nil disables the /v1/history routes.
	Queries    *query.QueryService
	Hub        *WSHub
	Health     *observability.HealthChecker
	Limiter    *IPRateLimiter
	PriceScale uint64
	Clock      func() time.Time
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// HTTPServer serves the JSON API on a grpc-gateway runtime mux, plus
// health probes and the WebSocket event stream.
type HTTPServer struct {
	deps       HTTPDeps
	httpServer *http.Server
	handler    http.Handler
}

func NewHTTPServer(addr string, deps HTTPDeps) (*HTTPServer, error) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	s := &HTTPServer{deps: deps}

	mux := runtime.NewServeMux()
	if err := s.routes(mux); err != nil {
		return nil, err
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Hub != nil {
		root.HandleFunc("/v1/events/ws", deps.Hub.HandleWS)
	}
	root.Handle("/", mux)

	var h http.Handler = root
	h = authn.Middleware(deps.Clock, authn.DefaultWindow, func(w http.ResponseWriter, err error) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "unauthenticated"})
	})(h)
	if deps.Limiter != nil {
		h = deps.Limiter.Middleware(h)
	}
	if deps.Metrics != nil {
		h = deps.Metrics.HTTPMiddleware(routeLabel, h)
	}
	s.handler = h
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is done.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) routes(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		// Contracts and positions.
		{http.MethodPost, "/v1/contracts", s.createContract},
		{http.MethodGet, "/v1/contracts/{contract_id}", s.getContract},
		{http.MethodPost, "/v1/contracts/{contract_id}/price", s.setReferencePrice},
		{http.MethodPost, "/v1/contracts/{contract_id}/positions", s.openPosition},
		{http.MethodGet, "/v1/contracts/{contract_id}/positions/{trader}", s.getPosition},
		{http.MethodPost, "/v1/contracts/{contract_id}/settlement", s.requestSettlement},
		{http.MethodPost, "/v1/contracts/{contract_id}/refund", s.requestManualRefund},

		// Withdrawals and balances.
		{http.MethodPost, "/v1/withdrawals", s.requestWithdrawal},
		{http.MethodGet, "/v1/balances/{trader}", s.getBalance},
		{http.MethodGet, "/v1/requests/{request_id}", s.getRequest},

		// Audit.
		{http.MethodGet, "/v1/audit", s.getAuditTrail},
		{http.MethodGet, "/v1/audit/{actor}/stats", s.getAuditStats},

		// Administration.
		{http.MethodPost, "/v1/admin/operators", s.addOperator},
		{http.MethodDelete, "/v1/admin/operators/{address}", s.removeOperator},
		{http.MethodPut, "/v1/admin/gateway", s.setGateway},
		{http.MethodGet, "/v1/admin/gateway", s.getGateway},
	}
	if s.deps.Queries != nil {
		routes = append(routes, []struct {
			method, pattern string
			h               runtime.HandlerFunc
		}{
			{http.MethodGet, "/v1/history/contracts", s.listContracts},
			{http.MethodGet, "/v1/history/positions", s.listPositions},
			{http.MethodGet, "/v1/history/requests/{request_id}", s.historyRequest},
			{http.MethodGet, "/v1/history/events", s.listEvents},
			{http.MethodGet, "/v1/history/audit", s.historyAudit},
			{http.MethodGet, "/v1/admin/integrity", s.verifyIntegrity},
		}...)
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Mutations
// ============================================================================

func (s *HTTPServer) createContract(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		Underlying string `json:"underlying"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.deps.Coordinator.CreateContract(caller, body.Underlying)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contractIDResponse{ContractID: id})
}

func (s *HTTPServer) setReferencePrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, params, "contract_id")
	if !ok {
		return
	}
	var body struct {
		Price uint64 `json:"price"`
		Nonce uint64 `json:"nonce"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Coordinator.SetReferencePrice(caller, id, body.Price, body.Nonce); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) openPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, params, "contract_id")
	if !ok {
		return
	}
	var body struct {
		EntryPrice uint64 `json:"entry_price"`
		Amount     uint64 `json:"amount"`
		Collateral uint64 `json:"collateral"`
		IsLong     bool   `json:"is_long"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Coordinator.OpenPosition(caller, id, body.EntryPrice, body.Amount, body.Collateral, body.IsLong); err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.deps.Coordinator.GetPosition(id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionView(pos, s.deps.Coordinator.LastSequence()))
}

func (s *HTTPServer) requestSettlement(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, params, "contract_id")
	if !ok {
		return
	}
	var body struct {
		FinalPrice uint64 `json:"final_price"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	reqID, err := s.deps.Coordinator.RequestSettlement(r.Context(), caller, id, body.FinalPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, requestIDResponse{RequestID: reqID.Dec()})
}

func (s *HTTPServer) requestManualRefund(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, params, "contract_id")
	if !ok {
		return
	}
	if err := s.deps.Coordinator.RequestManualRefund(caller, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) requestWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	reqID, err := s.deps.Coordinator.RequestWithdrawal(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, requestIDResponse{RequestID: reqID.Dec()})
}

type addressBody struct {
	Address string `json:"address"`
}

func (s *HTTPServer) addOperator(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body addressBody
	if !decodeBody(w, r, &body) {
		return
	}
	addr, ok := parseAddress(w, body.Address)
	if !ok {
		return
	}
	if err := s.deps.Coordinator.AddOperator(caller, addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) removeOperator(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	addr, ok := parseAddress(w, params["address"])
	if !ok {
		return
	}
	if err := s.deps.Coordinator.RemoveOperator(caller, addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) setGateway(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body addressBody
	if !decodeBody(w, r, &body) {
		return
	}
	addr, ok := parseAddress(w, body.Address)
	if !ok {
		return
	}
	if err := s.deps.Coordinator.SetGateway(caller, addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Live reads
// ============================================================================

func (s *HTTPServer) getContract(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUint(w, params, "contract_id")
	if !ok {
		return
	}
	ct, err := s.deps.Coordinator.GetContract(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractView(ct, s.deps.PriceScale, s.deps.Coordinator.LastSequence()))
}

func (s *HTTPServer) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathUint(w, params, "contract_id")
	if !ok {
		return
	}
	trader, ok := parseAddress(w, params["trader"])
	if !ok {
		return
	}
	pos, err := s.deps.Coordinator.GetPosition(id, trader)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos, s.deps.Coordinator.LastSequence()))
}

func (s *HTTPServer) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	trader, ok := parseAddress(w, params["trader"])
	if !ok {
		return
	}
	handle, err := s.deps.Coordinator.GetBalanceHandle(trader)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{
		Trader:       trader.Hex(),
		Handle:       handle.Hex(),
		AsOfSequence: s.deps.Coordinator.LastSequence(),
	})
}

// getRequest looks the id up as a settlement request, then as a withdrawal.
func (s *HTTPServer) getRequest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := rpc.ParseRequestID(params["request_id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_argument"})
		return
	}
	asOf := s.deps.Coordinator.LastSequence()
	if req, err := s.deps.Coordinator.GetDecryptionRequest(id); err == nil {
		writeJSON(w, http.StatusOK, settlementRequestView(req, s.deps.PriceScale, asOf))
		return
	}
	req, err := s.deps.Coordinator.GetWithdrawalRequest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalRequestView(req, asOf))
}

func (s *HTTPServer) getAuditTrail(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	after, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	entries := s.deps.Coordinator.AuditTrail(after, limit)
	out := make([]query.AuditEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) getAuditStats(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, ok := parseAddress(w, params["actor"])
	if !ok {
		return
	}
	c := s.deps.Coordinator.AuditStats(actor)
	v := auditStatsView{Actor: actor.Hex(), Count: c.Count}
	if !c.LastAction.IsZero() {
		v.LastAction = c.LastAction.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *HTTPServer) getGateway(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, addressBody{Address: s.deps.Coordinator.Gateway().Hex()})
}

// ============================================================================
// Persisted history
// ============================================================================

func (s *HTTPServer) listContracts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	after, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"
	out, err := s.deps.Queries.ListContracts(r.Context(), uint64(max(after, 0)), limit, openOnly)
	s.respondQuery(w, "list_contracts", out, err)
}

func (s *HTTPServer) listPositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	var contractID *uint64
	if raw := q.Get("contract_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid contract_id", Code: "invalid_argument"})
			return
		}
		contractID = &id
	}
	var trader *common.Address
	if raw := q.Get("trader"); raw != "" {
		addr, ok := parseAddress(w, raw)
		if !ok {
			return
		}
		trader = &addr
	}
	out, err := s.deps.Queries.GetPositions(r.Context(), contractID, trader)
	s.respondQuery(w, "list_positions", out, err)
}

func (s *HTTPServer) historyRequest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	out, err := s.deps.Queries.GetRequest(r.Context(), params["request_id"])
	s.respondQuery(w, "get_request", out, err)
}

func (s *HTTPServer) listEvents(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	after, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	out, err := s.deps.Queries.GetEvents(r.Context(), after, limit, r.URL.Query().Get("type"))
	s.respondQuery(w, "list_events", out, err)
}

func (s *HTTPServer) historyAudit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	after, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	var actor *common.Address
	if raw := r.URL.Query().Get("actor"); raw != "" {
		addr, ok := parseAddress(w, raw)
		if !ok {
			return
		}
		actor = &addr
	}
	out, err := s.deps.Queries.GetAuditTrail(r.Context(), actor, after, limit)
	s.respondQuery(w, "history_audit", out, err)
}

func (s *HTTPServer) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.Queries.VerifyIntegrity(r.Context())
	s.respondQuery(w, "verify_integrity", report, err)
}

func (s *HTTPServer) respondQuery(w http.ResponseWriter, endpoint string, v any, err error) {
	if m := s.deps.Metrics; m != nil {
		status := "ok"
		if err != nil {
			status = "error"
			m.QueryErrors.WithLabelValues(endpoint, errorCode(err)).Inc()
		}
		m.QueryRequests.WithLabelValues(endpoint, status).Inc()
	}
	if err != nil {
		if !errors.Is(err, query.ErrNotFound) {
			s.deps.Logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ============================================================================
// Helpers
// ============================================================================

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorBody{Error: err.Error(), Code: errorCode(err)})
}

// httpStatus maps coordinator and query errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound), errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrContractInactive),
		errors.Is(err, core.ErrRequestNotPending),
		errors.Is(err, core.ErrSettlementNotDue),
		errors.Is(err, core.ErrRefundNotAvailable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, core.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, core.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, core.ErrOverflow):
		return "overflow"
	case errors.Is(err, core.ErrNotFound), errors.Is(err, query.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, core.ErrContractInactive):
		return "contract_inactive"
	case errors.Is(err, core.ErrRequestNotPending):
		return "request_not_pending"
	case errors.Is(err, core.ErrSettlementNotDue):
		return "settlement_not_due"
	case errors.Is(err, core.ErrRefundNotAvailable):
		return "refund_not_available"
	default:
		return "internal"
	}
}

func requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := authn.CallerFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "signed request required", Code: "unauthenticated"})
	}
	return caller, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error(), Code: "invalid_argument"})
		return false
	}
	return true
}

func pathUint(w http.ResponseWriter, params map[string]string, name string) (uint64, bool) {
	v, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + name, Code: "invalid_argument"})
		return 0, false
	}
	return v, true
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid address %q", s), Code: "invalid_argument"})
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// pageParams reads the "after" cursor (default -1) and "limit" query
// parameters.
func pageParams(w http.ResponseWriter, r *http.Request) (after int64, limit int, ok bool) {
	q := r.URL.Query()
	after = -1
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid after", Code: "invalid_argument"})
			return 0, 0, false
		}
		after = v
	}
	limit = 100
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit", Code: "invalid_argument"})
			return 0, 0, false
		}
		limit = min(v, 1000)
	}
	return after, limit, true
}

// routeLabel collapses ids and addresses so metric labels stay bounded.
func routeLabel(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, p := range parts {
		if isDigits(p) || strings.HasPrefix(p, "0x") {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
