package gateway

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"ConfidentialFutures/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ChainReader is the chain state the health probe reads. *ethclient.Client
// implements it.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ ChainReader = (*ethclient.Client)(nil)

type ChainStatus struct {
	ChainID     string `json:"chain_id,omitempty"`
	GasPriceWei string `json:"gas_price_wei,omitempty"`
	BalanceWei  string `json:"balance_wei,omitempty"`
	LowBalance  bool   `json:"low_balance,omitempty"`
	Error       string `json:"error,omitempty"`
}

type HealthReport struct {
	Status   string        `json:"status"`
	Operator string        `json:"operator"`
	Chain    *ChainStatus  `json:"chain,omitempty"`
	Tracker  map[State]int `json:"tracker"`
	At       time.Time     `json:"at"`
}

// HealthProbe reports chain connectivity, gas price and the operator's
// balance, plus tracker sizes.
type HealthProbe struct {
	chain      ChainReader
	operator   common.Address
	minBalance *big.Int
	tracker    *Tracker
	timeout    time.Duration
}

// NewHealthProbe returns a probe. chain may be nil when no RPC endpoint is
// configured; the report then covers the tracker only.
func NewHealthProbe(chain ChainReader, operator common.Address, minBalance *big.Int, tracker *Tracker) *HealthProbe {
	if minBalance == nil {
		minBalance = new(big.Int)
	}
	return &HealthProbe{
		chain:      chain,
		operator:   operator,
		minBalance: minBalance,
		tracker:    tracker,
		timeout:    5 * time.Second,
	}
}

func (p *HealthProbe) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:   "ok",
		Operator: p.operator.Hex(),
		Tracker:  p.tracker.Counts(),
		At:       time.Now().UTC(),
	}
	if p.chain == nil {
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	cs := &ChainStatus{}
	report.Chain = cs

	chainID, err := p.chain.ChainID(ctx)
	if err != nil {
		cs.Error = "chain id: " + err.Error()
		report.Status = "degraded"
		return report
	}
	cs.ChainID = chainID.String()

	if gas, err := p.chain.SuggestGasPrice(ctx); err != nil {
		cs.Error = "gas price: " + err.Error()
		report.Status = "degraded"
	} else {
		cs.GasPriceWei = gas.String()
	}

	balance, err := p.chain.BalanceAt(ctx, p.operator, nil)
	if err != nil {
		cs.Error = "balance: " + err.Error()
		report.Status = "degraded"
		return report
	}
	cs.BalanceWei = balance.String()
	if balance.Cmp(p.minBalance) < 0 {
		cs.LowBalance = true
		report.Status = "degraded"
	}
	return report
}

// NewOpsRouter serves the worker's operational endpoints.
func NewOpsRouter(probe *HealthProbe, health *observability.HealthChecker, tracker *Tracker, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		report := probe.Check(r.Context())
		code := http.StatusOK
		if report.Status != "ok" {
			code = http.StatusServiceUnavailable
			logger.Warn().Interface("chain", report.Chain).Msg("health degraded")
		}
		writeJSON(w, code, report)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/requests", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			st := State(r.URL.Query().Get("state"))
			if st == "" {
				st = StatePending
			}
			out := make([]recordView, 0)
			for _, rec := range tracker.InState(st) {
				out = append(out, viewOf(rec))
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Get("/{requestID}", func(w http.ResponseWriter, r *http.Request) {
			id, err := uint256.FromDecimal(chi.URLParam(r, "requestID"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request id"})
				return
			}
			rec, ok := tracker.Get(*id)
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not tracked"})
				return
			}
			writeJSON(w, http.StatusOK, viewOf(rec))
		})
	})
	return r
}

type recordView struct {
	RequestID  string    `json:"request_id"`
	Kind       Kind      `json:"kind"`
	ContractID uint64    `json:"contract_id,omitempty"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func viewOf(r Record) recordView {
	return recordView(toStored(r))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
