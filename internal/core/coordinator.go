package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/ledger"
	"ConfidentialFutures/internal/observability"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// SweeperActor is the audit actor recorded for refunds forced by the
// in-process timeout sweeper.
var SweeperActor = common.Address{}

// CoreOutput is everything one successful operation produced.
type CoreOutput struct {
	Events    []event.Envelope
	Changes   *ledger.ChangeSet
	Processed []uint256.Int
	Audit     []state.AuditEntry
}

// Deps wires a Coordinator.
type Deps struct {
	Params    Params
	Store     ledger.Store
	Engine    fhe.Engine
	Resolver  fhe.Resolver
	Processed *ProcessedSet
	Audit     *AuditTrail
	Owner     common.Address
	// Gateway is installed when the store has none yet.
	Gateway common.Address
	Clock   func() time.Time

	// StartSequence is the sequence of the next emitted event.
	StartSequence int64

	// PersistChan receives every output with a blocking send.
	PersistChan chan<- CoreOutput
	// PublishChan receives outputs with a non-blocking send.
	PublishChan chan<- CoreOutput

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Coordinator is the settlement state machine. Every public method holds
// one mutex for its whole duration, so each call is atomic with respect to
// every other call.
type Coordinator struct {
	mu sync.Mutex

	params    Params
	store     ledger.Store
	engine    fhe.Engine
	resolver  fhe.Resolver
	processed *ProcessedSet
	audit     *AuditTrail
	owner     common.Address
	clock     func() time.Time
	sequence  int64

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
	metrics     *observability.Metrics
	logger      zerolog.Logger

	// Per-operation scratch, reset by run.
	pending          []event.Envelope
	pendingProcessed []uint256.Int
	pendingAudit     []state.AuditEntry
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Processed == nil {
		d.Processed = NewProcessedSet(0, nil)
	}
	if d.Audit == nil {
		d.Audit = NewAuditTrail(DefaultAuditRetention)
	}
	c := &Coordinator{
		params:      d.Params,
		store:       d.Store,
		engine:      d.Engine,
		resolver:    d.Resolver,
		processed:   d.Processed,
		audit:       d.Audit,
		owner:       d.Owner,
		clock:       d.Clock,
		sequence:    d.StartSequence,
		persistChan: d.PersistChan,
		publishChan: d.PublishChan,
		metrics:     d.Metrics,
		logger:      d.Logger,
	}

	if c.store.Gateway() == (common.Address{}) && d.Gateway != (common.Address{}) {
		c.store.SetGateway(d.Gateway)
	}
	if c.store.LastSettlementAt().IsZero() {
		c.store.SetLastSettlementAt(c.clock())
	}
	// Bootstrap writes are persisted with the first operation.
	return c
}

// run executes op under the mutex. On success the accumulated output is
// emitted; on failure nothing has been mutated.
func (c *Coordinator) run(op string, fn func(now time.Time) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	c.pending = nil
	c.pendingProcessed = nil
	c.pendingAudit = nil

	err := fn(c.clock())
	if err != nil {
		if len(c.pending) > 0 || len(c.pendingProcessed) > 0 {
			panic(fmt.Sprintf("FATAL: %s emitted output before failing: %v", op, err))
		}
	} else {
		c.commit()
	}

	c.observe(op, start, err)
	return err
}

func (c *Coordinator) commit() {
	if len(c.pending) == 0 && len(c.pendingProcessed) == 0 {
		return
	}
	changes := c.store.TakeChanges()
	if j, ok := c.engine.(fhe.Journal); ok {
		changes.Ciphertexts = j.TakeWritten()
	}
	out := CoreOutput{
		Events:    c.pending,
		Changes:   changes,
		Processed: c.pendingProcessed,
		Audit:     c.pendingAudit,
	}

	// Persistence: blocking send. The coordinator stalls until the
	// persistence worker drains so no output is lost.
	if c.persistChan != nil {
		c.persistChan <- out
	}

	// Publication: non-blocking send, drop on full.
	if c.publishChan != nil {
		select {
		case c.publishChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.PublishDropped.Inc()
			}
		}
	}

	if c.metrics != nil {
		c.metrics.EventSequence.Set(float64(c.sequence))
	}
}

func (c *Coordinator) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsCallerError(err):
		result = "rejected"
	default:
		result = "error"
	}
	c.metrics.OperationsTotal.WithLabelValues(op, result).Inc()
	c.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Coordinator) emit(evt event.Event, now time.Time) {
	c.pending = append(c.pending, event.Envelope{
		Sequence:       c.sequence,
		EventID:        uuid.New(),
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		ContractID:     evt.ContractRef(),
		Timestamp:      now,
		Payload:        evt,
	})
	c.sequence++
}

func (c *Coordinator) markProcessed(id uint256.Int) {
	c.processed.Add(id)
	c.pendingProcessed = append(c.pendingProcessed, id)
}

// record appends the audit entry for a successful call and advances the
// actor's rate limit counter.
func (c *Coordinator) record(actor common.Address, action string, contractID uint64, now time.Time) {
	entry := c.audit.Append(actor, action, contractID, now)
	c.pendingAudit = append(c.pendingAudit, entry)

	if actor != SweeperActor {
		counter, _ := c.store.AuditCounter(actor)
		counter.LastAction = now
		counter.Count++
		c.store.PutAuditCounter(actor, counter)
	}

	c.emit(&event.AuditLog{
		EntryID:    entry.EntryID,
		Actor:      actor,
		Action:     action,
		ContractID: contractID,
		Timestamp:  now,
		Hash:       common.Hash(entry.Hash).Hex(),
	}, now)
}

func (c *Coordinator) checkRateLimit(caller common.Address, now time.Time) error {
	counter, seen := c.store.AuditCounter(caller)
	return rateLimit(counter, seen, now, c.params.RateLimitCooldown).Err()
}

func (c *Coordinator) contract(id uint64) (*state.FuturesContract, error) {
	ct, ok := c.store.Contract(id)
	if !ok {
		return nil, fmt.Errorf("%w: contract %d", ErrNotFound, id)
	}
	return ct, nil
}

func (c *Coordinator) gatewayGuard(caller common.Address) error {
	return onlyGateway(caller, c.store.Gateway(), c.owner, c.params.DevMode).Err()
}

// --- Administration ---

func (c *Coordinator) AddOperator(caller, operator common.Address) error {
	return c.run("addOperator", func(now time.Time) error {
		if err := onlyOwner(caller, c.owner).Err(); err != nil {
			return err
		}
		if operator == (common.Address{}) {
			return fmt.Errorf("%w: zero operator address", ErrInvalidArgument)
		}
		if c.store.IsOperator(operator) {
			return fmt.Errorf("%w: operator %s", ErrAlreadyExists, operator.Hex())
		}
		c.store.SetOperator(operator, true)
		c.record(caller, "addOperator", 0, now)
		return nil
	})
}

func (c *Coordinator) RemoveOperator(caller, operator common.Address) error {
	return c.run("removeOperator", func(now time.Time) error {
		if err := onlyOwner(caller, c.owner).Err(); err != nil {
			return err
		}
		if !c.store.IsOperator(operator) {
			return fmt.Errorf("%w: operator %s", ErrNotFound, operator.Hex())
		}
		c.store.SetOperator(operator, false)
		c.record(caller, "removeOperator", 0, now)
		return nil
	})
}

// SetGateway rotates the address allowed to deliver decryption callbacks.
func (c *Coordinator) SetGateway(caller, gateway common.Address) error {
	return c.run("setGateway", func(now time.Time) error {
		if err := onlyOwner(caller, c.owner).Err(); err != nil {
			return err
		}
		if gateway == (common.Address{}) {
			return fmt.Errorf("%w: zero gateway address", ErrInvalidArgument)
		}
		c.store.SetGateway(gateway)
		c.record(caller, "setGateway", 0, now)
		c.logger.Info().Str("gateway", gateway.Hex()).Msg("gateway rotated")
		return nil
	})
}

// --- Reads ---

func (c *Coordinator) GetContract(id uint64) (*state.FuturesContract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, err := c.contract(id)
	if err != nil {
		return nil, err
	}
	return ct.Clone(), nil
}

func (c *Coordinator) GetPosition(contractID uint64, trader common.Address) (*state.TraderPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.store.Position(state.PositionKey{ContractID: contractID, Trader: trader})
	if !ok {
		return nil, fmt.Errorf("%w: position %d/%s", ErrNotFound, contractID, trader.Hex())
	}
	cp := *p
	return &cp, nil
}

func (c *Coordinator) GetDecryptionRequest(id uint256.Int) (*state.DecryptionRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.store.DecryptionRequest(id)
	if !ok {
		return nil, fmt.Errorf("%w: decryption request %s", ErrNotFound, id.Dec())
	}
	cp := *r
	return &cp, nil
}

func (c *Coordinator) GetWithdrawalRequest(id uint256.Int) (*state.WithdrawalRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.store.WithdrawalRequest(id)
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal request %s", ErrNotFound, id.Dec())
	}
	cp := *r
	return &cp, nil
}

// GetBalanceHandle returns the handle of the trader's encrypted balance.
func (c *Coordinator) GetBalanceHandle(trader common.Address) (fhe.Ciphertext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.store.Balance(trader)
	if !ok {
		return fhe.Ciphertext{}, fmt.Errorf("%w: balance for %s", ErrNotFound, trader.Hex())
	}
	return ct, nil
}

// AuditTrail returns retained entries after afterSeq, oldest first.
func (c *Coordinator) AuditTrail(afterSeq int64, limit int) []state.AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audit.Entries(afterSeq, limit)
}

// AuditStats returns the actor's last action time and action count.
func (c *Coordinator) AuditStats(actor common.Address) state.AuditCounter {
	c.mu.Lock()
	defer c.mu.Unlock()
	counter, _ := c.store.AuditCounter(actor)
	return counter
}

// LastSequence is the sequence of the newest emitted event, -1 before any.
func (c *Coordinator) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence - 1
}

func (c *Coordinator) Owner() common.Address {
	return c.owner
}

func (c *Coordinator) Gateway() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Gateway()
}

func (c *Coordinator) IsOperator(addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return addr == c.owner || c.store.IsOperator(addr)
}

// PendingSettlements returns settlement requests still awaiting a
// resolution, oldest id first.
func (c *Coordinator) PendingSettlements() []state.DecryptionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []state.DecryptionRequest
	for _, r := range c.store.DecryptionRequests() {
		if r.IsSettlement && r.Status.AcceptsCallback() {
			out = append(out, *r)
		}
	}
	return out
}

// IsCallerError reports whether err was caused by the caller rather than
// by the coordinator or its collaborators.
func IsCallerError(err error) bool {
	for _, target := range []error{
		ErrUnauthorized, ErrRateLimited, ErrInvalidArgument, ErrNotFound,
		ErrContractInactive, ErrAlreadyExists, ErrRequestNotPending,
		ErrSettlementNotDue, ErrOverflow, ErrRefundNotAvailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
