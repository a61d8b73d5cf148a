package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ConfidentialFutures/internal/authn"
	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/eventbus"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/observability"
	"ConfidentialFutures/internal/rpc"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Subscription lists the event types the worker consumes.
var Subscription = []event.EventType{
	event.EventTypeDecryptionRequested,
	event.EventTypeWithdrawalRequested,
	event.EventTypeGatewayCallbackProcessed,
	event.EventTypeTimeoutProtectionTriggered,
}

type Config struct {
	MaxRetries    int
	RetryDelay    time.Duration
	SweepInterval time.Duration
	// DecryptionTimeout mirrors the coordinator's; the sweep asks the
	// coordinator to refund settlement requests older than this.
	DecryptionTimeout time.Duration
	// CallTimeout bounds one decrypt or callback call.
	CallTimeout time.Duration
	Concurrency int
	// DecryptRate paces calls to the oracle.
	DecryptRate  rate.Limit
	DecryptBurst int
	// Retention is how long processed records are kept.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
		SweepInterval:     60 * time.Second,
		DecryptionTimeout: 24 * time.Hour,
		CallTimeout:       30 * time.Second,
		Concurrency:       8,
		DecryptRate:       rate.Limit(20),
		DecryptBurst:      5,
		Retention:         7 * 24 * time.Hour,
	}
}

type Deps struct {
	Config      Config
	Decrypter   fhe.Decrypter
	Coordinator rpc.CoordinatorClient
	Signer      *authn.Signer
	// Store is optional; without it the tracker is memory only.
	Store   TrackerStore
	Clock   func() time.Time
	Metrics *observability.GatewayMetrics
	Logger  zerolog.Logger
}

// Worker bridges the decryption oracle and the coordinator. The listener
// loop never blocks on a request: each one runs in its own goroutine,
// bounded by a semaphore.
type Worker struct {
	cfg     Config
	dec     fhe.Decrypter
	coord   rpc.CoordinatorClient
	signer  *authn.Signer
	store   TrackerStore
	tracker *Tracker
	limiter *rate.Limiter
	sem     chan struct{}
	clock   func() time.Time
	metrics *observability.GatewayMetrics
	logger  zerolog.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	wg       sync.WaitGroup
	inFlight sync.Map // uint256.Int -> struct{}
}

func NewWorker(d Deps) *Worker {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	cfg := d.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.DecryptRate == 0 {
		cfg.DecryptRate = rate.Inf
	}
	return &Worker{
		cfg:     cfg,
		dec:     d.Decrypter,
		coord:   d.Coordinator,
		signer:  d.Signer,
		store:   d.Store,
		tracker: NewTracker(),
		limiter: rate.NewLimiter(cfg.DecryptRate, max(cfg.DecryptBurst, 1)),
		sem:     make(chan struct{}, cfg.Concurrency),
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  d.Logger,
		sleep:   sleepCtx,
	}
}

func (w *Worker) Tracker() *Tracker {
	return w.tracker
}

// Restore loads the persisted tracker and re-dispatches every request that
// was still pending.
func (w *Worker) Restore(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	records, err := w.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tracker: %w", err)
	}
	w.tracker.Restore(records)
	w.tracker.Prune(w.clock().Add(-w.cfg.Retention))

	pending := w.tracker.InState(StatePending)
	for _, r := range pending {
		w.dispatch(ctx, r)
	}
	w.setPendingGauge()
	w.logger.Info().
		Int("records", len(records)).
		Int("redispatched", len(pending)).
		Msg("tracker restored")
	return nil
}

// Run consumes deliveries and runs the advisory sweep until ctx is done or
// the channel closes. It waits for in-flight requests and saves the
// tracker before returning.
func (w *Worker) Run(ctx context.Context, deliveries <-chan eventbus.Delivery) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	defer func() {
		w.wg.Wait()
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Save(saveCtx); err != nil {
			w.logger.Error().Err(err).Msg("final tracker save failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.Handle(ctx, d.Envelope)
			if d.Ack != nil {
				d.Ack()
			}

		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Handle applies one event to the tracker, dispatching new requests.
func (w *Worker) Handle(ctx context.Context, env event.Envelope) {
	now := w.clock()
	switch p := env.Payload.(type) {
	case *event.DecryptionRequested:
		if !p.IsSettlement {
			return
		}
		w.observe(ctx, *p.RequestID, KindSettlement, p.ContractID, now)

	case *event.WithdrawalRequested:
		w.observe(ctx, *p.RequestID, KindWithdrawal, 0, now)

	case *event.GatewayCallbackProcessed:
		// A failed outcome leaves the request open on the coordinator.
		if p.Outcome == event.OutcomeFailed {
			return
		}
		if w.tracker.MarkProcessed(*p.RequestID, now) {
			w.resolved(*p.RequestID, "processed")
		}

	case *event.TimeoutProtectionTriggered:
		if w.tracker.MarkProcessed(*p.RequestID, now) {
			w.resolved(*p.RequestID, "refunded")
		}
	}
}

func (w *Worker) observe(ctx context.Context, id uint256.Int, kind Kind, contractID uint64, now time.Time) {
	if !w.tracker.Observe(id, kind, contractID, now) {
		w.logger.Debug().Str("request_id", id.Dec()).Msg("request already tracked")
		return
	}
	if w.metrics != nil {
		w.metrics.RequestsObserved.WithLabelValues(string(kind)).Inc()
	}
	w.setPendingGauge()
	r, _ := w.tracker.Get(id)
	w.dispatch(ctx, r)
}

// dispatch starts a goroutine for r unless one is already running.
func (w *Worker) dispatch(ctx context.Context, r Record) {
	if _, busy := w.inFlight.LoadOrStore(r.RequestID, struct{}{}); busy {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inFlight.Delete(r.RequestID)

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.sem }()

		if w.metrics != nil {
			w.metrics.InFlight.Inc()
			defer w.metrics.InFlight.Dec()
		}
		w.process(ctx, r)
	}()
}

// process decrypts and delivers one request, retrying up to MaxRetries.
// Giving up is local only: the coordinator's timeout refunds settlement
// requests the worker never resolves.
func (w *Worker) process(ctx context.Context, r Record) {
	id := r.RequestID
	log := w.logger.With().Str("request_id", id.Dec()).Str("kind", string(r.Kind)).Logger()

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if w.metrics != nil {
				w.metrics.Retries.Inc()
			}
			if err := w.sleep(ctx, w.cfg.RetryDelay); err != nil {
				return
			}
		}
		if cur, ok := w.tracker.Get(id); !ok || cur.State != StatePending {
			// Resolved elsewhere while we waited.
			return
		}

		plaintext, err := w.decrypt(ctx, id)
		if err == nil && plaintext == 0 {
			err = errZeroPlaintext
		}
		if err != nil {
			lastErr = err
			w.tracker.RecordAttempt(id, err, w.clock())
			log.Warn().Err(err).Int("attempt", attempt).Msg("decrypt failed")
			if ctx.Err() != nil {
				return
			}
			continue
		}

		done, err := w.deliver(ctx, r.Kind, id, plaintext)
		w.tracker.RecordAttempt(id, err, w.clock())
		if err == nil {
			if w.tracker.MarkProcessed(id, w.clock()) {
				w.resolved(id, "processed")
			}
			log.Info().Int("attempt", attempt).Msg("callback delivered")
			return
		}
		lastErr = err
		if done {
			w.giveUp(id, err)
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("callback failed")
		if ctx.Err() != nil {
			return
		}
	}

	// A settlement request whose price cannot be decrypted is reported as
	// a failed decryption so the coordinator can refund once it expires.
	if r.Kind == KindSettlement && errors.Is(lastErr, errZeroPlaintext) {
		if _, err := w.deliver(ctx, r.Kind, id, 0); err != nil {
			log.Warn().Err(err).Msg("failure report rejected")
		}
	}
	w.giveUp(id, lastErr)
}

var errZeroPlaintext = errors.New("oracle returned zero plaintext")

func (w *Worker) decrypt(ctx context.Context, id uint256.Int) (uint64, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	v, err := w.dec.Decrypt(callCtx, id)
	if w.metrics != nil {
		w.metrics.DecryptDuration.Observe(time.Since(start).Seconds())
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case v == 0:
			result = "zero"
		}
		w.metrics.DecryptAttempts.WithLabelValues(result).Inc()
	}
	return v, err
}

// deliver submits a signed callback. done reports that retrying cannot
// change the outcome.
func (w *Worker) deliver(ctx context.Context, kind Kind, id uint256.Int, plaintext uint64) (done bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	now := w.clock()
	var resp *rpc.CallbackResponse
	switch kind {
	case KindSettlement:
		req := &rpc.SettlementCallbackRequest{RequestID: id.Dec(), Plaintext: plaintext}
		if req.Auth, err = w.signer.Stamp(req.SigningPayload, now); err != nil {
			return true, err
		}
		resp, err = w.coord.SettlementCallback(callCtx, req)
	case KindWithdrawal:
		req := &rpc.WithdrawalCallbackRequest{RequestID: id.Dec(), Plaintext: plaintext}
		if req.Auth, err = w.signer.Stamp(req.SigningPayload, now); err != nil {
			return true, err
		}
		resp, err = w.coord.WithdrawalCallback(callCtx, req)
	default:
		return true, fmt.Errorf("unknown request kind %q", kind)
	}

	result := "ok"
	switch {
	case err != nil:
		result = status.Code(err).String()
	case resp.Duplicate:
		result = "duplicate"
	}
	if w.metrics != nil {
		w.metrics.CallbackAttempts.WithLabelValues(string(kind), result).Inc()
	}

	if err == nil {
		return true, nil
	}
	switch status.Code(err) {
	case codes.FailedPrecondition, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.InvalidArgument:
		return true, err
	default:
		return false, err
	}
}

func (w *Worker) giveUp(id uint256.Int, err error) {
	reason := "retries exhausted"
	if err != nil {
		reason = err.Error()
	}
	if w.tracker.MarkFailed(id, reason, w.clock()) {
		w.resolved(id, "failed")
		w.logger.Warn().Str("request_id", id.Dec()).Str("reason", reason).Msg("request marked failed")
	}
}

// Sweep asks the coordinator to refund settlement requests older than the
// decryption timeout, then persists the tracker. The coordinator runs the
// same check itself; this only shortens the time to refund.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.clock()
	var stale []Record
	for _, s := range []State{StatePending, StateFailed} {
		for _, r := range w.tracker.InState(s) {
			if r.Kind == KindSettlement && r.Age(now) >= w.cfg.DecryptionTimeout {
				stale = append(stale, r)
			}
		}
	}

	for _, r := range stale {
		resp, err := w.triggerTimeout(ctx, r.RequestID)
		switch {
		case err == nil && resp.Refunded:
			if w.metrics != nil {
				w.metrics.TimeoutsTriggered.Inc()
			}
			if w.tracker.MarkProcessed(r.RequestID, now) {
				w.resolved(r.RequestID, "refunded")
			}
			w.logger.Info().Str("request_id", r.RequestID.Dec()).Msg("stale request refunded")
		case err == nil && resp.Processed:
			// Resolved earlier; the event announcing it never reached us.
			if w.tracker.MarkProcessed(r.RequestID, now) {
				w.resolved(r.RequestID, "processed")
			}
		case status.Code(err) == codes.FailedPrecondition || status.Code(err) == codes.NotFound:
			// Already terminal on the coordinator.
			w.tracker.MarkProcessed(r.RequestID, now)
		case err != nil:
			w.logger.Warn().Err(err).Str("request_id", r.RequestID.Dec()).Msg("trigger timeout failed")
		}
	}

	w.tracker.Prune(now.Add(-w.cfg.Retention))
	w.setPendingGauge()
	if err := w.Save(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("tracker save failed")
	}
}

func (w *Worker) triggerTimeout(ctx context.Context, id uint256.Int) (*rpc.TriggerTimeoutResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	req := &rpc.TriggerTimeoutRequest{RequestID: id.Dec()}
	var err error
	if req.Auth, err = w.signer.Stamp(req.SigningPayload, w.clock()); err != nil {
		return nil, err
	}
	return w.coord.TriggerTimeout(callCtx, req)
}

// Save persists the tracker if it changed since the last save.
func (w *Worker) Save(ctx context.Context) error {
	if w.store == nil || !w.tracker.Dirty() {
		return nil
	}
	err := w.store.Save(ctx, w.tracker.Snapshot())
	if err != nil {
		w.tracker.MarkDirty()
	} else {
		err = w.store.Prune(ctx, w.clock().Add(-w.cfg.Retention))
	}
	if w.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		w.metrics.TrackerSaves.WithLabelValues(result).Inc()
	}
	return err
}

func (w *Worker) resolved(id uint256.Int, result string) {
	if w.metrics == nil {
		return
	}
	kind := "unknown"
	if r, ok := w.tracker.Get(id); ok {
		kind = string(r.Kind)
	}
	w.metrics.RequestsResolved.WithLabelValues(kind, result).Inc()
	w.setPendingGauge()
}

func (w *Worker) setPendingGauge() {
	if w.metrics != nil {
		w.metrics.PendingRequests.Set(float64(w.tracker.Counts()[StatePending]))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
