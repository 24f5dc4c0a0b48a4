// Package usecase contains the dispatch and routing logic of the gateway.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velivolant/gateway/internal/domain"
	"github.com/velivolant/gateway/internal/observability"
)

// DispatcherConfig tunes the in-memory tables of the Dispatcher.
type DispatcherConfig struct {
	// DefaultTimeout bounds SubmitAndWait when the caller gives none.
	DefaultTimeout time.Duration
	// WaiterTTL is the hard ceiling on waiter lifetime; expired waiters are
	// removed by the sweep loop whether or not they resolved.
	WaiterTTL time.Duration
	// PendingTTL bounds entries in the observability-only pending table.
	PendingTTL time.Duration
	// SweepInterval paces the single sweep loop that expires both tables.
	SweepInterval time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.WaiterTTL <= 0 {
		c.WaiterTTL = 5 * time.Minute
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	return c
}

// SubmitOptions carries the optional knobs of a submission.
type SubmitOptions struct {
	// CorrelationID lets a caller route a specific reply to its waiter;
	// a fresh id is generated when empty.
	CorrelationID string
	UserID        domain.ID
	EventID       domain.ID
	// Timeout applies to SubmitAndWait only.
	Timeout time.Duration
	// Callback, when non-nil, is registered as a waiter on the correlation id
	// and invoked once with the routed result or an error.
	Callback func(domain.ResultRecord, error)
}

// Submission identifies an accepted fire-and-forget request.
type Submission struct {
	RequestID     string `json:"requestId"`
	CorrelationID string `json:"correlationId"`
}

type waiterOutcome struct {
	res domain.ResultRecord
	err error
}

// waiter is a one-shot continuation bound to a correlation id.
type waiter struct {
	correlationID string
	registeredAt  time.Time
	once          sync.Once
	deliver       func(domain.ResultRecord, error)
}

func (w *waiter) complete(res domain.ResultRecord, err error) {
	w.once.Do(func() { w.deliver(res, err) })
}

type pendingEntry struct {
	Type          domain.RequestType
	CorrelationID string
	SubmittedAt   time.Time
}

// Dispatcher is the entry point for compute submissions. It assigns request
// and correlation ids, registers waiters before publishing so that a fast
// reply can never miss its waiter, and owns the waiter and pending tables.
type Dispatcher struct {
	producer domain.Producer
	cfg      DispatcherConfig

	mu      sync.Mutex
	waiters map[string]*waiter
	pending map[string]pendingEntry

	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher over the given producer.
func NewDispatcher(p domain.Producer, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		producer: p,
		cfg:      cfg.withDefaults(),
		waiters:  make(map[string]*waiter),
		pending:  make(map[string]pendingEntry),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop expiring waiters and pending entries.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.done:
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

// Shutdown stops the sweep loop and fails every registered waiter.
func (d *Dispatcher) Shutdown() {
	close(d.done)
	d.wg.Wait()

	d.mu.Lock()
	ws := make([]*waiter, 0, len(d.waiters))
	for _, w := range d.waiters {
		ws = append(ws, w)
	}
	d.waiters = make(map[string]*waiter)
	observability.WaitersActive.Set(0)
	d.mu.Unlock()
	for _, w := range ws {
		w.complete(domain.ResultRecord{}, fmt.Errorf("%w: dispatcher shutting down", domain.ErrInternal))
	}
}

// Submit publishes a fire-and-forget request. When opts.Callback is set it is
// registered as a waiter on the correlation id before the publish; a publish
// failure removes it again.
func (d *Dispatcher) Submit(ctx domain.Context, typ domain.RequestType, payload json.RawMessage, opts SubmitOptions) (Submission, error) {
	if _, err := domain.ParseRequestType(string(typ)); err != nil {
		return Submission{}, err
	}
	if len(payload) == 0 {
		return Submission{}, fmt.Errorf("%w: payload required", domain.ErrInvalidArgument)
	}

	requestID := uuid.NewString()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	registered := false
	if opts.Callback != nil {
		cb := opts.Callback
		w := &waiter{
			correlationID: correlationID,
			registeredAt:  d.now(),
			deliver: func(res domain.ResultRecord, err error) {
				go cb(res, err)
			},
		}
		if err := d.registerWaiter(w); err != nil {
			return Submission{}, err
		}
		registered = true
	}

	sub, err := d.publish(ctx, requestID, correlationID, typ, payload, opts)
	if err != nil {
		if registered {
			d.removeWaiter(correlationID)
		}
		return Submission{}, err
	}
	return sub, nil
}

// SubmitAndWait publishes a request and blocks until its result is routed
// back, the timeout elapses, or the context ends. A timeout is local: the
// backend keeps working and its eventual result is still persisted.
func (d *Dispatcher) SubmitAndWait(ctx domain.Context, typ domain.RequestType, payload json.RawMessage, opts SubmitOptions) (domain.ResultRecord, error) {
	if _, err := domain.ParseRequestType(string(typ)); err != nil {
		return domain.ResultRecord{}, err
	}
	if len(payload) == 0 {
		return domain.ResultRecord{}, fmt.Errorf("%w: payload required", domain.ErrInvalidArgument)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	requestID := uuid.NewString()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ch := make(chan waiterOutcome, 1)
	w := &waiter{
		correlationID: correlationID,
		registeredAt:  d.now(),
		deliver: func(res domain.ResultRecord, err error) {
			ch <- waiterOutcome{res: res, err: err}
		},
	}
	// Register before publishing: if the backend answers before the
	// publish ack returns, the waiter must already be findable.
	if err := d.registerWaiter(w); err != nil {
		return domain.ResultRecord{}, err
	}

	if _, err := d.publish(ctx, requestID, correlationID, typ, payload, opts); err != nil {
		d.removeWaiter(correlationID)
		return domain.ResultRecord{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.res, out.err
	case <-timer.C:
		d.removeWaiter(correlationID)
		observability.WaiterTimeout("dispatcher")
		slog.Warn("submit wait timed out",
			slog.String("request_id", requestID),
			slog.String("correlation_id", correlationID),
			slog.String("timeout_origin", "dispatcher"),
			slog.Duration("timeout", timeout))
		return domain.ResultRecord{}, fmt.Errorf("%w: no result within %s (request %s)", domain.ErrTimeout, timeout, requestID)
	case <-ctx.Done():
		d.removeWaiter(correlationID)
		return domain.ResultRecord{}, ctx.Err()
	}
}

func (d *Dispatcher) publish(ctx domain.Context, requestID, correlationID string, typ domain.RequestType, payload json.RawMessage, opts SubmitOptions) (Submission, error) {
	rec := domain.RequestRecord{
		RequestID:     requestID,
		CorrelationID: correlationID,
		Type:          typ,
		Payload:       payload,
		UserID:        opts.UserID,
		EventID:       opts.EventID,
		SubmittedAt:   d.now().UTC(),
	}
	ack, err := d.producer.Publish(ctx, rec)
	if err != nil {
		observability.PublishFailed()
		return Submission{}, fmt.Errorf("op=dispatch.publish: %w", err)
	}

	d.mu.Lock()
	d.pending[requestID] = pendingEntry{Type: typ, CorrelationID: correlationID, SubmittedAt: d.now()}
	observability.PendingRequests.Set(float64(len(d.pending)))
	d.mu.Unlock()

	observability.RequestPublished(string(typ))
	observability.LoggerFromContext(ctx).Info("compute request published",
		slog.String("request_id", requestID),
		slog.String("correlation_id", correlationID),
		slog.String("type", string(typ)),
		slog.Int("partition", int(ack.Partition)),
		slog.Int64("offset", ack.Offset))
	return Submission{RequestID: requestID, CorrelationID: correlationID}, nil
}

// OnResult resolves the waiter registered for the result's correlation id, if
// any. A missing waiter is normal: fire-and-forget submissions and expired
// waiters leave results for the ledger alone.
func (d *Dispatcher) OnResult(_ domain.Context, res domain.ResultRecord) error {
	d.mu.Lock()
	w, ok := d.waiters[res.CorrelationID]
	if ok {
		delete(d.waiters, res.CorrelationID)
		observability.WaitersActive.Set(float64(len(d.waiters)))
	}
	delete(d.pending, res.RequestID)
	observability.PendingRequests.Set(float64(len(d.pending)))
	d.mu.Unlock()

	if res.Status == domain.StatusTimeout {
		observability.WaiterTimeout("backend")
		slog.Warn("backend reported computation timeout",
			slog.String("request_id", res.RequestID),
			slog.String("correlation_id", res.CorrelationID),
			slog.String("timeout_origin", "backend"))
	}
	if !ok {
		return nil
	}
	if res.Status == domain.StatusSuccess {
		w.complete(res, nil)
		return nil
	}
	msg := res.ErrorMessage
	if msg == "" {
		msg = "Computation failed"
	}
	w.complete(res, fmt.Errorf("%w: %s", domain.ErrComputation, msg))
	return nil
}

// PendingCount reports the size of the pending table for health/stats.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// WaiterCount reports the size of the waiter table.
func (d *Dispatcher) WaiterCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

func (d *Dispatcher) registerWaiter(w *waiter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.waiters[w.correlationID]; exists {
		return fmt.Errorf("%w: waiter already registered for correlation %s", domain.ErrConflict, w.correlationID)
	}
	d.waiters[w.correlationID] = w
	observability.WaitersActive.Set(float64(len(d.waiters)))
	return nil
}

func (d *Dispatcher) removeWaiter(correlationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, correlationID)
	observability.WaitersActive.Set(float64(len(d.waiters)))
}

// sweep expires waiters past WaiterTTL and pending entries past PendingTTL.
// One loop serves both tables; there are no per-waiter timers.
func (d *Dispatcher) sweep() {
	now := d.now()
	var expired []*waiter

	d.mu.Lock()
	for id, w := range d.waiters {
		if now.Sub(w.registeredAt) >= d.cfg.WaiterTTL {
			delete(d.waiters, id)
			expired = append(expired, w)
		}
	}
	for id, p := range d.pending {
		if now.Sub(p.SubmittedAt) >= d.cfg.PendingTTL {
			delete(d.pending, id)
		}
	}
	observability.WaitersActive.Set(float64(len(d.waiters)))
	observability.PendingRequests.Set(float64(len(d.pending)))
	d.mu.Unlock()

	for _, w := range expired {
		observability.WaiterTimeout("dispatcher")
		w.complete(domain.ResultRecord{}, fmt.Errorf("%w: waiter expired for correlation %s", domain.ErrTimeout, w.correlationID))
	}
	if len(expired) > 0 {
		slog.Info("expired waiters swept", slog.Int("count", len(expired)))
	}
}
