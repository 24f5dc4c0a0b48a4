package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/velivolant/gateway/internal/domain"
	"github.com/velivolant/gateway/internal/observability"
)

// Outcome tags the processing of one result record.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomePersistFailed
	OutcomeResolveFailed
	OutcomeBroadcastFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePersistFailed:
		return "persist_failed"
	case OutcomeResolveFailed:
		return "resolve_failed"
	case OutcomeBroadcastFailed:
		return "broadcast_failed"
	default:
		return "unknown"
	}
}

// Router fans each consumed result into the ledger, the waiter table, and the
// WebSocket hub. The ledger write happens first: it is the recovery surface,
// while sinks and broadcast are best-effort. A failure in any single step
// does not abort the others.
type Router struct {
	ledger domain.ResultLedger
	sinks  []domain.ResultSink
}

// NewRouter constructs a Router. Sinks run after the ledger write, in order.
func NewRouter(ledger domain.ResultLedger, sinks ...domain.ResultSink) *Router {
	return &Router{ledger: ledger, sinks: sinks}
}

// Route persists the result, then drives every sink, reporting the first
// failure as the record's outcome.
func (r *Router) Route(ctx domain.Context, res domain.ResultRecord) Outcome {
	outcome := OutcomeOK
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("request_id", res.RequestID),
		slog.String("correlation_id", res.CorrelationID),
		slog.String("status", string(res.Status)))

	if err := r.ledger.Upsert(ctx, res); err != nil {
		// The caller is not penalized for a ledger outage; the waiter is
		// still resolved and the broadcast still attempted.
		outcome = OutcomePersistFailed
		lg.Error("result persist failed", slog.Any("error", err))
	}

	for _, sink := range r.sinks {
		if err := sink.OnResult(ctx, res); err != nil {
			tag := OutcomeResolveFailed
			if _, ok := sink.(BroadcastSink); ok {
				tag = OutcomeBroadcastFailed
			}
			if outcome == OutcomeOK {
				outcome = tag
			}
			lg.Error("result sink failed", slog.Any("error", err))
		}
	}

	observability.ResultConsumed(string(res.Status))
	lg.Debug("result routed", slog.String("outcome", outcome.String()))
	return outcome
}

// HandleResult adapts Route to the consumer's callback shape.
func (r *Router) HandleResult(ctx domain.Context, res domain.ResultRecord) {
	_ = r.Route(ctx, res)
}

// BroadcastSink adapts a Broadcaster into a ResultSink that emits the
// computation_result frame to every connection.
type BroadcastSink struct {
	Hub domain.Broadcaster
}

// computationResultFrame is the WS fan-out shape for a routed result.
type computationResultFrame struct {
	Type          string              `json:"type"`
	RequestID     string              `json:"requestId"`
	CorrelationID string              `json:"correlationId"`
	Status        domain.ResultStatus `json:"status"`
	Result        any                 `json:"result,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// OnResult broadcasts the result frame. Sends are fire-and-forget per
// connection; a nil hub is a no-op. A payload that cannot be framed is
// reported rather than silently dropped.
func (b BroadcastSink) OnResult(_ domain.Context, res domain.ResultRecord) error {
	if b.Hub == nil {
		return nil
	}
	frame := computationResultFrame{
		Type:          "computation_result",
		RequestID:     res.RequestID,
		CorrelationID: res.CorrelationID,
		Status:        res.Status,
	}
	if len(res.Payload) > 0 {
		frame.Result = res.Payload
	}
	if res.ErrorMessage != "" {
		frame.Error = res.ErrorMessage
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("op=broadcast request_id=%s: %w", res.RequestID, err)
	}
	b.Hub.Broadcast(json.RawMessage(data))
	return nil
}
