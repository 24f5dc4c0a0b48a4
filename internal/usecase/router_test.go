package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velivolant/gateway/internal/domain"
	"github.com/velivolant/gateway/internal/usecase"
)

// orderedLedger records call ordering across the router's steps.
type orderedLedger struct {
	mu    sync.Mutex
	calls *[]string
	rows  map[string]domain.ResultRecord
	err   error
}

func newOrderedLedger(calls *[]string) *orderedLedger {
	return &orderedLedger{calls: calls, rows: map[string]domain.ResultRecord{}}
}

func (l *orderedLedger) Upsert(_ domain.Context, res domain.ResultRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.calls = append(*l.calls, "persist")
	if l.err != nil {
		return l.err
	}
	l.rows[res.RequestID] = res
	return nil
}

func (l *orderedLedger) GetByRequestID(_ domain.Context, requestID string) (domain.ComputationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.rows[requestID]
	if !ok {
		return domain.ComputationResult{}, domain.ErrNotFound
	}
	data := string(res.Payload)
	return domain.ComputationResult{RequestID: res.RequestID, CorrelationID: res.CorrelationID, Status: res.Status, ResultData: &data}, nil
}

func (l *orderedLedger) StatsSince(domain.Context, time.Duration) ([]domain.StatusCount, error) {
	return nil, nil
}

type orderedSink struct {
	name  string
	calls *[]string
	err   error
	last  domain.ResultRecord
}

func (s *orderedSink) OnResult(_ domain.Context, res domain.ResultRecord) error {
	*s.calls = append(*s.calls, s.name)
	s.last = res
	return s.err
}

// recordingHub captures broadcast payloads.
type recordingHub struct {
	mu       sync.Mutex
	payloads []any
}

func (h *recordingHub) BroadcastToUser(string, any)  {}
func (h *recordingHub) BroadcastToEvent(string, any) {}
func (h *recordingHub) Broadcast(payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
}

func sampleResult() domain.ResultRecord {
	ms := int64(12)
	return domain.ResultRecord{
		RequestID:        "r-1",
		CorrelationID:    "c-1",
		Status:           domain.StatusSuccess,
		Payload:          json.RawMessage(`{"bac":0.04}`),
		ComputedAt:       time.Now().UTC(),
		ProcessingTimeMs: &ms,
	}
}

func TestRoute_PersistHappensBeforeSinks(t *testing.T) {
	t.Parallel()
	var calls []string
	ledger := newOrderedLedger(&calls)
	resolve := &orderedSink{name: "resolve", calls: &calls}
	broadcast := &orderedSink{name: "broadcast", calls: &calls}

	r := usecase.NewRouter(ledger, resolve, broadcast)
	outcome := r.Route(context.Background(), sampleResult())

	assert.Equal(t, usecase.OutcomeOK, outcome)
	assert.Equal(t, []string{"persist", "resolve", "broadcast"}, calls)
}

func TestRoute_PersistFailureDoesNotStopSinks(t *testing.T) {
	t.Parallel()
	var calls []string
	ledger := newOrderedLedger(&calls)
	ledger.err = errors.New("db down")
	resolve := &orderedSink{name: "resolve", calls: &calls}

	r := usecase.NewRouter(ledger, resolve)
	outcome := r.Route(context.Background(), sampleResult())

	assert.Equal(t, usecase.OutcomePersistFailed, outcome)
	assert.Equal(t, []string{"persist", "resolve"}, calls)
	assert.Equal(t, "r-1", resolve.last.RequestID)
}

func TestRoute_SinkFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	var calls []string
	ledger := newOrderedLedger(&calls)
	resolve := &orderedSink{name: "resolve", calls: &calls, err: errors.New("no waiter slot")}
	broadcast := &orderedSink{name: "broadcast", calls: &calls}

	r := usecase.NewRouter(ledger, resolve, broadcast)
	outcome := r.Route(context.Background(), sampleResult())

	assert.Equal(t, usecase.OutcomeResolveFailed, outcome)
	assert.Equal(t, []string{"persist", "resolve", "broadcast"}, calls)

	// The result is still durable despite the sink failure.
	row, err := ledger.GetByRequestID(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, row.Status)
}

func TestRoute_BroadcastFailureTaggedDistinctly(t *testing.T) {
	t.Parallel()
	var calls []string
	ledger := newOrderedLedger(&calls)
	hub := &recordingHub{}
	r := usecase.NewRouter(ledger, usecase.BroadcastSink{Hub: hub})

	// A truncated raw payload cannot be framed, so the broadcast sink fails
	// with its own outcome tag, distinct from a waiter-resolve failure.
	res := sampleResult()
	res.Payload = json.RawMessage(`{"bac":`)
	outcome := r.Route(context.Background(), res)

	assert.Equal(t, usecase.OutcomeBroadcastFailed, outcome)
	assert.Empty(t, hub.payloads)
}

func TestRoute_PersistsWithNoWaiter(t *testing.T) {
	t.Parallel()
	var calls []string
	ledger := newOrderedLedger(&calls)

	r := usecase.NewRouter(ledger)
	outcome := r.Route(context.Background(), sampleResult())
	assert.Equal(t, usecase.OutcomeOK, outcome)

	_, err := ledger.GetByRequestID(context.Background(), "r-1")
	require.NoError(t, err)
}

func TestBroadcastSink_EmitsComputationResultFrame(t *testing.T) {
	t.Parallel()
	hub := &recordingHub{}
	sink := usecase.BroadcastSink{Hub: hub}

	require.NoError(t, sink.OnResult(context.Background(), sampleResult()))
	require.Len(t, hub.payloads, 1)

	b, err := json.Marshal(hub.payloads[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "computation_result",
		"requestId": "r-1",
		"correlationId": "c-1",
		"status": "SUCCESS",
		"result": {"bac": 0.04}
	}`, string(b))
}

func TestBroadcastSink_NilHubIsNoop(t *testing.T) {
	t.Parallel()
	sink := usecase.BroadcastSink{}
	assert.NoError(t, sink.OnResult(context.Background(), sampleResult()))
}
