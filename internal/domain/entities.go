// Package domain holds the core entities, ports, and error taxonomy of the
// compute dispatch fabric.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrPublish         = errors.New("publish failed")
	ErrTimeout         = errors.New("timeout")
	ErrComputation     = errors.New("computation failed")
	ErrDecode          = errors.New("decode failed")
	ErrPersistence     = errors.New("persistence failed")
	ErrAuth            = errors.New("unauthorized")
	ErrInternal        = errors.New("internal error")
)

// RequestType tags a compute request for the backend.
type RequestType string

const (
	RequestBACCalculation RequestType = "BAC_CALCULATION"
	RequestEventAnalytics RequestType = "EVENT_ANALYTICS"
	RequestUserScore      RequestType = "USER_SCORE"
	RequestLeaderboard    RequestType = "LEADERBOARD"
)

// ParseRequestType validates a caller-supplied type tag. Unknown values are
// rejected at the boundary.
func ParseRequestType(s string) (RequestType, error) {
	switch t := RequestType(s); t {
	case RequestBACCalculation, RequestEventAnalytics, RequestUserScore, RequestLeaderboard:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown request type %q", ErrInvalidArgument, s)
	}
}

// ResultStatus is the terminal state of a computation.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "SUCCESS"
	StatusError   ResultStatus = "ERROR"
	StatusTimeout ResultStatus = "TIMEOUT"
)

// RequestRecord is what the gateway emits to the request topic.
// RequestID is the idempotency key; CorrelationID routes the eventual reply
// back to an in-process waiter and to subscribed WebSocket clients.
type RequestRecord struct {
	RequestID     string          `json:"requestId"`
	CorrelationID string          `json:"correlationId"`
	Type          RequestType     `json:"requestType"`
	Payload       json.RawMessage `json:"payload"`
	UserID        ID              `json:"userId,omitempty"`
	EventID       ID              `json:"eventId,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// ResultRecord is what the backend emits on the result topic.
type ResultRecord struct {
	RequestID        string          `json:"requestId"`
	CorrelationID    string          `json:"correlationId"`
	Status           ResultStatus    `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ComputedAt       time.Time       `json:"computedAt"`
	ProcessingTimeMs *int64          `json:"processingTimeMs,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
}

// ComputationResult is one row of the ledger, the durable source of truth.
type ComputationResult struct {
	ID               int64
	RequestID        string
	CorrelationID    string
	Status           ResultStatus
	ResultData       *string
	ComputedAt       time.Time
	ProcessingTimeMs *int64
	ErrorMessage     *string
	CreatedAt        time.Time
}

// StatusCount is one bucket of the /stats aggregation.
type StatusCount struct {
	Status ResultStatus `json:"status"`
	Count  int64        `json:"count"`
}

// PublishAck is the broker-assigned position of a published record.
type PublishAck struct {
	Partition int32
	Offset    int64
}

// Ports

// Producer publishes request records toward the backend.
type Producer interface {
	Publish(ctx Context, rec RequestRecord) (PublishAck, error)
	Close()
}

// ResultLedger is the upsert-on-request-id store of results.
type ResultLedger interface {
	Upsert(ctx Context, res ResultRecord) error
	GetByRequestID(ctx Context, requestID string) (ComputationResult, error)
	StatsSince(ctx Context, window time.Duration) ([]StatusCount, error)
}

// Broadcaster fans a payload out to live WebSocket connections.
type Broadcaster interface {
	BroadcastToUser(userID string, payload any)
	BroadcastToEvent(eventID string, payload any)
	Broadcast(payload any)
}

// ResultSink receives every decoded result after it has been persisted.
// Sinks are best-effort; the ledger is the recovery surface.
type ResultSink interface {
	OnResult(ctx Context, res ResultRecord) error
}

// Context is an alias to decouple the domain from the std context package in
// signatures; adapters pass context.Context through.
type Context = context.Context
