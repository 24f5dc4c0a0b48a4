package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/velivolant/gateway/internal/config"
	"github.com/velivolant/gateway/internal/domain"
	"github.com/velivolant/gateway/internal/usecase"
)

// Dispatcher is the slice of the dispatch surface the handlers need.
type Dispatcher interface {
	Submit(ctx domain.Context, typ domain.RequestType, payload json.RawMessage, opts usecase.SubmitOptions) (usecase.Submission, error)
	SubmitAndWait(ctx domain.Context, typ domain.RequestType, payload json.RawMessage, opts usecase.SubmitOptions) (domain.ResultRecord, error)
	CalculateBAC(ctx domain.Context, userID, eventID domain.ID, libations json.RawMessage, timeout time.Duration) (domain.ResultRecord, error)
	EventAnalytics(ctx domain.Context, eventID domain.ID, timeout time.Duration) (domain.ResultRecord, error)
	Leaderboard(ctx domain.Context, eventID domain.ID, limit int, metric string, timeout time.Duration) (domain.ResultRecord, error)
	UserScore(ctx domain.Context, userID, eventID domain.ID, timeout time.Duration) (domain.ResultRecord, error)
	PendingCount() int
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Dispatcher  Dispatcher
	Ledger      domain.ResultLedger
	DBCheck     func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, d Dispatcher, ledger domain.ResultLedger, dbCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatcher: d, Ledger: ledger, DBCheck: dbCheck, BrokerCheck: brokerCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// submitRequest is the body of both submit and execute. Timeout is in
// milliseconds and applies to execute only.
type submitRequest struct {
	Type          string          `json:"type" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	UserID        domain.ID       `json:"userId"`
	EventID       domain.ID       `json:"eventId"`
	CorrelationID string          `json:"correlationId"`
	TimeoutMs     int64           `json:"timeout"`
}

func decodeSubmitRequest(w http.ResponseWriter, r *http.Request) (submitRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return submitRequest{}, false
	}
	if err := getValidator().Struct(req); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return submitRequest{}, false
	}
	return req, true
}

func (req submitRequest) options() usecase.SubmitOptions {
	return usecase.SubmitOptions{
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		EventID:       req.EventID,
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
	}
}

// resultBody shapes a routed result for JSON responses.
func resultBody(res domain.ResultRecord) map[string]any {
	body := map[string]any{
		"requestId":     res.RequestID,
		"correlationId": res.CorrelationID,
		"status":        res.Status,
		"computedAt":    res.ComputedAt,
	}
	if len(res.Payload) > 0 {
		body["result"] = json.RawMessage(res.Payload)
	}
	if res.ProcessingTimeMs != nil {
		body["processingTimeMs"] = *res.ProcessingTimeMs
	}
	if res.ErrorMessage != "" {
		body["error"] = res.ErrorMessage
	}
	return body
}

// SubmitHandler accepts a fire-and-forget submission.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSubmitRequest(w, r)
		if !ok {
			return
		}
		sub, err := s.Dispatcher.Submit(r.Context(), domain.RequestType(req.Type), req.Payload, req.options())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":       true,
			"requestId":     sub.RequestID,
			"correlationId": sub.CorrelationID,
		})
	}
}

// ExecuteHandler blocks until the result is routed back or the timeout
// elapses. The handler does not use a server-wide timeout middleware; the
// dispatcher owns the deadline.
func (s *Server) ExecuteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSubmitRequest(w, r)
		if !ok {
			return
		}
		res, err := s.Dispatcher.SubmitAndWait(r.Context(), domain.RequestType(req.Type), req.Payload, req.options())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := resultBody(res)
		body["success"] = true
		writeJSON(w, http.StatusOK, body)
	}
}

// ResultHandler returns the ledger row for a request id.
func (s *Server) ResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestId")
		if requestID == "" {
			writeError(w, r, fmt.Errorf("%w: requestId required", domain.ErrInvalidArgument), nil)
			return
		}
		row, err := s.Ledger.GetByRequestID(r.Context(), requestID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := map[string]any{
			"success":       true,
			"requestId":     row.RequestID,
			"correlationId": row.CorrelationID,
			"status":        row.Status,
			"computedAt":    row.ComputedAt,
			"createdAt":     row.CreatedAt,
		}
		if row.ResultData != nil {
			body["result"] = json.RawMessage(*row.ResultData)
		}
		if row.ProcessingTimeMs != nil {
			body["processingTimeMs"] = *row.ProcessingTimeMs
		}
		if row.ErrorMessage != nil {
			body["error"] = *row.ErrorMessage
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// BACHandler is the blood alcohol convenience endpoint over execute.
func (s *Server) BACHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			UserID    domain.ID       `json:"userId" validate:"required"`
			EventID   domain.ID       `json:"eventId" validate:"required"`
			Libations json.RawMessage `json:"libations" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: userId, eventId and libations required", domain.ErrInvalidArgument), nil)
			return
		}
		res, err := s.Dispatcher.CalculateBAC(r.Context(), req.UserID, req.EventID, req.Libations, s.Cfg.SubmitTimeout)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := resultBody(res)
		body["success"] = true
		writeJSON(w, http.StatusOK, body)
	}
}

// AnalyticsHandler aggregates analytics for an event.
func (s *Server) AnalyticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		if eventID == "" {
			writeError(w, r, fmt.Errorf("%w: eventId required", domain.ErrInvalidArgument), nil)
			return
		}
		res, err := s.Dispatcher.EventAnalytics(r.Context(), domain.ID(eventID), s.Cfg.SubmitTimeout)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := resultBody(res)
		body["success"] = true
		writeJSON(w, http.StatusOK, body)
	}
}

// LeaderboardHandler ranks an event's participants.
func (s *Server) LeaderboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		if eventID == "" {
			writeError(w, r, fmt.Errorf("%w: eventId required", domain.ErrInvalidArgument), nil)
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		metric := r.URL.Query().Get("metric")
		res, err := s.Dispatcher.Leaderboard(r.Context(), domain.ID(eventID), limit, metric, s.Cfg.SubmitTimeout)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := resultBody(res)
		body["success"] = true
		writeJSON(w, http.StatusOK, body)
	}
}

// ScoreHandler computes one user's score at an event.
func (s *Server) ScoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		userID := chi.URLParam(r, "userId")
		if eventID == "" || userID == "" {
			writeError(w, r, fmt.Errorf("%w: eventId and userId required", domain.ErrInvalidArgument), nil)
			return
		}
		res, err := s.Dispatcher.UserScore(r.Context(), domain.ID(userID), domain.ID(eventID), s.Cfg.SubmitTimeout)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := resultBody(res)
		body["success"] = true
		writeJSON(w, http.StatusOK, body)
	}
}

// StatsHandler reports pending submissions and recent ledger activity.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.Ledger.StatsSince(r.Context(), s.Cfg.StatsWindow)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if counts == nil {
			counts = []domain.StatusCount{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"pendingRequests": s.Dispatcher.PendingCount(),
			"recentResults":   counts,
		})
	}
}
