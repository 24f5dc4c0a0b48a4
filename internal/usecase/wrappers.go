package usecase

import (
	"encoding/json"
	"time"

	"github.com/velivolant/gateway/internal/domain"
)

// Convenience wrappers over SubmitAndWait. Each fixes the request type and
// shapes the payload the backend expects.

// CalculateBAC runs a blood alcohol computation for one user at one event.
func (d *Dispatcher) CalculateBAC(ctx domain.Context, userID, eventID domain.ID, libations json.RawMessage, timeout time.Duration) (domain.ResultRecord, error) {
	payload, err := json.Marshal(map[string]any{
		"userId":    userID,
		"eventId":   eventID,
		"libations": libations,
	})
	if err != nil {
		return domain.ResultRecord{}, err
	}
	return d.SubmitAndWait(ctx, domain.RequestBACCalculation, payload, SubmitOptions{
		UserID: userID, EventID: eventID, Timeout: timeout,
	})
}

// EventAnalytics aggregates analytics for an event.
func (d *Dispatcher) EventAnalytics(ctx domain.Context, eventID domain.ID, timeout time.Duration) (domain.ResultRecord, error) {
	payload, err := json.Marshal(map[string]any{"eventId": eventID})
	if err != nil {
		return domain.ResultRecord{}, err
	}
	return d.SubmitAndWait(ctx, domain.RequestEventAnalytics, payload, SubmitOptions{
		EventID: eventID, Timeout: timeout,
	})
}

// Leaderboard ranks an event's participants by the given metric.
func (d *Dispatcher) Leaderboard(ctx domain.Context, eventID domain.ID, limit int, metric string, timeout time.Duration) (domain.ResultRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if metric == "" {
		metric = "bac"
	}
	payload, err := json.Marshal(map[string]any{
		"eventId": eventID,
		"limit":   limit,
		"metric":  metric,
	})
	if err != nil {
		return domain.ResultRecord{}, err
	}
	return d.SubmitAndWait(ctx, domain.RequestLeaderboard, payload, SubmitOptions{
		EventID: eventID, Timeout: timeout,
	})
}

// UserScore computes one user's score at an event.
func (d *Dispatcher) UserScore(ctx domain.Context, userID, eventID domain.ID, timeout time.Duration) (domain.ResultRecord, error) {
	payload, err := json.Marshal(map[string]any{
		"userId":  userID,
		"eventId": eventID,
	})
	if err != nil {
		return domain.ResultRecord{}, err
	}
	return d.SubmitAndWait(ctx, domain.RequestUserScore, payload, SubmitOptions{
		UserID: userID, EventID: eventID, Timeout: timeout,
	})
}
