package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// ConsumerStatus reports the lifecycle state of the result consumer.
type ConsumerStatus interface{ State() string }

// BuildReadinessChecks returns the db and broker readiness checks.
func BuildReadinessChecks(pool Pinger, consumer ConsumerStatus, runningState string) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	brokerCheck := func(_ context.Context) error {
		if consumer == nil {
			return fmt.Errorf("consumer not configured")
		}
		if s := consumer.State(); s != runningState {
			return fmt.Errorf("consumer state %s", s)
		}
		return nil
	}
	return dbCheck, brokerCheck
}
