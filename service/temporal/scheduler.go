package temporal

import (
	"context"
	"time"
)

// Scheduler manages canary schedules. Each canary periodically triggers
// LandTransactionWorkflow with a fixed input.
type Scheduler interface {
	// UpsertCanarySchedule creates the named canary, or updates its interval.
	UpsertCanarySchedule(ctx context.Context, name string, input LandTransactionInput, interval time.Duration) error

	// DeleteCanarySchedule stops the named canary.
	DeleteCanarySchedule(ctx context.Context, name string) error
}

// scheduleID returns the Temporal schedule ID for a canary name.
func scheduleID(name string) string {
	return "land-canary-" + name
}
