package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration // map[scheduleID]interval
	inputs    map[string]LandTransactionInput
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
		inputs:    make(map[string]LandTransactionInput),
	}
}

// UpsertCanarySchedule creates or updates a schedule.
func (m *MockScheduler) UpsertCanarySchedule(ctx context.Context, name string, input LandTransactionInput, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(name)
	m.schedules[id] = interval // Creates or updates
	m.inputs[id] = input
	return nil
}

// DeleteCanarySchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteCanarySchedule(ctx context.Context, name string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(name)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}

	delete(m.schedules, id)
	delete(m.inputs, id)
	return nil
}

// SetCreateError makes UpsertCanarySchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteCanarySchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// GetSchedule returns the interval and input of a canary.
func (m *MockScheduler) GetSchedule(name string) (time.Duration, LandTransactionInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(name)
	interval, exists := m.schedules[id]
	return interval, m.inputs[id], exists
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}
