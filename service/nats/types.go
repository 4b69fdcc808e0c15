package nats

import (
	"time"

	solanasvc "github.com/brojonat/txlander/service/solana"
)

// OutcomeEvent is published to "outcomes.{program_id}" in JetStream whenever
// a submitted transaction reaches a terminal state.
type OutcomeEvent struct {
	Signature string `json:"signature"`
	ProgramID string `json:"program_id"`
	FeePayer  string `json:"fee_payer,omitempty"`

	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Slot       uint64 `json:"slot,omitempty"`
	Commitment string `json:"commitment"`
	Reached    string `json:"reached,omitempty"`

	Polls     int    `json:"polls"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Explorer  string `json:"explorer_url,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// FromOutcome converts a terminal outcome into an event for publishing.
func FromOutcome(outcome *solanasvc.Outcome, programID, feePayer, explorerURL string) *OutcomeEvent {
	return &OutcomeEvent{
		Signature:   outcome.Signature.String(),
		ProgramID:   programID,
		FeePayer:    feePayer,
		Status:      string(outcome.Status),
		Reason:      outcome.Reason,
		Slot:        outcome.Slot,
		Commitment:  string(outcome.Commitment),
		Reached:     string(outcome.Reached),
		Polls:       outcome.Polls,
		ElapsedMS:   outcome.Elapsed.Milliseconds(),
		Explorer:    explorerURL,
		PublishedAt: time.Now().UTC(),
	}
}

// Subject returns the subject events for programID are published on.
func Subject(programID string) string {
	if programID == "" {
		return StreamSubjects
	}
	return SubjectPrefix + programID
}
