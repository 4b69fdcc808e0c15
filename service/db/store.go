package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/txlander/service/metrics"
)

// ErrNotFound is returned when no submission has the requested signature.
var ErrNotFound = errors.New("submission not found")

// Schema creates the submissions table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS submissions (
    signature               TEXT PRIMARY KEY,
    program_id              TEXT NOT NULL,
    fee_payer               TEXT NOT NULL,
    last_valid_block_height BIGINT NOT NULL,
    commitment              TEXT NOT NULL,
    status                  TEXT NOT NULL DEFAULT 'pending',
    reason                  TEXT,
    slot                    BIGINT,
    polls                   INTEGER NOT NULL DEFAULT 0,
    submitted_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at            TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS submissions_program_submitted_idx
    ON submissions (program_id, submitted_at DESC);
`

const submissionColumns = `signature, program_id, fee_payer, last_valid_block_height, commitment,
    status, reason, slot, polls, submitted_at, completed_at`

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Submission is one transaction sent to the cluster and what became of it.
type Submission struct {
	Signature            string     `json:"signature"`
	ProgramID            string     `json:"program_id"`
	FeePayer             string     `json:"fee_payer"`
	LastValidBlockHeight int64      `json:"last_valid_block_height"`
	Commitment           string     `json:"commitment"`
	Status               string     `json:"status"`
	Reason               *string    `json:"reason,omitempty"`
	Slot                 *int64     `json:"slot,omitempty"`
	Polls                int32      `json:"polls"`
	SubmittedAt          time.Time  `json:"submitted_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// RecordSubmissionParams contains the parameters for recording a submission.
type RecordSubmissionParams struct {
	Signature            string
	ProgramID            string
	FeePayer             string
	LastValidBlockHeight int64
	Commitment           string
}

// SaveOutcomeParams contains the terminal state of a submission.
type SaveOutcomeParams struct {
	Signature            string
	ProgramID            string
	FeePayer             string
	LastValidBlockHeight int64
	Commitment           string
	Status               string
	Reason               *string
	Slot                 *int64
	Polls                int32
	CompletedAt          time.Time
}

// ListSubmissionsParams filters and paginates ListSubmissions.
// Empty ProgramID and Status match everything.
type ListSubmissionsParams struct {
	ProgramID string
	Status    string
	Limit     int32
	Offset    int32
}

// RecordSubmission inserts a pending submission. Recording the same
// signature twice leaves the first row untouched.
func (s *Store) RecordSubmission(ctx context.Context, params RecordSubmissionParams) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
INSERT INTO submissions (signature, program_id, fee_payer, last_valid_block_height, commitment)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (signature) DO UPDATE SET signature = EXCLUDED.signature
RETURNING `+submissionColumns,
		params.Signature, params.ProgramID, params.FeePayer, params.LastValidBlockHeight, params.Commitment,
	)
	sub, err := scanSubmission(row)
	s.metrics.RecordDBQuery("record_submission", "submissions", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to record submission %s: %w", params.Signature, err)
	}
	return sub, nil
}

// SaveOutcome stores the terminal state of a submission, inserting the row
// if the submission itself was never recorded.
func (s *Store) SaveOutcome(ctx context.Context, params SaveOutcomeParams) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
INSERT INTO submissions (signature, program_id, fee_payer, last_valid_block_height, commitment,
    status, reason, slot, polls, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (signature) DO UPDATE SET
    status = EXCLUDED.status,
    reason = EXCLUDED.reason,
    slot = EXCLUDED.slot,
    polls = EXCLUDED.polls,
    completed_at = EXCLUDED.completed_at
RETURNING `+submissionColumns,
		params.Signature, params.ProgramID, params.FeePayer, params.LastValidBlockHeight, params.Commitment,
		params.Status, pgtextFromStringPtr(params.Reason), pgint8FromInt64Ptr(params.Slot), params.Polls,
		pgtype.Timestamptz{Time: params.CompletedAt, Valid: true},
	)
	sub, err := scanSubmission(row)
	s.metrics.RecordDBQuery("save_outcome", "submissions", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to save outcome for %s: %w", params.Signature, err)
	}
	return sub, nil
}

// GetSubmission retrieves a submission by its signature.
func (s *Store) GetSubmission(ctx context.Context, signature string) (*Submission, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE signature = $1`, signature)
	sub, err := scanSubmission(row)
	s.metrics.RecordDBQuery("get_submission", "submissions", time.Since(start).Seconds(), err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, signature)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubmissions returns submissions, most recent first.
func (s *Store) ListSubmissions(ctx context.Context, params ListSubmissionsParams) ([]*Submission, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
SELECT `+submissionColumns+`
FROM submissions
WHERE ($1::text = '' OR program_id = $1)
  AND ($2::text = '' OR status = $2)
ORDER BY submitted_at DESC, signature
LIMIT $3 OFFSET $4`,
		params.ProgramID, params.Status, params.Limit, params.Offset,
	)
	if err != nil {
		s.metrics.RecordDBQuery("list_submissions", "submissions", time.Since(start).Seconds(), err)
		return nil, err
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			s.metrics.RecordDBQuery("list_submissions", "submissions", time.Since(start).Seconds(), err)
			return nil, err
		}
		out = append(out, sub)
	}
	err = rows.Err()
	s.metrics.RecordDBQuery("list_submissions", "submissions", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSubmissionsOlderThan removes submissions recorded before the given time.
func (s *Store) DeleteSubmissionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM submissions WHERE submitted_at < $1`,
		pgtype.Timestamptz{Time: before, Valid: true})
	s.metrics.RecordDBQuery("delete_submissions", "submissions", time.Since(start).Seconds(), err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Helper functions

func scanSubmission(row pgx.Row) (*Submission, error) {
	var (
		sub         Submission
		reason      pgtype.Text
		slot        pgtype.Int8
		submittedAt pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&sub.Signature,
		&sub.ProgramID,
		&sub.FeePayer,
		&sub.LastValidBlockHeight,
		&sub.Commitment,
		&sub.Status,
		&reason,
		&slot,
		&sub.Polls,
		&submittedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Reason = stringPtrFromPgtext(reason)
	sub.Slot = int64PtrFromPgint8(slot)
	sub.SubmittedAt = submittedAt.Time
	sub.CompletedAt = timePtrFromPgTimestamptz(completedAt)
	return &sub, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromInt64Ptr(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func int64PtrFromPgint8(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
