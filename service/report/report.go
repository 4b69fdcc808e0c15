// Package report is the single place where pipeline results become
// user-visible: a log line for success, an error for everything else.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/txlander/service/db"
	natspkg "github.com/brojonat/txlander/service/nats"
	solanasvc "github.com/brojonat/txlander/service/solana"
)

// Recorder persists outcomes. *db.Store satisfies it.
type Recorder interface {
	SaveOutcome(ctx context.Context, params db.SaveOutcomeParams) (*db.Submission, error)
}

// Meta is what the reporter knows about a transaction beyond its outcome.
type Meta struct {
	ProgramID            string
	FeePayer             string
	LastValidBlockHeight uint64
}

// Reporter maps outcomes to results and fans them out to the optional sinks.
type Reporter struct {
	logger      *slog.Logger
	explorerURL string
	rpcURL      string
	recorder    Recorder
	publisher   natspkg.Publisher
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithRecorder stores every reported outcome.
func WithRecorder(r Recorder) Option {
	return func(rep *Reporter) { rep.recorder = r }
}

// WithPublisher publishes every reported outcome.
func WithPublisher(p natspkg.Publisher) Option {
	return func(rep *Reporter) { rep.publisher = p }
}

// NewReporter returns a Reporter whose explorer links point at explorerURL
// for a cluster reachable at rpcURL.
func NewReporter(logger *slog.Logger, explorerURL, rpcURL string, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		logger:      logger,
		explorerURL: strings.TrimRight(explorerURL, "/"),
		rpcURL:      rpcURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExplorerURL links to sig on the explorer, pointed at the configured cluster.
func (r *Reporter) ExplorerURL(sig string) string {
	if r.explorerURL == "" {
		return ""
	}
	link := fmt.Sprintf("%s/tx/%s", r.explorerURL, sig)
	if r.rpcURL != "" {
		link += "?cluster=custom&customUrl=" + url.QueryEscape(r.rpcURL)
	}
	return link
}

// Report is ReportWith without metadata.
func (r *Reporter) Report(ctx context.Context, outcome *solanasvc.Outcome) error {
	return r.ReportWith(ctx, outcome, Meta{})
}

// ReportWith turns outcome into a result. Confirmed logs the signature and
// an explorer link and returns nil; Failed returns ErrFailed with the
// node's reason; Expired returns ErrExpired. Sink failures are logged and
// never change the result.
func (r *Reporter) ReportWith(ctx context.Context, outcome *solanasvc.Outcome, meta Meta) error {
	if outcome == nil {
		return r.ReportError(ctx, fmt.Errorf("%w: no outcome to report", solanasvc.ErrValidation))
	}

	sig := outcome.Signature.String()
	if !outcome.Status.Terminal() {
		return r.ReportError(ctx, fmt.Errorf("%w: outcome %s is not terminal (%s)", solanasvc.ErrValidation, sig, outcome.Status))
	}

	link := r.ExplorerURL(sig)
	r.record(ctx, outcome, meta)
	r.publish(ctx, outcome, meta, link)

	switch outcome.Status {
	case solanasvc.StatusConfirmed:
		r.logger.InfoContext(ctx, "transaction successful",
			"signature", sig,
			"slot", outcome.Slot,
			"commitment", string(outcome.Commitment),
			"explorer_url", link,
		)
		return nil
	case solanasvc.StatusFailed:
		err := fmt.Errorf("%w: %s: %s", solanasvc.ErrFailed, sig, outcome.Reason)
		r.logger.ErrorContext(ctx, "transaction failed", "signature", sig, "reason", outcome.Reason, "explorer_url", link)
		return err
	default:
		err := fmt.Errorf("%w: %s: %s", solanasvc.ErrExpired, sig, outcome.Reason)
		r.logger.ErrorContext(ctx, "transaction expired", "signature", sig, "reason", outcome.Reason)
		return err
	}
}

// ReportError logs an error raised before any outcome existed and returns it.
func (r *Reporter) ReportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	r.logger.ErrorContext(ctx, "transaction not landed", "kind", Kind(err), "error", err)
	return err
}

// Kind names the error kind err belongs to.
func Kind(err error) string {
	var missing *solanasvc.MissingSignerError
	switch {
	case errors.As(err, &missing):
		return "missing_signer"
	case errors.Is(err, solanasvc.ErrValidation):
		return "validation"
	case errors.Is(err, solanasvc.ErrSubmission):
		return "submission"
	case errors.Is(err, solanasvc.ErrExpired):
		return "expired"
	case errors.Is(err, solanasvc.ErrFailed):
		return "failed"
	case errors.Is(err, solanasvc.ErrOutcomeUnknown):
		return "outcome_unknown"
	case errors.Is(err, solanasvc.ErrNetwork):
		return "network"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

func (r *Reporter) record(ctx context.Context, outcome *solanasvc.Outcome, meta Meta) {
	if r.recorder == nil {
		return
	}
	expiry := meta.LastValidBlockHeight
	if expiry == 0 {
		expiry = outcome.ExpiryHeight
	}
	params := db.SaveOutcomeParams{
		Signature:            outcome.Signature.String(),
		ProgramID:            meta.ProgramID,
		FeePayer:             meta.FeePayer,
		LastValidBlockHeight: int64(expiry),
		Commitment:           string(outcome.Commitment),
		Status:               string(outcome.Status),
		Polls:                int32(outcome.Polls),
		CompletedAt:          time.Now().UTC(),
	}
	if outcome.Reason != "" {
		reason := outcome.Reason
		params.Reason = &reason
	}
	if outcome.Slot != 0 {
		slot := int64(outcome.Slot)
		params.Slot = &slot
	}
	if _, err := r.recorder.SaveOutcome(ctx, params); err != nil {
		r.logger.WarnContext(ctx, "failed to record outcome", "signature", params.Signature, "error", err)
	}
}

func (r *Reporter) publish(ctx context.Context, outcome *solanasvc.Outcome, meta Meta, link string) {
	if r.publisher == nil {
		return
	}
	event := natspkg.FromOutcome(outcome, meta.ProgramID, meta.FeePayer, link)
	if err := r.publisher.PublishOutcome(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish outcome", "signature", event.Signature, "error", err)
	}
}
