package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/db"
	solanasvc "github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB, far above the largest legal transaction
	maxWorkflowIDLen   = 200
	maxRebuildsLimit   = 10
	minCanaryInterval  = time.Second
	defaultListLimit   = 50
	maxListLimit       = 1000

	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

var validCanaryName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validClusters = map[string]bool{"mainnet-beta": true, "devnet": true, "testnet": true}

// landRequest is the body of POST /api/v1/transactions.
// Data is base64 encoded, as encoding/json does for []byte.
type landRequest struct {
	WorkflowID  string                  `json:"workflow_id,omitempty"`
	ProgramID   string                  `json:"program_id"`
	Accounts    []temporal.AccountInput `json:"accounts"`
	Data        []byte                  `json:"data,omitempty"`
	Commitment  string                  `json:"commitment,omitempty"`
	MaxRebuilds *int                    `json:"max_rebuilds,omitempty"`
}

// toInput validates the request and fills defaults from cfg.
func (req *landRequest) toInput(cfg *config.Config) (temporal.LandTransactionInput, error) {
	if req.ProgramID == "" {
		return temporal.LandTransactionInput{}, errorf("program_id is required")
	}
	if _, err := solanago.PublicKeyFromBase58(req.ProgramID); err != nil {
		return temporal.LandTransactionInput{}, errorf("invalid program_id: %v", err)
	}
	if len(req.Accounts) == 0 {
		return temporal.LandTransactionInput{}, errorf("at least one account is required")
	}

	hasSigner := false
	for i, acc := range req.Accounts {
		if _, err := solanago.PublicKeyFromBase58(acc.PublicKey); err != nil {
			return temporal.LandTransactionInput{}, errorf("invalid accounts[%d].public_key: %v", i, err)
		}
		hasSigner = hasSigner || acc.IsSigner
	}
	if !hasSigner {
		return temporal.LandTransactionInput{}, errorf("at least one account must be a signer; the first signer pays fees")
	}

	commitment := req.Commitment
	if commitment == "" {
		commitment = cfg.Commitment
	}
	if _, err := solanasvc.ParseCommitment(commitment); err != nil {
		return temporal.LandTransactionInput{}, errorf("%v", err)
	}

	rebuilds := cfg.MaxRebuilds
	if req.MaxRebuilds != nil {
		rebuilds = *req.MaxRebuilds
	}
	if rebuilds < 0 || rebuilds > maxRebuildsLimit {
		return temporal.LandTransactionInput{}, errorf("max_rebuilds must be between 0 and %d", maxRebuildsLimit)
	}

	return temporal.LandTransactionInput{
		ProgramID:   req.ProgramID,
		Accounts:    req.Accounts,
		Data:        req.Data,
		Commitment:  commitment,
		MaxRebuilds: rebuilds,
	}, nil
}

// handleLandTransaction starts a land workflow and returns its IDs without
// waiting for the outcome.
// POST /api/v1/transactions
func handleLandTransaction(workflows Workflows, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req landRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		input, err := req.toInput(cfg)
		if err != nil {
			logger.Debug("invalid land request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		workflowID := req.WorkflowID
		if workflowID == "" {
			workflowID = "land-" + uuid.NewString()
		}
		if len(workflowID) > maxWorkflowIDLen {
			writeError(w, fmt.Sprintf("workflow_id exceeds %d characters", maxWorkflowIDLen), http.StatusBadRequest)
			return
		}

		run, err := workflows.StartLandWorkflow(r.Context(), workflowID, input)
		if err != nil {
			logger.Error("failed to start land workflow", "workflow_id", workflowID, "error", err)
			writeError(w, "failed to start workflow", http.StatusInternalServerError)
			return
		}

		logger.Info("land workflow started",
			"workflow_id", run.GetID(),
			"run_id", run.GetRunID(),
			"program_id", input.ProgramID,
		)
		writeJSON(w, map[string]string{
			"workflow_id": run.GetID(),
			"run_id":      run.GetRunID(),
		}, http.StatusAccepted)
	})
}

// handleGetTransaction reports a land workflow's status and, once closed,
// its result.
// GET /api/v1/transactions/{workflow_id}
func handleGetTransaction(workflows Workflows, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("workflow_id")
		if workflowID == "" || len(workflowID) > maxWorkflowIDLen {
			writeError(w, "invalid workflow_id", http.StatusBadRequest)
			return
		}

		status, err := workflows.DescribeLandWorkflow(r.Context(), workflowID)
		if errors.Is(err, temporal.ErrWorkflowNotFound) {
			writeError(w, "workflow not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to describe workflow", "workflow_id", workflowID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, status, http.StatusOK)
	})
}

// canaryRequest is the body of PUT /api/v1/canaries/{name}.
type canaryRequest struct {
	Interval    string      `json:"interval"`
	Transaction landRequest `json:"transaction"`
}

// handleUpsertCanary creates or replaces a canary schedule.
// PUT /api/v1/canaries/{name}
func handleUpsertCanary(scheduler temporal.Scheduler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !validCanaryName.MatchString(name) {
			writeError(w, "canary name must be 1-64 letters, digits, '-' or '_'", http.StatusBadRequest)
			return
		}

		var req canaryRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		interval, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid interval: %v", err), http.StatusBadRequest)
			return
		}
		if interval < minCanaryInterval {
			writeError(w, fmt.Sprintf("interval must be at least %s", minCanaryInterval), http.StatusBadRequest)
			return
		}

		input, err := req.Transaction.toInput(cfg)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.UpsertCanarySchedule(r.Context(), name, input, interval); err != nil {
			logger.Error("failed to upsert canary", "name", name, "error", err)
			writeError(w, "failed to save canary schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("canary saved", "name", name, "interval", interval, "program_id", input.ProgramID)
		writeJSON(w, map[string]string{
			"name":     name,
			"interval": interval.String(),
		}, http.StatusOK)
	})
}

// DELETE /api/v1/canaries/{name}
func handleDeleteCanary(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !validCanaryName.MatchString(name) {
			writeError(w, "invalid canary name", http.StatusBadRequest)
			return
		}

		if err := scheduler.DeleteCanarySchedule(r.Context(), name); err != nil {
			logger.Error("failed to delete canary", "name", name, "error", err)
			writeError(w, "failed to delete canary schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("canary deleted", "name", name)
		w.WriteHeader(http.StatusNoContent)
	})
}

// GET /api/v1/submissions/{signature}
func handleGetSubmission(store SubmissionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if _, err := solanago.SignatureFromBase58(signature); err != nil {
			writeError(w, "invalid signature", http.StatusBadRequest)
			return
		}

		sub, err := store.GetSubmission(r.Context(), signature)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "submission not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get submission", "signature", signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, sub, http.StatusOK)
	})
}

// handleSubmissionQR renders a PNG QR code linking to the transaction in a
// block explorer, so a landed signature can be opened from a phone.
// GET /api/v1/submissions/{signature}/qr?cluster=devnet&size=256
func handleSubmissionQR(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if _, err := solanago.SignatureFromBase58(signature); err != nil {
			writeError(w, "invalid signature", http.StatusBadRequest)
			return
		}

		size, err := intParam(r.URL.Query().Get("size"), defaultQRSize)
		if err != nil || size < minQRSize || size > maxQRSize {
			writeError(w, fmt.Sprintf("size must be between %d and %d", minQRSize, maxQRSize), http.StatusBadRequest)
			return
		}

		cluster := r.URL.Query().Get("cluster")
		if cluster != "" && !validClusters[cluster] {
			writeError(w, "invalid cluster", http.StatusBadRequest)
			return
		}

		png, err := qrcode.Encode(explorerURL(signature, cluster), qrcode.Medium, size)
		if err != nil {
			logger.Error("failed to encode QR code", "signature", signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	})
}

func explorerURL(signature, cluster string) string {
	u := "https://explorer.solana.com/tx/" + signature
	if cluster != "" && cluster != "mainnet-beta" {
		u += "?cluster=" + cluster
	}
	return u
}

// handleListSubmissions lists recorded submissions, most recent first.
// GET /api/v1/submissions?program_id=ID&status=S&limit=N&offset=N
func handleListSubmissions(store SubmissionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		programID := query.Get("program_id")
		if programID != "" {
			if _, err := solanago.PublicKeyFromBase58(programID); err != nil {
				writeError(w, "invalid program_id", http.StatusBadRequest)
				return
			}
		}

		status := query.Get("status")
		switch solanasvc.Status(status) {
		case "", solanasvc.StatusPending, solanasvc.StatusConfirmed, solanasvc.StatusFailed, solanasvc.StatusExpired:
		default:
			writeError(w, "status must be pending, confirmed, failed or expired", http.StatusBadRequest)
			return
		}

		limit, err := intParam(query.Get("limit"), defaultListLimit)
		if err != nil || limit < 1 || limit > maxListLimit {
			writeError(w, fmt.Sprintf("limit must be an integer between 1 and %d", maxListLimit), http.StatusBadRequest)
			return
		}
		offset, err := intParam(query.Get("offset"), 0)
		if err != nil || offset < 0 {
			writeError(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}

		subs, err := store.ListSubmissions(r.Context(), db.ListSubmissionsParams{
			ProgramID: programID,
			Status:    status,
			Limit:     int32(limit),
			Offset:    int32(offset),
		})
		if err != nil {
			logger.Error("failed to list submissions", "program_id", programID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if subs == nil {
			subs = []*db.Submission{}
		}

		logger.Debug("submissions listed", "program_id", programID, "count", len(subs))
		writeJSON(w, map[string]interface{}{
			"submissions": subs,
			"count":       len(subs),
			"limit":       limit,
			"offset":      offset,
		}, http.StatusOK)
	})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// decodeBody reads a size-limited JSON body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errorf("request body too large")
		}
		return errorf("invalid request body: %v", err)
	}
	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

type validationError struct {
	message string
}

func errorf(format string, args ...interface{}) error {
	return &validationError{message: fmt.Sprintf(format, args...)}
}

func (e *validationError) Error() string {
	return e.message
}
