// Package client talks to the txlander HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the server has no such workflow or submission.
	ErrNotFound = errors.New("not found")

	// ErrStopStream is returned by a Stream handler to end the stream cleanly.
	ErrStopStream = errors.New("stop stream")
)

// Account is one account reference of the instruction.
type Account struct {
	PublicKey  string `json:"public_key"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// LandRequest asks the server to land one transaction. Empty fields take the
// server's defaults.
type LandRequest struct {
	WorkflowID  string    `json:"workflow_id,omitempty"`
	ProgramID   string    `json:"program_id"`
	Accounts    []Account `json:"accounts"`
	Data        []byte    `json:"data,omitempty"`
	Commitment  string    `json:"commitment,omitempty"`
	MaxRebuilds *int      `json:"max_rebuilds,omitempty"`
}

// LandResponse identifies the workflow landing a transaction.
type LandResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Result is what a land workflow ended with.
type Result struct {
	Signature  string   `json:"signature"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	Slot       uint64   `json:"slot,omitempty"`
	Attempts   int      `json:"attempts"`
	Signatures []string `json:"signatures"`
	Error      *string  `json:"error,omitempty"`
}

// WorkflowStatus reports a land workflow. Result is nil while it runs.
type WorkflowStatus struct {
	WorkflowID string  `json:"workflow_id"`
	RunID      string  `json:"run_id"`
	Status     string  `json:"status"`
	Result     *Result `json:"result,omitempty"`
}

// Submission is one recorded transaction.
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

// ListOptions filters ListSubmissions. Zero values are omitted.
type ListOptions struct {
	ProgramID string
	Status    string
	Limit     int
	Offset    int
}

// Outcome is a terminal outcome streamed by the server.
type Outcome struct {
	Signature   string    `json:"signature"`
	ProgramID   string    `json:"program_id"`
	FeePayer    string    `json:"fee_payer,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Slot        uint64    `json:"slot,omitempty"`
	Commitment  string    `json:"commitment"`
	Reached     string    `json:"reached,omitempty"`
	Polls       int       `json:"polls"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	Explorer    string    `json:"explorer_url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Client is the HTTP client for the txlander API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new API client. Stream and AwaitOutcome hold a request open,
// so an httpClient with a Timeout cuts them off; bound them with ctx instead.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Land starts a land workflow and returns without waiting for the outcome.
func (c *Client) Land(ctx context.Context, req LandRequest) (*LandResponse, error) {
	var out LandResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions", req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("land workflow started", "workflow_id", out.WorkflowID, "run_id", out.RunID)
	return &out, nil
}

// GetTransaction reports the workflow started by Land.
func (c *Client) GetTransaction(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	var out WorkflowStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(workflowID), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForResult polls GetTransaction every interval until the workflow has
// a result or ctx is done.
func (c *Client) WaitForResult(ctx context.Context, workflowID string, interval time.Duration) (*Result, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetTransaction(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if status.Result != nil {
			return status.Result, nil
		}
		c.logger.Debug("workflow still running", "workflow_id", workflowID, "status", status.Status)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetSubmission fetches the record of one signature.
func (c *Client) GetSubmission(ctx context.Context, signature string) (*Submission, error) {
	var out Submission
	if err := c.do(ctx, http.MethodGet, "/api/v1/submissions/"+url.PathEscape(signature), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmissionQR fetches a PNG QR code linking to the signature in a block
// explorer. cluster may be empty for mainnet.
func (c *Client) SubmissionQR(ctx context.Context, signature, cluster string) ([]byte, error) {
	path := "/api/v1/submissions/" + url.PathEscape(signature) + "/qr"
	if cluster != "" {
		path += "?" + url.Values{"cluster": {cluster}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}
	png, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read QR code: %w", err)
	}
	return png, nil
}

// ListSubmissions lists recorded submissions, most recent first.
func (c *Client) ListSubmissions(ctx context.Context, opts ListOptions) ([]*Submission, error) {
	q := url.Values{}
	if opts.ProgramID != "" {
		q.Set("program_id", opts.ProgramID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/v1/submissions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Submissions []*Submission `json:"submissions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// SetCanary creates or replaces a schedule that lands req every interval.
func (c *Client) SetCanary(ctx context.Context, name string, interval time.Duration, req LandRequest) error {
	body := map[string]interface{}{
		"interval":    interval.String(),
		"transaction": req,
	}
	return c.do(ctx, http.MethodPut, "/api/v1/canaries/"+url.PathEscape(name), body, http.StatusOK, nil)
}

// DeleteCanary removes a canary schedule.
func (c *Client) DeleteCanary(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/canaries/"+url.PathEscape(name), nil, http.StatusNoContent, nil)
}

// Stream calls handle for each outcome the server streams for programID
// (all programs when empty). It returns when ctx is done, the server closes
// the stream, or handle returns an error; ErrStopStream from handle ends
// the stream without error.
func (c *Client) Stream(ctx context.Context, programID string, handle func(*Outcome) error) error {
	path := "/api/v1/stream/outcomes"
	if programID != "" {
		path += "/" + url.PathEscape(programID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := c.dispatch(event, data, handle); err != nil {
				if errors.Is(err, ErrStopStream) {
					return nil
				}
				return err
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func (c *Client) dispatch(event, data string, handle func(*Outcome) error) error {
	switch event {
	case "outcome":
		var o Outcome
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			c.logger.Warn("skipping malformed outcome", "error", err)
			return nil
		}
		return handle(&o)
	case "error":
		var info struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(data), &info)
		return fmt.Errorf("server error: %s", info.Error)
	}
	// connected, keepalive comments and unknown events
	return nil
}

// AwaitOutcome blocks until the server streams the outcome of signature.
// Outcomes published before the call are not replayed, so start awaiting
// before the transaction can reach a terminal state, or use GetSubmission.
func (c *Client) AwaitOutcome(ctx context.Context, programID, signature string) (*Outcome, error) {
	var found *Outcome
	err := c.Stream(ctx, programID, func(o *Outcome) error {
		if o.Signature != signature {
			return nil
		}
		found = o
		return ErrStopStream
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("stream closed before %s reached a terminal state", signature)
	}
	return found, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		errResp.Error = fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errResp.Error)
	}
	return fmt.Errorf("request failed: %s", errResp.Error)
}
