package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// ErrWorkflowNotFound is returned when no land workflow has the given ID.
var ErrWorkflowNotFound = errors.New("workflow not found")

// LandWorkflowStatus reports where a land workflow is. Result is set once
// the workflow has closed.
type LandWorkflowStatus struct {
	WorkflowID string                 `json:"workflow_id"`
	RunID      string                 `json:"run_id"`
	Status     string                 `json:"status"`
	Result     *LandTransactionResult `json:"result,omitempty"`
}

// Client is a production implementation of Scheduler that talks to Temporal.
// It also starts one-off land workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartLandWorkflow starts LandTransactionWorkflow. An empty workflowID lets
// the server pick one.
func (c *Client) StartLandWorkflow(ctx context.Context, workflowID string, input LandTransactionInput) (client.WorkflowRun, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
	}, LandTransactionWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start land workflow", "workflow_id", workflowID, "error", err)
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	c.logger.Info("land workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"program_id", input.ProgramID,
	)
	return run, nil
}

// DescribeLandWorkflow returns the status of the latest run of workflowID,
// with its result when the run has closed.
func (c *Client) DescribeLandWorkflow(ctx context.Context, workflowID string) (*LandWorkflowStatus, error) {
	desc, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to describe workflow: %w", err)
	}

	info := desc.GetWorkflowExecutionInfo()
	status := &LandWorkflowStatus{
		WorkflowID: workflowID,
		RunID:      info.GetExecution().GetRunId(),
		Status:     info.GetStatus().String(),
	}
	if info.GetStatus() == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		return status, nil
	}

	var result LandTransactionResult
	if err := c.client.GetWorkflow(ctx, workflowID, status.RunID).Get(ctx, &result); err != nil {
		recovered, ok := ResultFromError(err)
		if !ok {
			msg := err.Error()
			recovered = LandTransactionResult{Error: &msg}
		}
		result = recovered
	}
	status.Result = &result
	return status, nil
}

// ResultFromError recovers the result attached to a Failed or Expired
// workflow error.
func ResultFromError(err error) (LandTransactionResult, bool) {
	var appErr *temporalsdk.ApplicationError
	if !errors.As(err, &appErr) || !appErr.HasDetails() {
		return LandTransactionResult{}, false
	}
	var result LandTransactionResult
	if detailsErr := appErr.Details(&result); detailsErr != nil {
		return LandTransactionResult{}, false
	}
	return result, true
}

// CreateCanarySchedule creates a schedule that lands input every interval.
// A canary that keeps landing shows the cluster and the signer are healthy.
func (c *Client) CreateCanarySchedule(ctx context.Context, name string, input LandTransactionInput, interval time.Duration) error {
	id := scheduleID(name)

	c.logger.Debug("creating canary schedule",
		"name", name,
		"schedule_id", id,
		"program_id", input.ProgramID,
		"interval", interval,
	)

	workflowAction := client.ScheduleWorkflowAction{
		ID:        "land-canary-" + name,
		Workflow:  LandTransactionWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &workflowAction,
		Memo: map[string]interface{}{
			"program_id": input.ProgramID,
			"created_by": "txlander",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("canary schedule created",
		"schedule_id", id,
		"program_id", input.ProgramID,
		"interval", interval,
	)

	return nil
}

// UpsertCanarySchedule creates the canary schedule or, if it exists,
// replaces its interval and input.
func (c *Client) UpsertCanarySchedule(ctx context.Context, name string, input LandTransactionInput, interval time.Duration) error {
	id := scheduleID(name)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.CreateCanarySchedule(ctx, name, input, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			in.Description.Schedule.Action = &client.ScheduleWorkflowAction{
				ID:        "land-canary-" + name,
				Workflow:  LandTransactionWorkflow,
				TaskQueue: c.taskQueue,
				Args:      []interface{}{input},
			}
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("canary schedule updated",
		"schedule_id", id,
		"interval", interval,
	)

	return nil
}

// DeleteCanarySchedule deletes the canary schedule.
func (c *Client) DeleteCanarySchedule(ctx context.Context, name string) error {
	id := scheduleID(name)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("canary schedule deleted", "schedule_id", id)

	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
