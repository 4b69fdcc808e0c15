package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/temporal"
)

// newScheduler is swapped out by tests.
var newScheduler = func(c *cli.Context, cfg *config.Config, logger *slog.Logger) (temporal.Scheduler, func(), error) {
	tc, err := dialTemporal(c, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return tc, tc.Close, nil
}

func dialTemporal(c *cli.Context, cfg *config.Config, logger *slog.Logger) (*temporal.Client, error) {
	return temporal.NewClient(
		firstNonEmpty(c.String("temporal-host"), cfg.TemporalHost),
		firstNonEmpty(c.String("temporal-namespace"), cfg.TemporalNamespace),
		firstNonEmpty(c.String("task-queue"), cfg.TemporalTaskQueue),
		logger,
	)
}

// workflowFlags are instructionFlags plus the task queue. Signers are named
// by public key only; the worker's keyring holds the private halves.
func workflowFlags() []cli.Flag {
	return append(instructionFlags(),
		&cli.StringFlag{
			Name:    "task-queue",
			Usage:   "Temporal task queue served by txlander workers",
			EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
		},
	)
}

// landInput converts the instruction flags into workflow input.
func landInput(c *cli.Context, cfg *config.Config) (temporal.LandTransactionInput, error) {
	req, err := instructionRequest(c, cfg.ProgramID, cfg.ProgramKeypairPath, cfg.Commitment)
	if err != nil {
		return temporal.LandTransactionInput{}, err
	}

	input := temporal.LandTransactionInput{
		ProgramID:   req.ProgramID.String(),
		Data:        req.Data,
		Commitment:  string(req.Commitment),
		MaxRebuilds: cfg.MaxRebuilds,
	}
	if c.IsSet("rebuilds") {
		input.MaxRebuilds = c.Int("rebuilds")
	}
	hasSigner := false
	for _, acc := range req.Accounts {
		hasSigner = hasSigner || acc.IsSigner
		input.Accounts = append(input.Accounts, temporal.AccountInput{
			PublicKey:  acc.PublicKey.String(),
			IsSigner:   acc.IsSigner,
			IsWritable: acc.IsWritable,
		})
	}
	if !hasSigner {
		return temporal.LandTransactionInput{}, fmt.Errorf("at least one --account must carry the s flag; the first signer pays fees")
	}
	return input, nil
}

func workflowStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a LandTransactionWorkflow",
		Description: `Hands the transaction to a txlander worker. The worker signs with its own
keys, so every signer account must be one the worker holds.

Example:
  txlander workflow start -p MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr \
    -a 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin:sw --data hello --wait`,
		Flags: append(workflowFlags(),
			&cli.StringFlag{
				Name:  "workflow-id",
				Usage: "Workflow id (default: land-<uuid>)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Block until the workflow completes and print its result",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			input, err := landInput(c, cfg)
			if err != nil {
				return err
			}

			tc, err := dialTemporal(c, cfg, logger)
			if err != nil {
				return err
			}
			defer tc.Close()

			workflowID := c.String("workflow-id")
			if workflowID == "" {
				workflowID = "land-" + uuid.NewString()
			}

			ctx := c.Context
			run, err := tc.StartLandWorkflow(ctx, workflowID, input)
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(c.App.Writer, map[string]string{
						"workflow_id": run.GetID(),
						"run_id":      run.GetRunID(),
					})
				}
				fmt.Fprintf(c.App.Writer, "Started workflow %s (run %s)\n", run.GetID(), run.GetRunID())
				return nil
			}

			var result temporal.LandTransactionResult
			if err := run.Get(ctx, &result); err != nil {
				if details, ok := temporal.ResultFromError(err); ok {
					result = details
				} else {
					return fmt.Errorf("workflow %s: %w", run.GetID(), err)
				}
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, result)
			}
			printWorkflowResult(c, run.GetID(), &result)
			if result.Error != nil {
				return errors.New(*result.Error)
			}
			return nil
		},
	}
}

func printWorkflowResult(c *cli.Context, workflowID string, r *temporal.LandTransactionResult) {
	w := c.App.Writer
	fmt.Fprintf(w, "Workflow:   %s\n", workflowID)
	fmt.Fprintf(w, "Signature:  %s\n", r.Signature)
	fmt.Fprintf(w, "Status:     %s\n", r.Status)
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", r.Reason)
	}
	if r.Slot != 0 {
		fmt.Fprintf(w, "Slot:       %d\n", r.Slot)
	}
	fmt.Fprintf(w, "Attempts:   %d\n", r.Attempts)
}

func canarySetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Create or update a canary that lands a transaction on an interval",
		ArgsUsage: "<name>",
		Flags: append(workflowFlags(),
			&cli.DurationFlag{
				Name:     "interval",
				Aliases:  []string{"i"},
				Usage:    "How often the canary lands (e.g. 5m)",
				Required: true,
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: canary name")
			}
			name := c.Args().First()
			interval := c.Duration("interval")
			if interval < time.Second {
				return fmt.Errorf("--interval must be at least 1s, got %v", interval)
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			input, err := landInput(c, cfg)
			if err != nil {
				return err
			}

			scheduler, closer, err := newScheduler(c, cfg, logger)
			if err != nil {
				return err
			}
			defer closer()

			if err := scheduler.UpsertCanarySchedule(c.Context, name, input, interval); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Canary %q lands on %s every %v\n", name, input.ProgramID, interval)
			return nil
		},
	}
}

func canaryDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a canary schedule",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Temporal task queue served by txlander workers",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: canary name")
			}
			name := c.Args().First()

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			scheduler, closer, err := newScheduler(c, cfg, logger)
			if err != nil {
				return err
			}
			defer closer()

			if err := scheduler.DeleteCanarySchedule(c.Context, name); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Canary %q deleted\n", name)
			return nil
		},
	}
}
