package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txlander/client"
	natspkg "github.com/brojonat/txlander/service/nats"
)

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "txlander API URL",
		EnvVars: []string{"TXLANDER_SERVER_URL"},
	}
}

func remoteCommands() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "Land and follow transactions through a txlander API server",
		Subcommands: []*cli.Command{
			remoteLandCommand(),
			remoteStatusCommand(),
			remoteAwaitCommand(),
			remoteStreamCommand(),
			remoteQRCommand(),
		},
	}
}

// apiClient builds a client for --server, falling back to TXLANDER_SERVER_URL.
func apiClient(c *cli.Context) (*client.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return client.NewClient(firstNonEmpty(c.String("server"), cfg.ServerURL), nil, setupLogger(cfg.LogLevel)), nil
}

func remoteLandCommand() *cli.Command {
	return &cli.Command{
		Name:  "land",
		Usage: "Ask the server to land a transaction",
		Description: `Like "workflow start", but through the HTTP API. The server's workers sign,
so signer accounts are named by public key only.`,
		Flags: append(instructionFlags(),
			serverFlag(),
			&cli.StringFlag{
				Name:  "workflow-id",
				Usage: "Workflow id (default: chosen by the server)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Poll until the workflow completes and print its result",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: time.Second,
				Usage: "How often --wait polls",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			input, err := landInput(c, cfg)
			if err != nil {
				return err
			}
			api, err := apiClient(c)
			if err != nil {
				return err
			}

			req := client.LandRequest{
				WorkflowID:  c.String("workflow-id"),
				ProgramID:   input.ProgramID,
				Data:        input.Data,
				Commitment:  input.Commitment,
				MaxRebuilds: &input.MaxRebuilds,
			}
			for _, acc := range input.Accounts {
				req.Accounts = append(req.Accounts, client.Account{
					PublicKey:  acc.PublicKey,
					IsSigner:   acc.IsSigner,
					IsWritable: acc.IsWritable,
				})
			}

			started, err := api.Land(c.Context, req)
			if err != nil {
				return err
			}
			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(c.App.Writer, started)
				}
				fmt.Fprintf(c.App.Writer, "Started workflow %s (run %s)\n", started.WorkflowID, started.RunID)
				return nil
			}

			result, err := api.WaitForResult(c.Context, started.WorkflowID, c.Duration("poll-interval"))
			if err != nil {
				return err
			}
			return printRemoteResult(c, started.WorkflowID, result)
		},
	}
}

func remoteStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a workflow started through the server",
		ArgsUsage: "WORKFLOW_ID",
		Flags:     []cli.Flag{serverFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one workflow id")
			}
			api, err := apiClient(c)
			if err != nil {
				return err
			}

			status, err := api.GetTransaction(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, status)
			}
			if status.Result == nil {
				fmt.Fprintf(c.App.Writer, "Workflow %s is %s\n", status.WorkflowID, status.Status)
				return nil
			}
			return printRemoteResult(c, status.WorkflowID, status.Result)
		},
	}
}

func remoteAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until the server streams the outcome of a signature",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:    "program",
				Aliases: []string{"p"},
				Usage:   "Only listen to outcomes of this program",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   2 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one signature")
			}
			api, err := apiClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			o, err := api.AwaitOutcome(ctx, c.String("program"), c.Args().First())
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no outcome for %s within %s", c.Args().First(), c.Duration("timeout"))
			}
			if err != nil {
				return err
			}
			// The client mirrors the event published on NATS field for field.
			event := natspkg.OutcomeEvent(*o)
			return printEvent(c.App.Writer, c.Bool("json"), &event)
		},
	}
}

func remoteStreamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Print outcomes as the server streams them",
		ArgsUsage: "[PROGRAM_ID]",
		Flags:     []cli.Flag{serverFlag()},
		Action: func(c *cli.Context) error {
			api, err := apiClient(c)
			if err != nil {
				return err
			}
			err = api.Stream(c.Context, c.Args().First(), func(o *client.Outcome) error {
				event := natspkg.OutcomeEvent(*o)
				return printEvent(c.App.Writer, c.Bool("json"), &event)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func remoteQRCommand() *cli.Command {
	return &cli.Command{
		Name:      "qr",
		Usage:     "Save a QR code linking to a transaction in the block explorer",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:  "cluster",
				Usage: "Explorer cluster (mainnet-beta, devnet, testnet)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "tx.png",
				Usage:   "Where to write the PNG",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one signature")
			}
			api, err := apiClient(c)
			if err != nil {
				return err
			}

			png, err := api.SubmissionQR(c.Context, c.Args().First(), c.String("cluster"))
			if err != nil {
				return err
			}
			if err := os.WriteFile(c.String("output"), png, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", c.String("output"), err)
			}
			fmt.Fprintf(c.App.Writer, "Wrote %s\n", c.String("output"))
			return nil
		},
	}
}

func printRemoteResult(c *cli.Context, workflowID string, r *client.Result) error {
	if c.Bool("json") {
		if err := outputJSON(c.App.Writer, r); err != nil {
			return err
		}
	} else {
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
	if r.Error != nil {
		return errors.New(*r.Error)
	}
	return nil
}
