package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/txlander/service/nats"
)

// watchCommand streams outcome events published by send and by the worker.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream transaction outcomes from NATS",
		Description: `Subscribes to outcome events in the OUTCOMES JetStream stream.
Events are published to the subject: outcomes.{program_id}

Example:
  txlander watch --program MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr --jq '.status != "confirmed"'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "program",
				Aliases: []string{"p"},
				Usage:   "Only events for this program id",
			},
			&cli.StringFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Durable consumer name (survives restarts)",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events before streaming new ones",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter every printed event must satisfy; repeatable",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Stop after this long (0 streams until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("nats-url is required (set NATS_URL env var or use --nats-url)")
			}
			logger := setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if d := c.Duration("timeout"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			sub, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Watching %s (Ctrl+C to stop)...\n", natspkg.Subject(c.String("program")))
			}

			return sub.Watch(ctx, natspkg.WatchOptions{
				ProgramID:  c.String("program"),
				Durable:    c.String("durable"),
				DeliverAll: c.Bool("all"),
			}, func(event *natspkg.OutcomeEvent) error {
				ok, err := matchJQ(codes, event)
				if err != nil {
					logger.Debug("jq filter error", "signature", event.Signature, "error", err)
					return nil
				}
				if !ok {
					return nil
				}
				return printEvent(c.App.Writer, jsonOutput, event)
			})
		},
	}
}

// printEvent writes one event as a JSON line or a human-readable line.
func printEvent(w io.Writer, asJSON bool, e *natspkg.OutcomeEvent) error {
	if asJSON {
		return json.NewEncoder(w).Encode(e)
	}
	line := fmt.Sprintf("%s  %-9s  %s", e.PublishedAt.Format(time.RFC3339), e.Status, e.Signature)
	if e.Slot != 0 {
		line += fmt.Sprintf("  slot=%d", e.Slot)
	}
	if e.Reason != "" {
		line += "  reason=" + e.Reason
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
