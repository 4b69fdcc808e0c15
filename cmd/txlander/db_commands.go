package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/txlander/service/db"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:    "history",
		Usage:   "List recorded submissions and their outcomes",
		Aliases: []string{"ls"},
		Description: `Reads the submissions table written by send and by the worker.

Filters given with --jq run against each submission's JSON form and must all
be truthy, e.g. --jq '.polls > 3' --jq '.reason | test("Custom")'.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "program",
				Aliases: []string{"p"},
				Usage:   "Filter by program id",
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, confirmed, failed, expired)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of submissions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many submissions",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter every listed submission must satisfy; repeatable",
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
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
			}

			pool, err := db.Connect(c.Context, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			store := db.NewStore(pool, nil)

			submissions, err := store.ListSubmissions(c.Context, db.ListSubmissionsParams{
				ProgramID: c.String("program"),
				Status:    c.String("status"),
				Limit:     int32(c.Int("limit")),
				Offset:    int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list submissions: %w", err)
			}

			submissions, err = filterSubmissions(submissions, codes)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, submissions)
			}
			printSubmissionTable(c.App.Writer, submissions)
			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d submissions\n", len(submissions))
			return nil
		},
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete recorded submissions older than a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Delete submissions recorded more than this long ago (e.g. 720h)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			age := c.Duration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
			}

			pool, err := db.Connect(c.Context, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewStore(pool, nil).DeleteSubmissionsOlderThan(c.Context, time.Now().Add(-age))
			if err != nil {
				return fmt.Errorf("failed to prune submissions: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "Deleted %d submissions\n", n)
			return nil
		},
	}
}

func filterSubmissions(submissions []*db.Submission, codes []*gojq.Code) ([]*db.Submission, error) {
	if len(codes) == 0 {
		return submissions, nil
	}
	out := make([]*db.Submission, 0, len(submissions))
	for _, s := range submissions {
		ok, err := matchJQ(codes, s)
		if err != nil {
			return nil, fmt.Errorf("jq filter failed on %s: %w", s.Signature, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func printSubmissionTable(out io.Writer, submissions []*db.Submission) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIGNATURE\tPROGRAM\tSTATUS\tSLOT\tPOLLS\tSUBMITTED")
	for _, s := range submissions {
		slot := "-"
		if s.Slot != nil {
			slot = fmt.Sprintf("%d", *s.Slot)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Signature,
			s.ProgramID,
			s.Status,
			slot,
			s.Polls,
			s.SubmittedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func printSubmission(w io.Writer, s *db.Submission) {
	fmt.Fprintf(w, "Signature:    %s\n", s.Signature)
	fmt.Fprintf(w, "Program:      %s\n", s.ProgramID)
	fmt.Fprintf(w, "Fee Payer:    %s\n", s.FeePayer)
	fmt.Fprintf(w, "Status:       %s\n", s.Status)
	if s.Reason != nil {
		fmt.Fprintf(w, "Reason:       %s\n", *s.Reason)
	}
	if s.Slot != nil {
		fmt.Fprintf(w, "Slot:         %d\n", *s.Slot)
	}
	fmt.Fprintf(w, "Commitment:   %s\n", s.Commitment)
	fmt.Fprintf(w, "Expiry:       %d\n", s.LastValidBlockHeight)
	fmt.Fprintf(w, "Polls:        %d\n", s.Polls)
	fmt.Fprintf(w, "Submitted:    %s\n", s.SubmittedAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:    %s\n", s.CompletedAt.Format(time.RFC3339))
	}
}
