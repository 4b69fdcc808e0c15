package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/keys"
	"github.com/brojonat/txlander/service/report"
	solanasvc "github.com/brojonat/txlander/service/solana"
)

// instructionFlags describe one program invocation. send, workflow start
// and canary set share them.
func instructionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "program-id",
			Aliases: []string{"p"},
			Usage:   "Program id in base58",
			EnvVars: []string{"PROGRAM_ID"},
		},
		&cli.StringFlag{
			Name:    "program-keypair",
			Usage:   "Program keypair file; its public key is the program id",
			EnvVars: []string{"PROGRAM_KEYPAIR_PATH"},
		},
		&cli.StringSliceFlag{
			Name:    "account",
			Aliases: []string{"a"},
			Usage:   "Extra account reference PUBKEY[:FLAGS], FLAGS from s (signer) and w (writable); repeatable",
		},
		&cli.StringFlag{
			Name:  "data",
			Usage: "Instruction data as UTF-8 text",
		},
		&cli.StringFlag{
			Name:  "data-hex",
			Usage: "Instruction data as hex",
		},
		&cli.StringFlag{
			Name:    "commitment",
			Usage:   "Required commitment: processed, confirmed or finalized",
			EnvVars: []string{"COMMITMENT"},
		},
		&cli.IntFlag{
			Name:    "rebuilds",
			Usage:   "Rebuild an expired transaction with a fresh blockhash up to this many times",
			EnvVars: []string{"MAX_REBUILDS"},
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Build, sign, submit and await one transaction",
		Description: `Invokes a program with the configured signer as fee payer, then waits until
the transaction is confirmed, fails, or its blockhash expires.

The signer is always the first account (signer, writable). Add more with --account.

Example:
  SIGNER="$(cat ~/.config/solana/id.json)" txlander send --program-keypair deploy/hello-keypair.json`,
		Flags: append(instructionFlags(),
			&cli.StringFlag{
				Name:    "keypair",
				Aliases: []string{"k"},
				Usage:   "Signer keypair file (default: the SIGNER env var)",
				EnvVars: []string{"SIGNER_KEYPAIR_PATH"},
			},
			&cli.StringSliceFlag{
				Name:  "extra-keypair",
				Usage: "Additional signer keypair file; repeatable",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// All key material is resolved before touching the network.
			signer, err := keys.LoadSigner(c.String("keypair"), cfg.SignerEnv)
			if err != nil {
				return fmt.Errorf("failed to load signer: %w", err)
			}
			signers := []solanasvc.Keypair{signer}
			for _, path := range c.StringSlice("extra-keypair") {
				kp, err := keys.LoadKeypairFile(path)
				if err != nil {
					return err
				}
				signers = append(signers, kp)
			}

			req, err := instructionRequest(c, cfg.ProgramID, cfg.ProgramKeypairPath, cfg.Commitment)
			if err != nil {
				return err
			}
			req.Accounts = append([]solanasvc.AccountReference{
				{PublicKey: signer.PublicKey(), IsSigner: true, IsWritable: true},
			}, req.Accounts...)
			req.Signers = signers

			rebuilds := cfg.MaxRebuilds
			if c.IsSet("rebuilds") {
				rebuilds = c.Int("rebuilds")
			}
			if rebuilds < 0 {
				return fmt.Errorf("--rebuilds cannot be negative")
			}

			sess, err := newSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			meta := report.Meta{
				ProgramID: req.ProgramID.String(),
				FeePayer:  signer.PublicKey().String(),
			}
			// Every expired attempt is recorded, as the worker does.
			outcome, err := sess.pipeline.LandObserving(ctx, req, rebuilds, func(expired *solanasvc.Outcome) {
				_ = sess.reporter.ReportWith(ctx, expired, meta)
			})
			if err != nil {
				return sess.reporter.ReportError(ctx, err)
			}

			reportErr := sess.reporter.ReportWith(ctx, outcome, meta)
			if err := printOutcome(c.App.Writer, c.Bool("json"), sess.reporter, outcome); err != nil {
				return err
			}
			return reportErr
		},
	}
}

// instructionRequest reads the instruction flags into a Request. Accounts
// holds only the --account references.
func instructionRequest(c *cli.Context, programID, programKeypair, commitment string) (solanasvc.Request, error) {
	program, err := keys.ResolveProgramID(
		firstNonEmpty(c.String("program-id"), programID),
		firstNonEmpty(c.String("program-keypair"), programKeypair),
	)
	if err != nil {
		return solanasvc.Request{}, err
	}
	accounts, err := parseAccounts(c.StringSlice("account"))
	if err != nil {
		return solanasvc.Request{}, err
	}
	data, err := parseData(c.String("data"), c.String("data-hex"))
	if err != nil {
		return solanasvc.Request{}, err
	}
	level, err := solanasvc.ParseCommitment(firstNonEmpty(c.String("commitment"), commitment, "confirmed"))
	if err != nil {
		return solanasvc.Request{}, err
	}
	return solanasvc.Request{
		ProgramID:  program,
		Accounts:   accounts,
		Data:       data,
		Commitment: level,
	}, nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Await the outcome of an already submitted transaction",
		ArgsUsage: "<signature>",
		Description: `Polls the node until the signature reaches a terminal state. The expiry height
comes from --expiry-height or, when a database is configured, from the recorded
submission.

With --recorded, prints the recorded submission without polling.`,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "expiry-height",
				Usage: "Last valid block height of the transaction's blockhash",
			},
			&cli.StringFlag{
				Name:    "commitment",
				Usage:   "Required commitment: processed, confirmed or finalized",
				EnvVars: []string{"COMMITMENT"},
			},
			&cli.BoolFlag{
				Name:  "recorded",
				Usage: "Print the recorded submission instead of polling",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if c.Bool("recorded") && cfg.DatabaseURL == "" {
				return fmt.Errorf("--recorded requires DATABASE_URL")
			}

			sess, err := newSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			var recorded *db.Submission
			if sess.store != nil {
				recorded, err = sess.store.GetSubmission(ctx, sig.String())
				if err != nil && !errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("failed to get submission: %w", err)
				}
			}

			if c.Bool("recorded") {
				if recorded == nil {
					return fmt.Errorf("no recorded submission for %s", sig)
				}
				if c.Bool("json") {
					return outputJSON(c.App.Writer, recorded)
				}
				printSubmission(c.App.Writer, recorded)
				return nil
			}

			expiry := c.Uint64("expiry-height")
			commitment := c.String("commitment")
			meta := report.Meta{LastValidBlockHeight: expiry}
			if recorded != nil {
				if expiry == 0 {
					expiry = uint64(recorded.LastValidBlockHeight)
				}
				if !c.IsSet("commitment") {
					commitment = recorded.Commitment
				}
				meta = report.Meta{
					ProgramID:            recorded.ProgramID,
					FeePayer:             recorded.FeePayer,
					LastValidBlockHeight: expiry,
				}
			}
			if expiry == 0 {
				return fmt.Errorf("--expiry-height is required when the submission is not recorded")
			}
			level, err := solanasvc.ParseCommitment(firstNonEmpty(commitment, cfg.Commitment))
			if err != nil {
				return err
			}

			outcome, err := sess.pipeline.Await(ctx, sig, expiry, level)
			if err != nil {
				return sess.reporter.ReportError(ctx, err)
			}
			reportErr := sess.reporter.ReportWith(ctx, outcome, meta)
			if err := printOutcome(c.App.Writer, c.Bool("json"), sess.reporter, outcome); err != nil {
				return err
			}
			return reportErr
		},
	}
}

func handleCommand() *cli.Command {
	return &cli.Command{
		Name:  "handle",
		Usage: "Fetch a fresh blockhash handle",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			// No sinks are needed to read a handle.
			cfg.DatabaseURL, cfg.NATSURL = "", ""
			logger := setupLogger(cfg.LogLevel)

			sess, err := newSession(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			h, err := sess.pipeline.FetchHandle(c.Context)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]interface{}{
					"blockhash":               h.Blockhash.String(),
					"last_valid_block_height": h.LastValidBlockHeight,
					"endpoint":                solanasvc.EndpointLabel(sess.endpoint),
				})
			}
			fmt.Fprintf(c.App.Writer, "Blockhash:               %s\n", h.Blockhash)
			fmt.Fprintf(c.App.Writer, "Last Valid Block Height: %d\n", h.LastValidBlockHeight)
			return nil
		},
	}
}

// outcomeOutput is the --json shape of an outcome.
type outcomeOutput struct {
	Signature    string `json:"signature"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Slot         uint64 `json:"slot,omitempty"`
	Commitment   string `json:"commitment"`
	Reached      string `json:"reached,omitempty"`
	ExpiryHeight uint64 `json:"expiry_height"`
	Polls        int    `json:"polls"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	ExplorerURL  string `json:"explorer_url,omitempty"`
}

// printOutcome writes one line per outcome, or a JSON object.
func printOutcome(w io.Writer, asJSON bool, rep *report.Reporter, o *solanasvc.Outcome) error {
	sig := o.Signature.String()
	link := rep.ExplorerURL(sig)
	if asJSON {
		out := outcomeOutput{
			Signature:    sig,
			Status:       string(o.Status),
			Reason:       o.Reason,
			Slot:         o.Slot,
			Commitment:   string(o.Commitment),
			Reached:      string(o.Reached),
			ExpiryHeight: o.ExpiryHeight,
			Polls:        o.Polls,
			ElapsedMS:    o.Elapsed.Milliseconds(),
		}
		if o.Status == solanasvc.StatusConfirmed {
			out.ExplorerURL = link
		}
		return outputJSON(w, out)
	}

	switch o.Status {
	case solanasvc.StatusConfirmed:
		fmt.Fprintf(w, "Transaction %s confirmed at slot %d (%s): %s\n", sig, o.Slot, o.Reached, link)
	case solanasvc.StatusFailed:
		fmt.Fprintf(w, "Transaction %s failed: %s\n", sig, o.Reason)
	default:
		fmt.Fprintf(w, "Transaction %s %s: %s\n", sig, o.Status, o.Reason)
	}
	return nil
}
