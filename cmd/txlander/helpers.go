package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/db"
	natspkg "github.com/brojonat/txlander/service/nats"
	"github.com/brojonat/txlander/service/report"
	solanasvc "github.com/brojonat/txlander/service/solana"
)

// newRPCClient is swapped out by tests.
var newRPCClient = solanasvc.NewRPCClient

// loadConfig reads the environment and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := c.String("rpc-url"); v != "" {
		cfg.SolanaRPCURL = v
	}
	if v := c.String("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := c.String("nats-url"); v != "" {
		cfg.NATSURL = v
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, nil
}

// session is everything a landing command needs, plus what to close after.
type session struct {
	endpoint string
	pipeline *solanasvc.Pipeline
	reporter *report.Reporter
	store    *db.Store
	closers  []func()
}

func (r *session) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// newSession connects to one RPC endpoint and to whichever sinks are
// configured. A sink that cannot be reached is logged and skipped.
func newSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	endpoint, err := solanasvc.SelectRandomEndpoint(cfg.RPCEndpoints())
	if err != nil {
		return nil, err
	}
	client := solanasvc.NewClient(newRPCClient(endpoint), solanasvc.EndpointLabel(endpoint), nil, logger).
		WithCallTimeout(cfg.RPCTimeout)

	rt := &session{
		endpoint: endpoint,
		pipeline: solanasvc.NewPipeline(client, solanasvc.WaiterConfig{
			BlockInterval:       cfg.BlockInterval,
			InitialPollInterval: cfg.PollInitialInterval,
			MaxPollInterval:     cfg.PollMaxInterval,
		}),
	}

	var opts []report.Option
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WarnContext(ctx, "outcome recording disabled", "error", err)
		} else {
			store := db.NewStore(pool, nil)
			if err := store.Migrate(ctx); err != nil {
				logger.WarnContext(ctx, "failed to migrate database", "error", err)
			}
			rt.store = store
			rt.closers = append(rt.closers, pool.Close)
			opts = append(opts, report.WithRecorder(store))
		}
	}
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, nil, logger)
		if err != nil {
			logger.WarnContext(ctx, "outcome publishing disabled", "error", err)
		} else {
			rt.closers = append(rt.closers, func() { _ = publisher.Close() })
			opts = append(opts, report.WithPublisher(publisher))
		}
	}

	rt.reporter = report.NewReporter(logger, cfg.ExplorerURL, endpoint, opts...)
	return rt, nil
}

// parseAccounts parses account flags of the form PUBKEY[:FLAGS], where
// FLAGS may contain "s" (signer) and "w" (writable).
func parseAccounts(values []string) ([]solanasvc.AccountReference, error) {
	refs := make([]solanasvc.AccountReference, 0, len(values))
	for _, v := range values {
		key, flags, _ := strings.Cut(v, ":")
		pk, err := solanago.PublicKeyFromBase58(key)
		if err != nil {
			return nil, fmt.Errorf("invalid account %q: %w", v, err)
		}
		ref := solanasvc.AccountReference{PublicKey: pk}
		for _, f := range flags {
			switch f {
			case 's':
				ref.IsSigner = true
			case 'w':
				ref.IsWritable = true
			default:
				return nil, fmt.Errorf("invalid account flag %q in %q (want s and/or w)", f, v)
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// parseData returns the instruction payload from either a UTF-8 or a hex flag.
func parseData(text, hexData string) ([]byte, error) {
	if text != "" && hexData != "" {
		return nil, fmt.Errorf("use either --data or --data-hex, not both")
	}
	if hexData != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(hexData, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid --data-hex: %w", err)
		}
		return b, nil
	}
	return []byte(text), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// compileJQ compiles every filter; all of them must match for a value to pass.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchJQ reports whether every filter yields a truthy first result for v.
// v is round-tripped through JSON so filters see the same shape as --json output.
func matchJQ(codes []*gojq.Code, v interface{}) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}
	for _, code := range codes {
		iter := code.Run(doc)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, err
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
