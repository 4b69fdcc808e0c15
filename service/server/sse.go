package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	natspkg "github.com/brojonat/txlander/service/nats"
)

// keepaliveInterval spaces SSE comments that stop proxies closing idle streams.
var keepaliveInterval = 10 * time.Second

// handleStreamOutcomes streams outcome events as Server-Sent Events.
// With no program_id path value it streams every program.
func handleStreamOutcomes(source OutcomeSource, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		programID := r.PathValue("program_id")
		if programID != "" {
			if _, err := solanago.PublicKeyFromBase58(programID); err != nil {
				writeError(w, "invalid program_id", http.StatusBadRequest)
				return
			}
		}
		scope := programID
		if scope == "" {
			scope = "all programs"
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		ctx := r.Context()
		logger.DebugContext(ctx, "SSE client connected", "program", scope, "remote_addr", r.RemoteAddr)

		// Watch delivers on its own goroutine; only this one writes to w.
		events := make(chan *natspkg.OutcomeEvent, 10)
		watchErr := make(chan error, 1)
		go func() {
			watchErr <- source.Watch(ctx, natspkg.WatchOptions{ProgramID: programID}, func(e *natspkg.OutcomeEvent) error {
				select {
				case events <- e:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		connected, _ := json.Marshal(map[string]string{"program": scope})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flusher.Flush()

		send := func(e *natspkg.OutcomeEvent) {
			data, err := json.Marshal(e)
			if err != nil {
				logger.WarnContext(ctx, "failed to marshal event", "error", err)
				return
			}
			fmt.Fprintf(w, "event: outcome\ndata: %s\n\n", data)
			flusher.Flush()
			logger.DebugContext(ctx, "sent outcome event",
				"program", scope,
				"signature", e.Signature,
			)
		}

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case e := <-events:
				send(e)

			case err := <-watchErr:
				// Flush what the watch delivered before it stopped.
				for len(events) > 0 {
					send(<-events)
				}
				if err != nil && ctx.Err() == nil {
					logger.ErrorContext(ctx, "outcome stream failed", "program", scope, "error", err)
					fmt.Fprintf(w, "event: error\ndata: {\"error\":\"failed to subscribe\"}\n\n")
					flusher.Flush()
				}
				return

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "program", scope, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
