// Inquiry Server — orchestration for long-running research jobs.
//
// This is the main entry point. It provides:
//   - Idempotent job creation with gap-free event logs
//   - Lease-based lifecycle management with a background reclaimer
//   - JSON-RPC sessions over WebSocket, HTTP+SSE, and stdio
//   - Per-session adaptive flow control with circuit breaking
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/internal/transport"
	"github.com/inquirylabs/inquiry/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Inquiry server starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	if os.Getenv("INQUIRY_STDIO") == "true" {
		runStdio(srv)
		return
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown failed")
		}
		if err := srv.ShutdownFunc(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Int("port", srv.Port).Msg("Inquiry server listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// runStdio serves one session over stdin/stdout. Logs already go to
// stderr, so stdout stays clean for protocol frames.
func runStdio(srv *server.Server) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stdio := transport.NewStdioServer(srv.Sessions, os.Stdin, os.Stdout)
	if err := stdio.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Stdio session failed")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.ShutdownFunc(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown failed")
	}
}
