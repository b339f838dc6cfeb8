// Package signals wires SIGINT/SIGTERM to graceful shutdown.
//
// Setup installs an OS signal handler for SIGINT and SIGTERM. When one of
// those signals arrives it logs the signal, closes the provided stopCh (if
// non-nil) and cancels the returned context. Closing stopCh happens inside a
// recover() wrapper so a channel already closed elsewhere does not panic.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers a handler for SIGINT and SIGTERM.
// It returns a context.Context that will be canceled when a signal is received.
// If stopCh is non-nil it will be closed when a signal is received.
func Setup(stopCh chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("signal received, shutting down")

		if stopCh != nil {
			func() {
				defer func() { _ = recover() }()
				close(stopCh)
			}()
		}

		cancel()
	}()

	return ctx
}
