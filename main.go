package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/otboo/otboo-client/internal/otboo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newRootCommand().ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	fmt.Fprintln(os.Stderr, renderAlert(err))
	cancel()
	os.Exit(exitCode(err))
}

// exitCode maps errors to process exit codes: 2 for an expired or missing
// session, 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, otboo.ErrAuthExpired) || errors.Is(err, otboo.ErrRefreshFailed) || errors.Is(err, errNotSignedIn) {
		return 2
	}
	return 1
}
