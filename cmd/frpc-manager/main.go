// Package main is the entry point for the frpc-manager binary.
//
// frpc-manager supervises a single frpc reverse-proxy client: it renders the
// tunnel config, clears stale frpc processes holding the port, starts frpc and
// reports when the tunnel is established.
//
// When invoked without arguments, it launches the interactive TUI dashboard.
// Subcommands run one CLI operation and exit.
//
// Usage:
//
//	frpc-manager                                  # launch the TUI dashboard
//	frpc-manager up --local 8080 --remote 16000   # run a tunnel in the foreground
//	frpc-manager doctor                           # diagnose install and config
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/treykane/frpc-manager/internal/cli"
	"github.com/treykane/frpc-manager/internal/security"
)

func main() {
	// Interrupts cancel the command context so a foreground tunnel stops frpc
	// before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, security.UserMessage(err, true))
		stop()
		os.Exit(1)
	}
}
