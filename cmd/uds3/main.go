// Command uds3 runs the polyglot-persistence orchestrator: backend manager,
// saga engine, adaptive batcher, and the operational subcommands around them.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes of the operational surface.
const (
	exitOK              = 0
	exitConfigError     = 2
	exitNoRelational    = 3
	exitPartialRecovery = 4
)

var errPartialRecovery = errors.New("partial recovery")

func main() {
	root := &cobra.Command{
		Use:           "uds3",
		Short:         "Polyglot-persistence orchestrator core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSagaCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errNoRelational):
		return exitNoRelational
	case errors.Is(err, errPartialRecovery):
		return exitPartialRecovery
	case errors.Is(err, errConfig):
		return exitConfigError
	default:
		return 1
	}
}
