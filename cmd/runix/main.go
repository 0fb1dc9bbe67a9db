package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sebastianm/runix/internal/feature"
)

// errRunFailed marks a run that executed but did not pass: failed
// scenarios or a failed agent session.
var errRunFailed = errors.New("run failed")

func main() {
	rootCmd := &cobra.Command{
		Use:           "runix",
		Short:         "Driver-based automation engine for feature files and agent goals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(driversCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes: 1 for
// initialization and engine errors, 2 for an unresolvable step, 3 for
// runs that executed but failed. Signal exits (130) happen in the
// cleanup manager's handler.
func exitCode(err error) int {
	var notFound *feature.StepNotFoundError
	if errors.As(err, &notFound) {
		return 2
	}
	if errors.Is(err, errRunFailed) {
		return 3
	}
	return 1
}
