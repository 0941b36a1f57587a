// Flock daemon and control CLI — serves the orchestration HTTP API and
// drives a running daemon from the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flocklab/flock/pkg/version"
)

// Documented exit codes. Zero is success, one is any unclassified failure.
const (
	exitUsage        = 2
	exitBudgetDenied = 3
	exitCapacity     = 4
	exitNotFound     = 5
	exitInvalidState = 6
	exitBusError     = 7
	exitPersistence  = 8
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes. Specific refusals
// win over the command family's fallback code.
func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	var ae *apiError
	if errors.As(err, &ae) {
		if code := ae.statusExit(); code != 0 {
			return code
		}
	}
	var fe *familyError
	if errors.As(err, &fe) {
		return fe.code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "flock",
	Short: "Flock - multi-agent orchestration daemon and CLI",
	Long: `Flock runs teams of agents against a task: spawn and steer individual
agents, compose them into parallel, pipeline, map/reduce, or review teams,
and keep every run inside an explicit budget.

Most commands talk to a running daemon (see "flock serve") over its HTTP
API. The daemon address comes from --addr, then $FLOCK_ADDR, then
localhost:8080.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "Daemon address (default $FLOCK_ADDR, then localhost:8080)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(budgetCmd)
}
