package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flocklab/flock/pkg/api"
	"github.com/flocklab/flock/pkg/budget"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Manage budget limits",
	Long: `Inspect and set budgets per scope. A scope is "global" or TYPE/ID,
e.g. team/team-1, agent/agent-42, project/checkout. Every command defaults
to the global scope when none is given.`,
}

var budgetSetCmd = &cobra.Command{
	Use:   "set [SCOPE]",
	Short: "Set a cost or token limit on a scope",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBudgetSet,
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status [SCOPE]",
	Short: "Show consumption and limits for a scope",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBudgetStatus,
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset [SCOPE]",
	Short: "Zero a scope's counters, keeping its limits",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBudgetReset,
}

func init() {
	budgetSetCmd.Flags().Float64("limit-cost", -1, "Cost ceiling in USD")
	budgetSetCmd.Flags().Int64("limit-tokens", -1, "Token ceiling")
	budgetSetCmd.Flags().String("window", "day", "Window: day or lifetime")

	budgetResetCmd.Flags().String("window", "day", "Window: day or lifetime")

	budgetCmd.AddCommand(budgetSetCmd)
	budgetCmd.AddCommand(budgetStatusCmd)
	budgetCmd.AddCommand(budgetResetCmd)
}

// scopePath maps a CLI scope argument to its API path.
func scopePath(args []string) (string, error) {
	if len(args) == 0 || args[0] == "global" {
		return "/api/v1/budgets/global", nil
	}
	parts := strings.SplitN(args[0], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", usageErrorf("invalid scope %q: expected global or TYPE/ID", args[0])
	}
	return "/api/v1/budgets/" + parts[0] + "/" + parts[1], nil
}

func runBudgetSet(cmd *cobra.Command, args []string) error {
	path, err := scopePath(args)
	if err != nil {
		return err
	}

	limitCost, _ := cmd.Flags().GetFloat64("limit-cost")
	limitTokens, _ := cmd.Flags().GetInt64("limit-tokens")
	window, _ := cmd.Flags().GetString("window")
	if limitCost < 0 && limitTokens < 0 {
		return usageErrorf("one of --limit-cost or --limit-tokens is required")
	}

	req := api.PutBudgetRequest{Window: window}
	if limitCost >= 0 {
		req.LimitCost = &limitCost
	}
	if limitTokens >= 0 {
		req.LimitTokens = &limitTokens
	}

	var status budget.Status
	if err := newAPIClient(cmd).put(cmd.Context(), path, req, &status); err != nil {
		return tagFamily(err, exitPersistence)
	}
	fmt.Printf("✓ Budget limit set on %s (%s window)\n", status.Scope, window)
	return nil
}

func runBudgetStatus(cmd *cobra.Command, args []string) error {
	path, err := scopePath(args)
	if err != nil {
		return err
	}

	var status budget.Status
	if err := newAPIClient(cmd).get(cmd.Context(), path, &status); err != nil {
		return tagFamily(err, exitPersistence)
	}
	return printJSON(status)
}

func runBudgetReset(cmd *cobra.Command, args []string) error {
	path, err := scopePath(args)
	if err != nil {
		return err
	}
	if window, _ := cmd.Flags().GetString("window"); window != "" {
		path += "?window=" + window
	}

	if err := newAPIClient(cmd).delete(cmd.Context(), path, nil); err != nil {
		return tagFamily(err, exitPersistence)
	}
	fmt.Printf("✓ Budget counters reset\n")
	return nil
}
