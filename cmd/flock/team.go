package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/team"
)

var teamCmd = &cobra.Command{
	Use: "team",
	// "swarm" is the historical name; accepted while callers migrate.
	Aliases: []string{"swarm"},
	Short:   "Manage teams",
}

var teamCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a team and start its strategy",
	Long: `Create a team of agents working one task under a shared budget.

Examples:
  # Three agents racing the same task
  flock team create triage --task "find the regression in pkg/parser" --size 3 --budget 5

  # A map/reduce team over an item backlog
  flock team create digest --task "summarize each document" --strategy map_reduce \
    --item docs/a.md --item docs/b.md --item docs/c.md --budget 10`,
	Args: cobra.ExactArgs(1),
	RunE: runTeamCreate,
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	Args:  cobra.NoArgs,
	RunE:  runTeamList,
}

var teamStatusCmd = &cobra.Command{
	Use:   "status TEAM_ID",
	Short: "Show a team with its members and results",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamStatus,
}

var teamScaleCmd = &cobra.Command{
	Use:   "scale TEAM_ID",
	Short: "Grow or shrink a running team",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamScale,
}

var teamPauseCmd = &cobra.Command{
	Use:   "pause TEAM_ID",
	Short: "Pause every running member of a team",
	Args:  cobra.ExactArgs(1),
	RunE:  teamAction("pause"),
}

var teamResumeCmd = &cobra.Command{
	Use:   "resume TEAM_ID",
	Short: "Resume a paused team",
	Args:  cobra.ExactArgs(1),
	RunE:  teamAction("resume"),
}

var teamDestroyCmd = &cobra.Command{
	Use:   "destroy TEAM_ID",
	Short: "Kill all members and mark the team failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamDestroy,
}

func init() {
	teamCreateCmd.Flags().String("task", "", "Task the team works on (required)")
	teamCreateCmd.Flags().Int("size", 0, "Number of agents (default per strategy)")
	teamCreateCmd.Flags().Int("min-size", 0, "Autoscaler floor")
	teamCreateCmd.Flags().Int("max-size", 0, "Autoscaler ceiling")
	teamCreateCmd.Flags().Float64("budget", 0, "Team budget in USD")
	teamCreateCmd.Flags().String("strategy", "parallel", "Strategy: parallel, pipeline, map_reduce, tree")
	teamCreateCmd.Flags().StringArray("item", nil, "Work item for the team backlog (repeatable)")
	teamCreateCmd.Flags().String("model", "", "Model for member agents")
	teamCreateCmd.Flags().String("provider", "", "Provider for member agents")
	teamCreateCmd.Flags().String("project", "", "Project the team belongs to")
	teamCreateCmd.Flags().Bool("auto-scale", false, "Let the orchestrator adjust size between min and max")

	teamScaleCmd.Flags().Int("delta", 0, "Relative size change, e.g. 2 or -1")
	teamScaleCmd.Flags().Int("target", -1, "Absolute target size")

	teamCmd.AddCommand(teamCreateCmd)
	teamCmd.AddCommand(teamListCmd)
	teamCmd.AddCommand(teamStatusCmd)
	teamCmd.AddCommand(teamScaleCmd)
	teamCmd.AddCommand(teamPauseCmd)
	teamCmd.AddCommand(teamResumeCmd)
	teamCmd.AddCommand(teamDestroyCmd)
}

func runTeamCreate(cmd *cobra.Command, args []string) error {
	task, _ := cmd.Flags().GetString("task")
	if task == "" {
		return usageErrorf("--task is required")
	}
	strategy, _ := cmd.Flags().GetString("strategy")
	if err := models.StrategyValidator(models.Strategy(strategy)); err != nil {
		return usageErrorf("invalid strategy %q", strategy)
	}

	size, _ := cmd.Flags().GetInt("size")
	minSize, _ := cmd.Flags().GetInt("min-size")
	maxSize, _ := cmd.Flags().GetInt("max-size")
	budgetUSD, _ := cmd.Flags().GetFloat64("budget")
	items, _ := cmd.Flags().GetStringArray("item")
	model, _ := cmd.Flags().GetString("model")
	provider, _ := cmd.Flags().GetString("provider")
	project, _ := cmd.Flags().GetString("project")
	autoScale, _ := cmd.Flags().GetBool("auto-scale")

	spec := models.TeamSpec{
		Name:      args[0],
		Task:      task,
		Size:      size,
		MinSize:   minSize,
		MaxSize:   maxSize,
		Budget:    budgetUSD,
		Strategy:  models.Strategy(strategy),
		Items:     items,
		Model:     model,
		Provider:  provider,
		ProjectID: project,
	}
	if autoScale {
		spec.AutoScale = models.AutoScaleConfig{Enabled: true}
	}

	var created models.Team
	if err := newAPIClient(cmd).post(cmd.Context(), "/api/v1/teams", spec, &created); err != nil {
		return err
	}

	fmt.Printf("✓ Team created: %s\n", created.ID)
	fmt.Printf("  Name: %s\n", created.Name)
	fmt.Printf("  Strategy: %s\n", created.Config.Strategy)
	fmt.Printf("  Size: %d\n", len(created.AgentIDs))
	fmt.Printf("  Budget: $%.2f\n", created.BudgetAllocated)
	return nil
}

func runTeamList(cmd *cobra.Command, args []string) error {
	var teams []*models.Team
	if err := newAPIClient(cmd).get(cmd.Context(), "/api/v1/teams", &teams); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTRATEGY\tAGENTS\tCONSUMED\tBUDGET\tCREATED")
	for _, t := range teams {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%.2f\t$%.2f\t%s\n",
			t.ID, t.Name, t.Status, t.Config.Strategy, len(t.AgentIDs),
			t.BudgetConsumed, t.BudgetAllocated,
			t.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runTeamStatus(cmd *cobra.Command, args []string) error {
	var status team.Status
	if err := newAPIClient(cmd).get(cmd.Context(), "/api/v1/teams/"+args[0], &status); err != nil {
		return err
	}
	return printJSON(status)
}

func runTeamScale(cmd *cobra.Command, args []string) error {
	delta, _ := cmd.Flags().GetInt("delta")
	target, _ := cmd.Flags().GetInt("target")
	if delta == 0 && target < 0 {
		return usageErrorf("one of --delta or --target is required")
	}

	req := models.ScaleRequest{Delta: delta}
	if target >= 0 {
		req.Target = &target
	}

	var resp struct {
		TeamID string `json:"team_id"`
		Size   int    `json:"size"`
	}
	if err := newAPIClient(cmd).post(cmd.Context(), "/api/v1/teams/"+args[0]+"/scale", req, &resp); err != nil {
		return err
	}
	fmt.Printf("✓ Team %s scaled to %d agents\n", resp.TeamID, resp.Size)
	return nil
}

func teamAction(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(cmd).post(cmd.Context(), "/api/v1/teams/"+args[0]+"/"+verb, nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Team %s %sd\n", args[0], verb)
		return nil
	}
}

func runTeamDestroy(cmd *cobra.Command, args []string) error {
	if err := newAPIClient(cmd).delete(cmd.Context(), "/api/v1/teams/"+args[0], nil); err != nil {
		return err
	}
	fmt.Printf("✓ Team %s destroyed\n", args[0])
	return nil
}
