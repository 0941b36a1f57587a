package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flocklab/flock/pkg/api"
	"github.com/flocklab/flock/pkg/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage individual agents",
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a standalone agent",
	Long: `Spawn an agent outside any team. The command returns as soon as the
agent is registered; watch agent_ready / agent_failed on "flock event
stream" or poll "flock agent status" for session establishment.`,
	Args: cobra.NoArgs,
	RunE: runAgentSpawn,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentStatusCmd = &cobra.Command{
	Use:   "status AGENT_ID",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStatus,
}

var agentSendCmd = &cobra.Command{
	Use:   "send AGENT_ID MESSAGE...",
	Short: "Send a message and wait for the run's result",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAgentSend,
}

var agentPauseCmd = &cobra.Command{
	Use:   "pause AGENT_ID",
	Short: "Pause a running agent",
	Args:  cobra.ExactArgs(1),
	RunE:  agentAction("pause"),
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume AGENT_ID",
	Short: "Resume a paused agent",
	Args:  cobra.ExactArgs(1),
	RunE:  agentAction("resume"),
}

var agentKillCmd = &cobra.Command{
	Use:   "kill AGENT_ID",
	Short: "Kill an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  agentAction("kill"),
}

var agentRetryCmd = &cobra.Command{
	Use:   "retry AGENT_ID",
	Short: "Retry a failed agent immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  agentAction("retry"),
}

func init() {
	agentSpawnCmd.Flags().String("task", "", "Task for the agent (required)")
	agentSpawnCmd.Flags().String("label", "", "Human-readable label")
	agentSpawnCmd.Flags().String("model", "", "Model override")
	agentSpawnCmd.Flags().String("provider", "", "Provider override")
	agentSpawnCmd.Flags().Int("max-retries", 0, "Retries before the agent stays failed")
	agentSpawnCmd.Flags().Float64("budget", 0, "Per-agent budget ceiling in USD")

	agentListCmd.Flags().String("team", "", "Only agents of this team")
	agentListCmd.Flags().String("state", "", "Comma-separated states, e.g. running,paused")

	agentSendCmd.Flags().StringArray("attach", nil, "File to attach (repeatable)")

	agentCmd.AddCommand(agentSpawnCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentStatusCmd)
	agentCmd.AddCommand(agentSendCmd)
	agentCmd.AddCommand(agentPauseCmd)
	agentCmd.AddCommand(agentResumeCmd)
	agentCmd.AddCommand(agentKillCmd)
	agentCmd.AddCommand(agentRetryCmd)
}

func runAgentSpawn(cmd *cobra.Command, args []string) error {
	task, _ := cmd.Flags().GetString("task")
	if task == "" {
		return usageErrorf("--task is required")
	}
	label, _ := cmd.Flags().GetString("label")
	model, _ := cmd.Flags().GetString("model")
	provider, _ := cmd.Flags().GetString("provider")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	budgetUSD, _ := cmd.Flags().GetFloat64("budget")

	req := models.SpawnRequest{
		Label:       label,
		Model:       model,
		Provider:    provider,
		Task:        task,
		MaxRetries:  maxRetries,
		BudgetLimit: budgetUSD,
	}

	var resp struct {
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	if err := newAPIClient(cmd).post(cmd.Context(), "/api/v1/agents", req, &resp); err != nil {
		return err
	}
	fmt.Printf("✓ Agent spawned: %s (%s)\n", resp.AgentID, resp.Status)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	teamID, _ := cmd.Flags().GetString("team")
	states, _ := cmd.Flags().GetString("state")

	path := "/api/v1/agents"
	params := []string{}
	if teamID != "" {
		params = append(params, "team_id="+teamID)
	}
	if states != "" {
		params = append(params, "state="+states)
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var agents []*models.Agent
	if err := newAPIClient(cmd).get(cmd.Context(), path, &agents); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tSTATE\tTEAM\tRETRIES\tSPAWNED")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			a.ID, a.Label, a.State, a.TeamID, a.RetryCount, a.MaxRetries,
			a.SpawnedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runAgentStatus(cmd *cobra.Command, args []string) error {
	var agent models.Agent
	if err := newAPIClient(cmd).get(cmd.Context(), "/api/v1/agents/"+args[0], &agent); err != nil {
		return err
	}
	return printJSON(agent)
}

func runAgentSend(cmd *cobra.Command, args []string) error {
	attachPaths, _ := cmd.Flags().GetStringArray("attach")
	attachments := make([]api.Attachment, 0, len(attachPaths))
	for _, p := range attachPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return usageErrorf("cannot read attachment %s: %v", p, err)
		}
		mediaType := mime.TypeByExtension(filepath.Ext(p))
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		attachments = append(attachments, api.Attachment{
			Name:      filepath.Base(p),
			MediaType: mediaType,
			Data:      data,
		})
	}

	req := api.SendMessageRequest{
		Message:     strings.Join(args[1:], " "),
		Attachments: attachments,
	}

	var resp struct {
		AgentID   string  `json:"agent_id"`
		RunID     string  `json:"run_id"`
		Result    string  `json:"result"`
		TokensIn  int64   `json:"tokens_in"`
		TokensOut int64   `json:"tokens_out"`
		CostUSD   float64 `json:"cost_usd"`
	}
	if err := newAPIClient(cmd).post(cmd.Context(), "/api/v1/agents/"+args[0]+"/send", req, &resp); err != nil {
		return err
	}

	fmt.Println(resp.Result)
	fmt.Fprintf(os.Stderr, "(run %s: %d in / %d out tokens, $%.4f)\n",
		resp.RunID, resp.TokensIn, resp.TokensOut, resp.CostUSD)
	return nil
}

func agentAction(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var resp struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := newAPIClient(cmd).post(cmd.Context(), "/api/v1/agents/"+args[0]+"/"+verb, nil, &resp); err != nil {
			return err
		}
		fmt.Printf("✓ Agent %s %s\n", resp.ID, resp.Status)
		return nil
	}
}
