package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/flocklab/flock/pkg/api"
	"github.com/flocklab/flock/pkg/models"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Observe the event stream",
}

var eventStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream live events as JSON lines",
	Long: `Subscribe to the daemon's event stream and print one JSON object per
line until interrupted. With --after-seq the buffered history from that
sequence number is replayed first, so a consumer can resume where it left
off without a gap.`,
	Args: cobra.NoArgs,
	RunE: runEventStream,
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print recent events from the replay buffer",
	Args:  cobra.NoArgs,
	RunE:  runEventList,
}

var eventReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print persisted events from the durable tail",
	Long: `Read events from the state store rather than the in-memory buffer.
Reaches history the replay buffer has already evicted.`,
	Args: cobra.NoArgs,
	RunE: runEventReplay,
}

func init() {
	for _, c := range []*cobra.Command{eventStreamCmd, eventListCmd, eventReplayCmd} {
		c.Flags().String("type", "", "Comma-separated event types, e.g. agent_failed,budget_exhausted")
		c.Flags().String("agent", "", "Only events of this agent")
		c.Flags().String("team", "", "Only events of this team")
	}
	eventStreamCmd.Flags().Uint64("after-seq", 0, "Replay buffered events after this sequence number first")
	eventListCmd.Flags().Int("recent", 0, "Last n events regardless of filters")
	eventListCmd.Flags().Uint64("after-seq", 0, "Only events after this sequence number")
	eventReplayCmd.Flags().Uint64("after-seq", 0, "Only events after this sequence number")
	eventReplayCmd.Flags().Int("limit", 0, "Stop after this many events")

	eventCmd.AddCommand(eventStreamCmd)
	eventCmd.AddCommand(eventListCmd)
	eventCmd.AddCommand(eventReplayCmd)
}

func runEventStream(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newAPIClient(cmd)
	conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		return tagFamily(fmt.Errorf("cannot open event stream: %w", err), exitBusError)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	afterSeq, _ := cmd.Flags().GetUint64("after-seq")
	agentID, _ := cmd.Flags().GetString("agent")
	teamID, _ := cmd.Flags().GetString("team")
	sub := api.ClientMessage{
		Action:   "subscribe",
		Types:    typeFilter(cmd),
		AgentID:  agentID,
		TeamID:   teamID,
		AfterSeq: afterSeq,
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return tagFamily(err, exitBusError)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			// Interrupt is a clean exit; anything else broke the stream.
			if ctx.Err() != nil {
				return nil
			}
			return tagFamily(fmt.Errorf("event stream closed: %w", err), exitBusError)
		}

		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		// Control frames carry no sequence number.
		if _, ok := msg["seq"]; !ok {
			if t, _ := msg["type"].(string); t == "error" || t == "subscription.error" {
				return tagFamily(fmt.Errorf("stream error: %v", msg["message"]), exitBusError)
			}
			continue
		}
		fmt.Println(string(raw))
	}
}

func runEventList(cmd *cobra.Command, args []string) error {
	params := eventQueryParams(cmd)
	if recent, _ := cmd.Flags().GetInt("recent"); recent > 0 {
		params = []string{"recent=" + strconv.Itoa(recent)}
	}
	return tagFamily(printEvents(cmd, params), exitBusError)
}

func runEventReplay(cmd *cobra.Command, args []string) error {
	params := append(eventQueryParams(cmd), "persisted=true")
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	return tagFamily(printEvents(cmd, params), exitBusError)
}

func printEvents(cmd *cobra.Command, params []string) error {
	path := "/api/v1/events"
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var events []*models.Event
	if err := newAPIClient(cmd).get(cmd.Context(), path, &events); err != nil {
		return err
	}
	for _, evt := range events {
		line, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
	}
	return nil
}

func typeFilter(cmd *cobra.Command) []models.EventType {
	raw, _ := cmd.Flags().GetString("type")
	if raw == "" {
		return nil
	}
	var types []models.EventType
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, models.EventType(t))
		}
	}
	return types
}

func eventQueryParams(cmd *cobra.Command) []string {
	var params []string
	if raw, _ := cmd.Flags().GetString("type"); raw != "" {
		params = append(params, "type="+raw)
	}
	if agentID, _ := cmd.Flags().GetString("agent"); agentID != "" {
		params = append(params, "agent_id="+agentID)
	}
	if teamID, _ := cmd.Flags().GetString("team"); teamID != "" {
		params = append(params, "team_id="+teamID)
	}
	if afterSeq, _ := cmd.Flags().GetUint64("after-seq"); afterSeq > 0 {
		params = append(params, "after_seq="+strconv.FormatUint(afterSeq, 10))
	}
	return params
}
