package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

// eventCmd injects a one-off system event into the agent's main session,
// bypassing job creation.
func eventCmd() *cobra.Command {
	var (
		mode    string
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "event <text>",
		Short: "Queue an immediate system event for the agent",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fields := map[string]any{
				"text": strings.Join(args, " "),
				"mode": mode,
			}
			if agentID != "" {
				fields["agentId"] = agentID
			}
			params, _ := json.Marshal(fields)
			resp := mustOK(gatewayRPC(protocol.MethodSystemEvent, params))

			var result struct {
				Mode    string `json:"mode"`
				Pending int    `json:"pending"`
			}
			if err := decodePayload(resp, &result); err != nil {
				fatal("parsing response: %s", err)
			}
			if result.Mode == "now" {
				fmt.Println("Event queued; agent woken.")
			} else {
				fmt.Printf("Event queued (%d pending); the next heartbeat picks it up.\n", result.Pending)
			}
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "next-heartbeat", `when the agent runs: "now" or "next-heartbeat"`)
	cmd.Flags().StringVar(&agentID, "agent", "", "target agent id (default: the configured default agent)")
	return cmd
}
