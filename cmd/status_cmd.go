package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

func wakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Wake the scheduler loop immediately",
		Run: func(cmd *cobra.Command, args []string) {
			mustOK(gatewayRPC(protocol.MethodWake, nil))
			fmt.Println("Scheduler woken.")
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway and engine status",
		Run: func(cmd *cobra.Command, args []string) {
			resp := mustOK(gatewayRPC(protocol.MethodHealth, nil))

			var health struct {
				Status  string `json:"status"`
				Storage bool   `json:"storage"`
			}
			if err := decodePayload(resp, &health); err != nil {
				fatal("parsing response: %s", err)
			}

			statusResp := mustOK(gatewayRPC(protocol.MethodStatus, nil))
			if jsonOutput {
				out := map[string]any{"health": health, "engine": statusResp.Payload}
				data, _ := json.MarshalIndent(out, "", "  ")
				fmt.Println(string(data))
				return
			}

			fmt.Printf("Health:  %s\n", health.Status)
			fmt.Printf("Storage: %s\n", healthWord(health.Storage))
			data, _ := json.MarshalIndent(statusResp.Payload, "", "  ")
			fmt.Printf("Engine:  %s\n", string(data))
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func healthWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}
