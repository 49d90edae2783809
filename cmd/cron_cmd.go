package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adjutant-ai/adjutant/internal/cron"
	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronToggleCmd())
	cmd.AddCommand(cronRunCmd())
	cmd.AddCommand(cronRunsCmd())
	cmd.AddCommand(cronStatusCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	var jsonOutput, showDisabled bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]any{"includeDisabled": showDisabled})
			resp := mustOK(gatewayRPC(protocol.MethodCronList, params))

			var result struct {
				Jobs []cron.Job `json:"jobs"`
			}
			if err := decodePayload(resp, &result); err != nil {
				fatal("parsing response: %s", err)
			}
			printCronJobs(result.Jobs, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showDisabled, "all", false, "include disabled jobs")
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		name, description, agentID        string
		at, everyStr, expr, tz            string
		target, wakeMode                  string
		text, message, model, thinking    string
		channel, to                       string
		deliver, noDeliver                bool
		timeoutSeconds                    int
		deleteAfterRun, disabled, jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Long: `Add a scheduled job.

Exactly one of --at, --every or --expr selects the schedule. A main-session
job (--target main, the default) takes --text; an isolated job takes
--message and may deliver its output with --to/--channel.`,
		Run: func(cmd *cobra.Command, args []string) {
			schedule := map[string]any{}
			switch {
			case at != "":
				schedule["kind"] = cron.ScheduleKindAt
				schedule["at"] = at
			case everyStr != "":
				d, err := time.ParseDuration(everyStr)
				if err != nil {
					fatal("bad --every duration: %s", err)
				}
				schedule["kind"] = cron.ScheduleKindEvery
				schedule["everyMs"] = d.Milliseconds()
			case expr != "":
				schedule["kind"] = cron.ScheduleKindCron
				schedule["expr"] = expr
				if tz != "" {
					schedule["tz"] = tz
				}
			default:
				fatal("one of --at, --every or --expr is required")
			}

			payload := map[string]any{}
			if target == cron.SessionTargetIsolated {
				payload["kind"] = cron.PayloadKindAgentTurn
				payload["message"] = message
				if model != "" {
					payload["model"] = model
				}
				if thinking != "" {
					payload["thinking"] = thinking
				}
				if timeoutSeconds > 0 {
					payload["timeoutSeconds"] = timeoutSeconds
				}
				if channel != "" {
					payload["channel"] = channel
				}
				if to != "" {
					payload["to"] = to
				}
				if deliver {
					payload["deliver"] = true
				} else if noDeliver {
					payload["deliver"] = false
				}
			} else {
				payload["kind"] = cron.PayloadKindSystemEvent
				payload["text"] = text
			}

			params, _ := json.Marshal(map[string]any{
				"name":           name,
				"description":    description,
				"agentId":        agentID,
				"enabled":        !disabled,
				"schedule":       schedule,
				"sessionTarget":  target,
				"wakeMode":       wakeMode,
				"payload":        payload,
				"deleteAfterRun": deleteAfterRun,
			})
			resp := mustOK(gatewayRPC(protocol.MethodCronAdd, params))

			var result struct {
				Job cron.Job `json:"job"`
			}
			if err := decodePayload(resp, &result); err != nil {
				fatal("parsing response: %s", err)
			}
			if jsonOut {
				data, _ := json.MarshalIndent(result.Job, "", "  ")
				fmt.Println(string(data))
				return
			}
			fmt.Printf("Added job %s (%s), next run %s\n",
				result.Job.ID, result.Job.Name, formatNextRun(&result.Job))
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default agent when empty)")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC 3339 timestamp")
	cmd.Flags().StringVar(&everyStr, "every", "", "recurring interval, e.g. 30m")
	cmd.Flags().StringVar(&expr, "expr", "", "5-field cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --expr")
	cmd.Flags().StringVar(&target, "target", cron.SessionTargetMain, "main or isolated")
	cmd.Flags().StringVar(&wakeMode, "wake", "", "now or next-heartbeat (main-session jobs)")
	cmd.Flags().StringVar(&text, "text", "", "system event text (main-session jobs)")
	cmd.Flags().StringVar(&message, "message", "", "agent prompt (isolated jobs)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringVar(&thinking, "thinking", "", "thinking override")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 0, "agent call timeout override")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel")
	cmd.Flags().StringVar(&to, "to", "", "delivery target")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "force delivery over the last route")
	cmd.Flags().BoolVar(&noDeliver, "no-deliver", false, "suppress delivery even when --to is set")
	cmd.Flags().BoolVar(&deleteAfterRun, "delete-after-run", false, "remove the job after a successful run")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	cmd.MarkFlagRequired("name")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove [jobId]",
		Aliases: []string{"delete", "rm"},
		Short:   "Remove a scheduled job",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]string{"jobId": args[0]})
			mustOK(gatewayRPC(protocol.MethodCronRemove, params))
			fmt.Printf("Removed job %s\n", args[0])
		},
	}
}

func cronToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [jobId] [true|false]",
		Short: "Enable or disable a scheduled job",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			enabled := args[1] == "true" || args[1] == "1" || args[1] == "on"
			params, _ := json.Marshal(map[string]any{
				"jobId": args[0],
				"patch": map[string]any{"enabled": enabled},
			})
			mustOK(gatewayRPC(protocol.MethodCronUpdate, params))
			fmt.Printf("Job %s enabled=%v\n", args[0], enabled)
		},
	}
}

func cronRunCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run [jobId]",
		Short: "Trigger a job now",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mode := "due"
			if force {
				mode = "force"
			}
			params, _ := json.Marshal(map[string]string{"jobId": args[0], "mode": mode})
			resp := mustOK(gatewayRPC(protocol.MethodCronRun, params))

			var result struct {
				Ran    bool   `json:"ran"`
				Reason string `json:"reason"`
			}
			if err := decodePayload(resp, &result); err != nil {
				fatal("parsing response: %s", err)
			}
			if result.Ran {
				fmt.Println("Job dispatched.")
			} else {
				fmt.Printf("Job not run: %s\n", result.Reason)
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even when disabled or not due")
	return cmd
}

func cronRunsCmd() *cobra.Command {
	var limit int
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "runs [jobId]",
		Short: "Show a job's run history, newest first",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]any{"jobId": args[0], "limit": limit})
			resp := mustOK(gatewayRPC(protocol.MethodCronRuns, params))

			var result struct {
				Runs []cron.RunRecord `json:"runs"`
			}
			if err := decodePayload(resp, &result); err != nil {
				fatal("parsing response: %s", err)
			}
			printCronRuns(result.Runs, jsonOutput)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func cronStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduling engine status",
		Run: func(cmd *cobra.Command, args []string) {
			resp := mustOK(gatewayRPC(protocol.MethodCronStatus, nil))
			data, _ := json.MarshalIndent(resp.Payload, "", "  ")
			fmt.Println(string(data))
		},
	}
}

// --- display ---

func printCronJobs(jobs []cron.Job, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs configured.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS\n")
	for i := range jobs {
		j := &jobs[i]
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\t%s\n",
			shortID(j.ID), j.Name, j.Enabled, formatSchedule(&j.Schedule),
			formatNextRun(j), orDash(j.State.LastStatus))
	}
	tw.Flush()
}

func printCronRuns(runs []cron.RunRecord, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(runs, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "RUN\tTRIGGERED\tOUTCOME\tERROR\n")
	for i := range runs {
		r := &runs[i]
		errCol := "-"
		if r.ErrorKind != "" {
			errCol = r.ErrorKind
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			shortID(r.RunID), time.UnixMilli(r.TriggeredAtMS).Format(time.DateTime),
			r.Outcome, errCol)
	}
	tw.Flush()
}

func formatSchedule(s *cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleKindAt:
		if s.AtMS != nil {
			return "at " + time.UnixMilli(*s.AtMS).Format(time.DateTime)
		}
	case cron.ScheduleKindEvery:
		if s.EveryMS != nil {
			return "every " + (time.Duration(*s.EveryMS) * time.Millisecond).String()
		}
	case cron.ScheduleKindCron:
		if s.TZ != "" {
			return s.Expr + " (" + s.TZ + ")"
		}
		return s.Expr
	}
	return s.Kind
}

func formatNextRun(j *cron.Job) string {
	if j.State.NextRunAtMS == nil {
		return "-"
	}
	return time.UnixMilli(*j.State.NextRunAtMS).Format(time.DateTime)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
