package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/HyphaGroup/diagd/internal/schedule"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage sessions submitted on a cron schedule",
	}
	cmd.AddCommand(
		scheduleListCmd(),
		scheduleCreateCmd(),
		scheduleToggleCmd("enable", "Enable a schedule", true),
		scheduleToggleCmd("disable", "Disable a schedule; it keeps its history", false),
		scheduleTriggerCmd(),
		scheduleHistoryCmd(),
		scheduleDeleteCmd(),
	)
	return cmd
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "schedule", map[string]any{"action": "list"})
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd, raw)
			}
			var list []*schedule.Schedule
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}
			writeSchedules(cmd.OutOrStdout(), list, nowFunc())
			return nil
		},
	}
}

func scheduleCreateCmd() *cobra.Command {
	var (
		diagnosers  []string
		instances   []string
		description string
		toolParams  string
		window      string
		collectOnly bool
		disabled    bool
		labels      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create <name> <cron-expr> <tool>",
		Short: "Submit <tool> every time <cron-expr> fires (UTC)",
		Long: `
Create a schedule. Each run submits a session whose log window ends at the
run time. A run that finds another session active is recorded as skipped.

  diagctl schedule create nightly-dump "0 3 * * *" MemoryDump --window 2h
`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"action":    "create",
				"name":      args[0],
				"cron_expr": args[1],
				"tool":      args[2],
				"enabled":   !disabled,
			}
			setIf(params, "diagnosers", diagnosers)
			setIf(params, "instances", instances)
			setIf(params, "description", description)
			setIf(params, "tool_params", toolParams)
			setIf(params, "window", window)
			if collectOnly {
				params["mode"] = "collect_only"
			}
			if len(labels) > 0 {
				params["labels"] = labels
			}

			raw, err := call(cmd, "schedule", params)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd, raw)
			}
			var sched schedule.Schedule
			if err := json.Unmarshal([]byte(raw), &sched); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created schedule %s (%s)\n", sched.Name, sched.ID)
			if sched.NextRunAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Next run: %s\n", sched.NextRunAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&diagnosers, "diagnoser", nil, "diagnosers to run (default: the tool)")
	f.StringSliceVar(&instances, "instance", nil, "instances to diagnose (default: every live instance)")
	f.StringVar(&description, "description", "", "what the runs investigate")
	f.StringVar(&toolParams, "tool-params", "", "opaque parameters passed to the tool")
	f.StringVar(&window, "window", "", "log window ending at each run (default: 1h)")
	f.BoolVar(&collectOnly, "collect-only", false, "collect logs without analyzing them")
	f.BoolVar(&disabled, "disabled", false, "create the schedule without enabling it")
	f.StringToStringVar(&labels, "label", nil, "key=value labels")
	return cmd
}

func scheduleToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "schedule", map[string]any{"action": "update", "name": args[0], "enabled": enabled})
			if err != nil {
				return err
			}
			return printRaw(cmd, raw)
		},
	}
}

func scheduleTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <name>",
		Short: "Submit a schedule's session now without moving its next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "schedule", map[string]any{"action": "trigger", "name": args[0]})
			if err != nil {
				return err
			}
			return printRaw(cmd, raw)
		},
	}
}

func scheduleHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Show recent runs of a schedule, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"action": "history", "name": args[0]}
			if limit > 0 {
				params["limit"] = limit
			}
			raw, err := call(cmd, "schedule", params)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd, raw)
			}
			var execs []*schedule.Execution
			if err := json.Unmarshal([]byte(raw), &execs); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}
			writeExecutions(cmd.OutOrStdout(), execs, nowFunc())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	return cmd
}

func scheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a schedule and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "schedule", map[string]any{"action": "delete", "name": args[0]})
			if err != nil {
				return err
			}
			return printRaw(cmd, raw)
		},
	}
}

func writeSchedules(w io.Writer, list []*schedule.Schedule, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No schedules")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCRON\tTOOL\tENABLED\tLAST RUN\tNEXT RUN")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			s.Name, s.CronExpr, s.Tool, s.Enabled,
			relTime(s.LastRunAt, now), relTime(s.NextRunAt, now))
	}
	_ = tw.Flush()
}

func writeExecutions(w io.Writer, execs []*schedule.Execution, now time.Time) {
	if len(execs) == 0 {
		fmt.Fprintln(w, "No runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTED\tSTATUS\tSESSION\tINSTANCE\tDETAIL")
	for _, e := range execs {
		status := string(e.Status)
		if e.Manual {
			status += " (manual)"
		}
		session := e.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(e.ExecutedAt, now, "ago", "from now"),
			status, session, e.Instance, e.Error)
	}
	_ = tw.Flush()
}

func relTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}
