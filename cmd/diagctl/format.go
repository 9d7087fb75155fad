package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	diagmcp "github.com/HyphaGroup/diagd/internal/mcp"
	"github.com/HyphaGroup/diagd/internal/session"
)

var nowFunc = time.Now

func printRaw(cmd *cobra.Command, raw string) error {
	fmt.Fprintln(cmd.OutOrStdout(), raw)
	return nil
}

// printSession prints a session result, or the server's text when there is none.
func printSession(cmd *cobra.Command, raw string) error {
	if opts.json || !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return printRaw(cmd, raw)
	}
	var s session.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}
	writeSession(cmd.OutOrStdout(), &s, nowFunc())
	return nil
}

func decodeSummaries(raw string) ([]*session.Summary, error) {
	var list []*session.Summary
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("unexpected response: %w", err)
	}
	return list, nil
}

func decodeInstances(raw string) (*diagmcp.InstancesResult, error) {
	var view diagmcp.InstancesResult
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, fmt.Errorf("unexpected response: %w", err)
	}
	return &view, nil
}

func writeSummaries(w io.Writer, list []*session.Summary, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tSTATUS\tSTARTED\tDURATION\tINSTANCES\tLOGS\tREPORTS")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.Tool, s.Status,
			humanize.RelTime(s.StartTime, now, "ago", "from now"),
			duration(s.StartTime, s.EndTime, now),
			s.Instances, s.Logs, s.Reported)
	}
	_ = tw.Flush()
}

func writeSession(w io.Writer, s *session.Session, now time.Time) {
	fmt.Fprintf(w, "Session:     %s\n", s.ID)
	fmt.Fprintf(w, "Tool:        %s (%s)\n", s.Tool, s.Mode)
	status := string(s.Status)
	if s.Reason != "" {
		status += ": " + s.Reason
	}
	fmt.Fprintf(w, "Status:      %s\n", status)
	if s.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", s.Description)
	}
	fmt.Fprintf(w, "Started:     %s (%s)\n", s.StartTime.Format(time.RFC3339), humanize.RelTime(s.StartTime, now, "ago", "from now"))
	fmt.Fprintf(w, "Duration:    %s\n", duration(s.StartTime, s.EndTime, now))
	fmt.Fprintf(w, "Window:      %s .. %s\n", s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
	fmt.Fprintf(w, "Instances:   %s\n", strings.Join(s.Instances, ", "))
	if by := s.Labels[diagmcp.SubmittedByLabel]; by != "" {
		fmt.Fprintf(w, "Submitted by: %s\n", by)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DIAGNOSER\tCOLLECTOR\tANALYZER\tCOLLECTED BY\tFAILURES")
	for _, d := range s.Diagnosers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\n",
			d.Name, d.CollectorStatus, d.AnalyzerStatus,
			strings.Join(d.CollectedBy, ","), d.CollectorFails, d.AnalyzerFails)
	}
	_ = tw.Flush()

	logs := s.AllLogs()
	if len(logs) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOG\tINSTANCE\tSIZE\tREPORTS")
	for _, l := range logs {
		reports := make([]string, 0, len(l.Reports))
		for _, r := range l.Reports {
			reports = append(reports, fmt.Sprintf("%s (%s)", r.Name, humanize.IBytes(uint64(r.Size))))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.RelativePath, l.Instance, humanize.IBytes(uint64(l.Size)), strings.Join(reports, ", "))
	}
	_ = tw.Flush()
}

func writeInstances(w io.Writer, view *diagmcp.InstancesResult) {
	fmt.Fprintf(w, "Answered by: %s\n", view.Self)
	if view.ActiveSession != "" {
		fmt.Fprintf(w, "Active:      %s\n", view.ActiveSession)
	}
	fmt.Fprintf(w, "Diagnosers:  %s\n\n", strings.Join(view.Diagnosers, ", "))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tLIVE\tREQUESTED\tSTATUS\tERRORS")
	for _, v := range view.Instances {
		status := string(v.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%d\n", v.Name, v.Live, v.Requested, status, v.Errors)
	}
	_ = tw.Flush()
}

// duration is how long a session ran, or has been running.
func duration(start time.Time, end *time.Time, now time.Time) string {
	stop := now
	if end != nil {
		stop = *end
	}
	d := stop.Sub(start).Round(time.Second)
	if end == nil {
		return d.String() + " (running)"
	}
	return d.String()
}
