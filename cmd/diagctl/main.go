// diagctl drives a diagd fleet from the command line through any
// instance's MCP endpoint.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var opts struct {
	server string
	caller string
	json   bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diagctl",
		Short:         "Submit and inspect diagd diagnostic sessions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("DIAGD_URL", "http://localhost:8080/mcp"), "diagd MCP endpoint")
	root.PersistentFlags().StringVar(&opts.caller, "caller", envOr("DIAGD_CALLER", defaultCaller()), "name recorded as the submitter")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(
		submitCmd(),
		activeCmd(),
		getCmd(),
		listCmd(),
		cancelCmd(),
		deleteCmd(),
		instancesCmd(),
		scheduleCmd(),
	)
	return root
}

func submitCmd() *cobra.Command {
	var (
		diagnosers  []string
		instances   []string
		description string
		toolParams  string
		from, to    string
		blob        string
		collectOnly bool
		autoHeal    bool
		labels      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit <tool>",
		Short: "Start a diagnostic session across the fleet",
		Long: `
Submit a session running <tool> on the given instances, or on every live
instance when --instance is omitted. Only one session can be active at a
time; submitting while another is active fails with a conflict naming it.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"action": "submit", "tool": args[0]}
			setIf(params, "diagnosers", diagnosers)
			setIf(params, "instances", instances)
			setIf(params, "description", description)
			setIf(params, "tool_params", toolParams)
			setIf(params, "from", from)
			setIf(params, "to", to)
			setIf(params, "blob_sas_uri", blob)
			if collectOnly {
				params["mode"] = "collect_only"
			}
			if autoHeal {
				params["auto_heal"] = true
			}
			if len(labels) > 0 {
				params["labels"] = labels
			}

			var out struct {
				SessionID string `json:"session_id"`
			}
			if err := callSession(cmd, params, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.SessionID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&diagnosers, "diagnoser", nil, "diagnosers to run (default: the tool)")
	f.StringSliceVar(&instances, "instance", nil, "instances to diagnose (default: every live instance)")
	f.StringVar(&description, "description", "", "what is being investigated")
	f.StringVar(&toolParams, "tool-params", "", "opaque parameters passed to the tool")
	f.StringVar(&from, "from", "", "RFC 3339 start of the log window")
	f.StringVar(&to, "to", "", "RFC 3339 end of the log window")
	f.StringVar(&blob, "blob-sas-uri", "", "container SAS URL for the artifacts")
	f.BoolVar(&collectOnly, "collect-only", false, "collect logs without analyzing them")
	f.BoolVar(&autoHeal, "auto-heal", false, "submitted by automated healing")
	f.StringToStringVar(&labels, "label", nil, "key=value labels")
	return cmd
}

func activeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "session", map[string]any{"action": "active"})
			if err != nil {
				return err
			}
			return printSession(cmd, raw)
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session with its instances, logs and reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "session", map[string]any{"action": "get", "session_id": args[0]})
			if err != nil {
				return err
			}
			return printSession(cmd, raw)
		},
	}
}

func listCmd() *cobra.Command {
	var (
		status     []string
		sinceHours int
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"action": "list"}
			if len(status) > 0 {
				params["status"] = strings.Join(status, ",")
			}
			if sinceHours > 0 {
				params["since_hours"] = sinceHours
			}
			if limit > 0 {
				params["limit"] = limit
			}
			raw, err := call(cmd, "session", params)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd, raw)
			}
			list, err := decodeSummaries(raw)
			if err != nil {
				return err
			}
			writeSummaries(cmd.OutOrStdout(), list, nowFunc())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&status, "status", nil, "only sessions with these statuses")
	cmd.Flags().IntVar(&sinceHours, "since-hours", 0, "only sessions started in the last N hours")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to show (0 for all)")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel an active session on every instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"action": "cancel", "session_id": args[0]}
			setIf(params, "reason", reason)
			raw, err := call(cmd, "session", params)
			if err != nil {
				return err
			}
			return printRaw(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded on the session")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a finished session and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "session", map[string]any{"action": "delete", "session_id": args[0]})
			if err != nil {
				return err
			}
			return printRaw(cmd, raw)
		},
	}
}

func instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "Show live instances and their part in the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, "instances", map[string]any{})
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd, raw)
			}
			view, err := decodeInstances(raw)
			if err != nil {
				return err
			}
			writeInstances(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func setIf[T string | []string](params map[string]any, key string, v T) {
	if len(v) > 0 {
		params[key] = v
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultCaller() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "diagctl"
}
