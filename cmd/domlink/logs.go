package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/logstore"
)

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the persisted command and connection timeline",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}
	cmd.Flags().String("db", "", "Log archive path (overrides log.db)")
	cmd.Flags().Int("limit", 50, "Number of entries to show")
	cmd.Flags().String("severity", "", "Minimum severity: debug, info, warning or error")
	cmd.Flags().String("category", "", "Only entries in this category")
	cmd.Flags().String("request", "", "Only entries for this request id")
	return cmd
}

func parseSeverity(s string) (logbus.Severity, error) {
	switch sev := logbus.Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case "":
		return "", nil
	case logbus.SeverityDebug, logbus.SeverityInfo, logbus.SeverityWarning, logbus.SeverityError:
		return sev, nil
	case "warn":
		return logbus.SeverityWarning, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

func runLogs(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	path := cfg.Log.DB
	if v, _ := flags.GetString("db"); v != "" {
		path = v
	}
	rawSeverity, _ := flags.GetString("severity")
	severity, err := parseSeverity(rawSeverity)
	if err != nil {
		return err
	}
	q := logstore.Query{MinSeverity: severity}
	q.Limit, _ = flags.GetInt("limit")
	q.Category, _ = flags.GetString("category")
	q.RequestID, _ = flags.GetString("request")

	store, err := logstore.Open(logstore.Options{Path: path, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open log archive: %w", err)
	}
	defer store.Close()

	entries, err := store.Recent(cmd.Context(), q)
	if err != nil {
		return err
	}
	if out.jsonMode {
		return out.Print(cmd, entries)
	}
	if len(entries) == 0 {
		return out.Print(cmd, "No log entries")
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tCATEGORY\tMESSAGE")
	for _, e := range entries {
		msg := e.Message
		if e.Result != nil && e.Result.RequestID != "" {
			msg += " [" + e.Result.RequestID + "]"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.DateTime), e.Severity, e.Category, msg)
	}
	return w.Flush()
}
