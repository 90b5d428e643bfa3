package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the audit trail",
		Long:  "Query recorded tool invocations and auth events, compute statistics, export the log, and purge old entries.",
	}

	cmd.AddCommand(newAuditQueryCmd())
	cmd.AddCommand(newAuditStatsCmd())
	cmd.AddCommand(newAuditExportCmd())
	cmd.AddCommand(newAuditPurgeCmd())

	return cmd
}

// ---------- audit query ----------

func newAuditQueryCmd() *cobra.Command {
	var (
		eventType  string
		userID     string
		toolName   string
		since      string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit events",
		Example: `  warden audit query --limit 20
  warden audit query --event-type tool_invoked --user wdn_ab12cd34
  warden audit query --tool tg_send_message --since 24h --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditQuery(eventType, userID, toolName, since, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&eventType, "event-type", "", "Filter by event type: tool_invoked, auth, telegram_op, system, error")
	cmd.Flags().StringVar(&userID, "user", "", "Filter by user ID (key display prefix)")
	cmd.Flags().StringVar(&toolName, "tool", "", "Filter by tool name")
	cmd.Flags().StringVar(&since, "since", "", "Only events newer than this duration ago, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAuditQuery(eventType, userID, toolName, since string, limit int, jsonOutput bool) error {
	filter := config.AuditFilter{
		EventType: model.AuditEventType(eventType),
		UserID:    userID,
		ToolName:  toolName,
		Limit:     limit,
	}
	if eventType != "" && !model.ValidEventType(filter.EventType) {
		return fmt.Errorf("unknown event type %q", eventType)
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		start := time.Now().Add(-d)
		filter.Start = &start
	}

	ctx := context.Background()
	store, err := openStore(loadConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	events, err := store.QueryAuditEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("query audit events: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No audit events match.")
		return nil
	}

	fmt.Printf("%-8s %-20s %-10s %-14s %-22s %-8s\n", "ID", "TIMESTAMP", "TYPE", "USER", "TOOL", "STATUS")
	for _, ev := range events {
		fmt.Printf("%-8d %-20s %-10s %-14s %-22s %-8s\n",
			ev.ID,
			ev.Timestamp.Format("2006-01-02 15:04:05"),
			ev.EventType,
			ev.UserID,
			ev.ToolName,
			ev.ResultStatus,
		)
	}

	return nil
}

// ---------- audit stats ----------

func newAuditStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit trail statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditStats(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAuditStats(jsonOutput bool) error {
	ctx := context.Background()
	store, err := openStore(loadConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	stats, err := store.AuditStatistics(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("audit statistics: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Total events:     %d\n", stats.TotalEvents)
	fmt.Printf("Tool invocations: %d\n", stats.ToolInvocations)
	fmt.Printf("Auth events:      %d\n", stats.AuthEvents)
	fmt.Printf("Telegram ops:     %d\n", stats.TelegramOps)
	fmt.Printf("System events:    %d\n", stats.SystemEvents)
	fmt.Printf("Errors:           %d\n", stats.Errors)
	fmt.Printf("Avg duration:     %.1f ms\n", stats.AvgDurationMs)
	if len(stats.ToolCounts) > 0 {
		fmt.Println("By tool:")
		for tool, n := range stats.ToolCounts {
			fmt.Printf("  %-22s %d\n", tool, n)
		}
	}
	if len(stats.UserCounts) > 0 {
		fmt.Println("By user:")
		for user, n := range stats.UserCounts {
			fmt.Printf("  %-14s %d\n", user, n)
		}
	}

	return nil
}

// ---------- audit export ----------

func newAuditExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the audit log as NDJSON",
		Long:  "Write every persisted audit event, oldest first, one JSON object per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditExport(output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

func runAuditExport(output string) error {
	ctx := context.Background()
	store, err := openStore(loadConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	events, err := store.QueryAuditEvents(ctx, config.AuditFilter{})
	if err != nil {
		return fmt.Errorf("query audit events: %w", err)
	}

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	// Query returns newest first; export oldest first.
	for i := len(events) - 1; i >= 0; i-- {
		if err := enc.Encode(events[i]); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}

	if output != "" {
		fmt.Fprintf(os.Stderr, "Exported %d event(s) to %s\n", len(events), output)
	}
	return nil
}

// ---------- audit purge ----------

func newAuditPurgeCmd() *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:     "purge",
		Short:   "Delete audit events older than a cutoff",
		Example: `  warden audit purge --older-than 2160h   # 90 days`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditPurge(olderThan)
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "", "Age cutoff as a duration (required)")
	cmd.MarkFlagRequired("older-than")

	return cmd
}

func runAuditPurge(olderThan string) error {
	d, err := time.ParseDuration(olderThan)
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	ctx := context.Background()
	store, err := openStore(loadConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	n, err := store.DeleteAuditEventsBefore(ctx, time.Now().Add(-d))
	if err != nil {
		return fmt.Errorf("purge audit events: %w", err)
	}

	fmt.Printf("Deleted %d audit event(s)\n", n)
	return nil
}
