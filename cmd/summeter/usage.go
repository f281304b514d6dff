package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "View usage statistics",
	Long: `View usage statistics for metered users.

Examples:
  summeter usage summary --user=user_123
  summeter usage history --user=user_123 --months=6
  summeter usage recent --user=user_123 --limit=20`,
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show usage summary for the current month",
	RunE:  runUsageSummary,
}

var usageHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show month-by-month usage history",
	RunE:  runUsageHistory,
}

var usageRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent usage events",
	RunE:  runUsageRecent,
}

var (
	usageUserID string
	usageMonths int
	usageLimit  int
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.AddCommand(usageSummaryCmd)
	usageCmd.AddCommand(usageHistoryCmd)
	usageCmd.AddCommand(usageRecentCmd)

	usageSummaryCmd.Flags().StringVar(&usageUserID, "user", "", "user ID (required)")
	usageSummaryCmd.MarkFlagRequired("user")

	usageHistoryCmd.Flags().StringVar(&usageUserID, "user", "", "user ID (required)")
	usageHistoryCmd.Flags().IntVar(&usageMonths, "months", 6, "number of months to show")
	usageHistoryCmd.MarkFlagRequired("user")

	usageRecentCmd.Flags().StringVar(&usageUserID, "user", "", "user ID (required)")
	usageRecentCmd.Flags().IntVar(&usageLimit, "limit", 20, "number of events to show")
	usageRecentCmd.MarkFlagRequired("user")
}

// monthStart returns the first instant of t's month in UTC.
func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func runUsageSummary(cmd *cobra.Command, args []string) error {
	_, ledger, closeStore, err := openStores()
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now().UTC()
	start := monthStart(now)

	summary, err := ledger.Summarize(context.Background(), usageUserID, start, now)
	if err != nil {
		return fmt.Errorf("failed to get usage: %w", err)
	}

	fmt.Printf("Usage Summary for %s\n", usageUserID)
	fmt.Printf("Period: %s to %s\n\n", start.Format("2006-01-02"), now.Format("2006-01-02"))
	fmt.Printf("Total Events:   %d\n", summary.TotalEvents)
	fmt.Printf("Completed:      %d\n", summary.CompletedCalls)
	fmt.Printf("Failed:         %d\n", summary.FailedCalls)
	fmt.Printf("Pending:        %d\n", summary.PendingCalls)
	fmt.Printf("Units:          %d\n", summary.UnitCount)
	fmt.Printf("Total Cost:     $%s\n", summary.TotalCost.String())
	fmt.Printf("Tokens Used:    %d\n", summary.TokensUsed)
	fmt.Printf("Avg Response:   %d ms\n", summary.AvgResponseMs)

	return nil
}

func runUsageHistory(cmd *cobra.Command, args []string) error {
	_, ledger, closeStore, err := openStores()
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now().UTC()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tEVENTS\tCOMPLETED\tFAILED\tUNITS\tCOST\tTOKENS")
	fmt.Fprintln(w, "------\t------\t---------\t------\t-----\t----\t------")

	// Walk backwards one calendar month at a time, newest first.
	for i := 0; i < usageMonths; i++ {
		start := monthStart(now).AddDate(0, -i, 0)
		end := start.AddDate(0, 1, 0)
		if end.After(now) {
			end = now
		}

		s, err := ledger.Summarize(context.Background(), usageUserID, start, end)
		if err != nil {
			return fmt.Errorf("failed to get usage history: %w", err)
		}

		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t$%s\t%d\n",
			start.Format("2006-01"),
			s.TotalEvents,
			s.CompletedCalls,
			s.FailedCalls,
			s.UnitCount,
			s.TotalCost.String(),
			s.TokensUsed,
		)
	}

	w.Flush()
	return nil
}

func runUsageRecent(cmd *cobra.Command, args []string) error {
	_, ledger, closeStore, err := openStores()
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := ledger.RecentEvents(context.Background(), usageUserID, usageLimit)
	if err != nil {
		return fmt.Errorf("failed to get recent events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No recent events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUESTED\tID\tPLAN\tSTATE\tUNITS\tCOST\tTOKENS\tLATENCY")
	fmt.Fprintln(w, "---------\t--\t----\t-----\t-----\t----\t------\t-------")

	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%s\t%d\t%d ms\n",
			e.RequestedAt.Format("2006-01-02 15:04:05"),
			e.ID,
			e.PlanCode,
			e.State,
			e.UnitCount,
			e.Cost.String(),
			e.TokensUsed,
			e.ResponseTimeMs,
		)
	}

	w.Flush()
	return nil
}
