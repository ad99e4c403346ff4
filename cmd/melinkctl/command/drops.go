package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"melink/cmd/melinkctl/authentication"
	"melink/cmd/melinkctl/command/client"
	"melink/internal/mpio"

	"github.com/spf13/cobra"
)

var dropsCmd = &cobra.Command{
	Use:   "drops",
	Short: "Show recently dropped messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		reason, _ := cmd.Flags().GetString("reason")

		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		events, err := httpClient.Drops(limit, reason)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No drops recorded")
			return nil
		}
		for i := len(events) - 1; i >= 0; i-- {
			client.PrintDrop(events[i])
		}
		return nil
	},
}

var dropsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count dropped messages per reason",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		summary, err := httpClient.DropSummary(since)
		if err != nil {
			return err
		}

		reasons := make([]string, 0, len(summary.Reasons))
		for r := range summary.Reasons {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)

		fmt.Printf("Drops in the last %s\n", summary.Since)
		if len(reasons) == 0 {
			fmt.Println("  none")
			return nil
		}
		for _, r := range reasons {
			fmt.Printf("  %-28s %d\n", r, summary.Reasons[mpio.DropReason(r)])
		}
		return nil
	},
}

var dropsFollowCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream drops as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := authentication.GetTokens(apiURL)
		if err != nil {
			return fmt.Errorf("not logged in to %s: %w", apiURL, err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return client.FollowDrops(ctx, apiURL, creds.AccessToken)
	},
}

func init() {
	dropsCmd.AddCommand(dropsSummaryCmd)
	dropsCmd.AddCommand(dropsFollowCmd)
	rootCmd.AddCommand(dropsCmd)

	dropsCmd.Flags().IntP("limit", "n", 50, "Number of drops to show")
	dropsCmd.Flags().StringP("reason", "r", "", "Only show drops with this reason")
	dropsSummaryCmd.Flags().Duration("since", time.Hour, "Window to summarise")
}
