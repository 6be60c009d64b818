package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/app"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <subscription>",
		Short: "Run one subscription's pipeline once and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a)

			rep, err := a.RunOnce(ctx, args[0])
			if rep != nil {
				printReport(rep)
			}
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return nil
		},
	}
}

func newRunAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every subscription once, in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a)

			reports, err := a.RunAll(ctx)
			for i, rep := range reports {
				if i > 0 {
					fmt.Println()
				}
				printReport(rep)
			}
			return err
		},
	}
}

func printReport(rep *app.Report) {
	fmt.Printf("Subscription: %s\n", rep.SubscriptionID)
	fmt.Printf("Run:          %s\n", rep.RunID)
	fmt.Printf("Period:       %s .. %s\n", rep.PeriodStart.Format(time.RFC3339), rep.PeriodEnd.Format(time.RFC3339))
	fmt.Printf("Items:        %d (%d filtered)\n", rep.Items, rep.Filtered)
	if len(rep.FailedSources) > 0 {
		fmt.Printf("Failed:       %s\n", strings.Join(rep.FailedSources, ", "))
	}
	fmt.Printf("Stories:      %d clusters, %d articles\n", rep.Clusters, rep.Articles)
	if rep.HTMLPath != "" {
		fmt.Printf("Saved:        %s\n", rep.HTMLPath)
	}
	if rep.Delivered+rep.DeliveryFailures > 0 {
		fmt.Printf("Delivered:    %d ok, %d failed\n", rep.Delivered, rep.DeliveryFailures)
	}
	if rep.Usage.TotalTokens > 0 {
		fmt.Printf("Tokens:       %d (prompt %d, completion %d, %d calls)\n",
			rep.Usage.TotalTokens, rep.Usage.PromptTokens, rep.Usage.CompletionTokens, rep.Usage.Calls)
	}
}
