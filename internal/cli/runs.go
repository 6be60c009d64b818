package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"digestbot/internal/storage"
)

func newRunsCmd() *cobra.Command {
	var (
		subID  string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := storage.RunFilter{SubscriptionID: subID, Status: storage.RunStatus(status), Limit: limit}
			switch f.Status {
			case "", storage.RunRunning, storage.RunCompleted, storage.RunFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a)

			runs, err := a.Runs(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			fmt.Printf("%-36s  %-16s  %-10s  %-16s  %-16s  %6s  %s\n", "RUN", "SUBSCRIPTION", "STATUS", "FROM", "TO", "ITEMS", "ERROR")
			for _, r := range runs {
				fmt.Printf("%-36s  %-16s  %-10s  %-16s  %-16s  %6d  %s\n",
					r.ID, truncate(r.SubscriptionID, 16), r.Status,
					r.PeriodStart.Format("2006-01-02 15:04"), r.PeriodEnd.Format("2006-01-02 15:04"),
					r.MessagesProcessed, truncate(r.Error, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&subID, "subscription", "s", "", "Only runs of this subscription")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (running, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of runs")
	return cmd
}
