package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/config"
	"digestbot/internal/task/scheduler"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewManager(flagConfig).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured subscriptions and their schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			now := time.Now()
			fmt.Printf("%-20s  %-24s  %-8s  %-40s  %s\n", "ID", "NAME", "SOURCES", "SCHEDULE", "NEXT")
			fmt.Printf("%-20s  %-24s  %-8s  %-40s  %s\n", "--", "----", "-------", "--------", "----")
			for _, id := range cfg.SubscriptionIDs() {
				sub := cfg.Subscriptions[id]
				desc, next := "invalid", "-"
				sch, err := scheduler.ParseSchedule(sub.Schedule)
				if err != nil {
					desc = "invalid: " + err.Error()
				} else {
					desc = sch.Describe()
					switch sch.Mode() {
					case scheduler.ModeLookback, scheduler.ModeRange:
						next = "manual"
					default:
						if tr, err := sch.Next(now); err == nil {
							next = tr.At.Format("2006-01-02 15:04 MST")
						}
					}
				}
				fmt.Printf("%-20s  %-24s  %-8d  %-40s  %s\n", id, truncate(sub.Name, 24), len(sub.Sources), truncate(desc, 40), next)
			}
			return nil
		},
	}
}

func newTestScheduleCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "test-schedule <subscription>",
		Short: "Print the next trigger times of a subscription's schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sub, ok := cfg.Subscriptions[args[0]]
			if !ok {
				return fmt.Errorf("unknown subscription %q", args[0])
			}
			sch, err := scheduler.ParseSchedule(sub.Schedule)
			if err != nil {
				return err
			}
			for _, w := range sch.Warnings() {
				fmt.Println("warning:", w)
			}
			fmt.Println("Schedule:", sch.Describe())

			now := time.Now()
			if m := sch.Mode(); m == scheduler.ModeLookback || m == scheduler.ModeRange {
				start, end := scheduler.Window(sch, "", now)
				fmt.Printf("Single-shot %s schedule; a manual run now covers %s .. %s\n",
					m, start.Format(time.RFC3339), end.Format(time.RFC3339))
				return nil
			}
			triggers, err := scheduler.NextN(sch, now, n)
			if err != nil {
				return err
			}
			for i, tr := range triggers {
				start, end := scheduler.Window(sch, tr.Slot, tr.At)
				label := tr.Slot
				if tr.Fallback {
					label = "hourly"
				}
				fmt.Printf("%2d. %s  [%s]  window %s .. %s\n", i+1,
					tr.At.Format("Mon 2006-01-02 15:04 MST"), label,
					start.Format("01-02 15:04"), end.Format("01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "Number of triggers to show")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
