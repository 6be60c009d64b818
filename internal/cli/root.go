package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/app"
)

var (
	flagConfig   string
	flagVerbose  bool
	flagLogLevel string
)

// NewRootCmd creates the root cobra command for the digestbot CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "digestbot",
		Short:        "Scheduled news digests from Telegram channels and feeds",
		Long:         "digestbot collects posts from Telegram channels and RSS/Atom feeds, clusters them into stories with an LLM and delivers a newspaper-style digest on a schedule.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./config.yaml", "Path to the config file (yaml or json)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override logging.level (trace, debug, info, warn, error)")

	root.AddCommand(
		newDaemonCmd(),
		newRunCmd(),
		newRunAllCmd(),
		newListCmd(),
		newTestScheduleCmd(),
		newRunsCmd(),
	)

	return root
}

func logLevel() string {
	if flagVerbose {
		return "debug"
	}
	return flagLogLevel
}

func openApp() (*app.App, error) {
	return app.NewApp(flagConfig, app.Options{LogLevel: logLevel()})
}

// closeApp releases an app that was used for one-off commands.
func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx, app.StopAppStop)
}
