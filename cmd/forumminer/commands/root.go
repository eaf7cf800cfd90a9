package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"forumminer/lib/telemetry"

	"github.com/spf13/cobra"
)

var verbose *bool

var rootCmd = &cobra.Command{
	Use:   "forumminer",
	Short: "forumminer incrementally scrapes WoltLab forums, fetching only what changed since the last run.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
}

func init() {
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fatal reports a setup or persistence error the run cannot continue
// past. Per-record scrape failures never come through here; they are
// counted in the run summary instead.
func fatal(what string, err error) {
	slog.Error(what, "err", err)
	os.Exit(1)
}
