package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openroads/roadsurvey/internal/survey"
)

var resyncCmd = &cobra.Command{
	Use:   "resync ROAD_CODE...",
	Short: "Reconcile surveys against the link registry",
	Long: `Regenerates programmatic surveys from current segment attributes and corrects
every user survey on the road: malformed ranges are deleted, surveys crossing a
segment boundary are split at it, and asset references are reassigned to the
segment that actually contains each survey. Safe to re-run; distinct road codes
run in parallel.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency == 0 {
			concurrency = cfg.Chainage.ResyncConcurrency
		}

		sync := newSynchronizer(st, nil)
		results, err := sync.ResyncMany(ctx, args, concurrency)
		if err != nil {
			return err
		}

		for _, res := range results {
			printResyncResult(res)
		}
		return nil
	},
}

func printResyncResult(res *survey.Result) {
	fmt.Printf("%s: %d programmatic, %d reassigned, %d splits, %d deleted\n",
		res.RoadCode, res.ProgrammaticCreated, res.Reassigned, res.Splits, res.Deleted)
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

func init() {
	resyncCmd.Flags().Int("concurrency", 0, "parallel road codes (default: from config)")
	rootCmd.AddCommand(resyncCmd)
}
