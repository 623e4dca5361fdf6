package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nourish-labs/foodatlas/internal/model"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a single refresh pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Pass %s: %d keys, %s\n",
			report.PassID, report.Keys, report.Finished.Sub(report.Started).Round(time.Millisecond))
		for name, o := range report.Providers {
			fmt.Printf("  %-12s live=%d cache_hit=%d synthesized=%d failed=%d coalesced=%d\n",
				name, o.Live, o.CacheHit, o.Synthesized, o.Failed, o.Coalesced)
		}
		fmt.Printf("Totals: live=%d cache_hit=%d synthesized=%d failed=%d\n",
			report.Total(func(o model.ProviderOutcome) int { return o.Live }),
			report.Total(func(o model.ProviderOutcome) int { return o.CacheHit }),
			report.Total(func(o model.ProviderOutcome) int { return o.Synthesized }),
			report.Total(func(o model.ProviderOutcome) int { return o.Failed }),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}
