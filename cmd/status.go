package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nourish-labs/foodatlas/internal/universe"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache freshness and quota state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		recs := universe.Snapshot(ctx, env.Store)
		stats, err := env.Cache.Stat(ctx, time.Now())
		if err != nil {
			return err
		}
		remaining, err := env.Ledger.Snapshot(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Universe:    %d keys\n", len(recs))
		fmt.Printf("Bundles:     %d total, %d fresh, %d stale, %d synthesized\n",
			stats.Total, stats.Fresh, stats.Stale, stats.Synthesized)

		names := make([]string, 0, len(remaining))
		for name := range remaining {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Quota remaining this month:")
		for _, name := range names {
			fmt.Printf("  %-12s %d\n", name, remaining[name])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
