package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nourish-labs/foodatlas/internal/store"
	"github.com/nourish-labs/foodatlas/internal/universe"
)

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "Resolve the key universe from the source table and persist it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		resolver := universe.NewResolver(cfg.Universe)
		recs := universe.ResolveOrFallback(ctx, resolver, st)

		counties := make(map[string]int)
		for _, r := range recs {
			counties[r.CountyName]++
		}
		fmt.Printf("Universe: %d keys across %d counties\n", len(recs), len(counties))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(universeCmd)
}
