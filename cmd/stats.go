package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/corpus/internal/monitoring"
)

var statsCmd = &cobra.Command{
	Use:   "stats [collection-id]",
	Short: "Print queue depth and integration health",
	Long:  "Snapshots job counts, claim and integration states per collection. With no argument, every collection is reported.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var ids []string
		if len(args) == 1 {
			ids = args
		} else {
			cols, err := st.ListCollections(ctx)
			if err != nil {
				return err
			}
			for _, c := range cols {
				ids = append(ids, c.ID)
			}
		}

		collector := monitoring.NewCollector(st, nil)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		for _, id := range ids {
			snap, err := collector.Collect(ctx, id)
			if err != nil {
				return err
			}
			if err := enc.Encode(snap); err != nil {
				return err
			}
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no collections")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
