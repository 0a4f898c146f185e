package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vrdb/questmeta/pkg/dataset"
	"github.com/vrdb/questmeta/pkg/statedb"
)

// statusCmd prints dataset and state-index stats.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dataset statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := dataset.Open(viper.GetString("dataset.path"))
		if err != nil {
			return err
		}

		stats, err := store.GetStats()
		if err != nil {
			return err
		}

		lastUpdated, err := store.LastUpdated()
		if err != nil {
			return err
		}

		fmt.Printf("apps:      %d (%d active, %d stale, %d error)\n",
			stats.Apps, stats.Active, stats.Stale, stats.Errored)
		fmt.Printf("versions:  %d\n", stats.Versions)
		fmt.Printf("images:    %d\n", stats.Images)
		if lastUpdated.IsZero() {
			fmt.Println("updated:   never")
		} else {
			fmt.Printf("updated:   %s\n", lastUpdated.Format("2006-01-02 15:04:05 MST"))
		}

		state, err := statedb.Open(viper.GetString("state.path"))
		if err != nil {
			return err
		}
		defer state.Close()

		idx, err := state.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("aliases:   %d\n", idx.Aliases)
		fmt.Printf("errors:    %d captured\n", idx.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
