package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vrdb/questmeta/pkg/statedb"
)

// errorsCmd lists captured errors; errorsPruneCmd removes records past the
// retention window without waiting for the next run.
var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List captured scrape errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := statedb.Open(viper.GetString("state.path"))
		if err != nil {
			return err
		}
		defer state.Close()

		sinceHours, _ := cmd.Flags().GetInt("since")
		since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)

		records, err := state.ListErrors(cmd.Context(), since)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no errors captured in window")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  [%s]  %s  %s\n",
				r.OccurredAt.Format("2006-01-02 15:04:05"), r.Stage, r.EntityID, r.Detail)
		}
		return nil
	},
}

var errorsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove error records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := statedb.Open(viper.GetString("state.path"))
		if err != nil {
			return err
		}
		defer state.Close()

		retention := time.Duration(viper.GetInt("errors.retention_days")) * 24 * time.Hour
		n, err := state.PruneErrors(cmd.Context(), retention)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d error records\n", n)
		return nil
	},
}

func init() {
	errorsCmd.Flags().Int("since", 24, "Only list errors captured in the last N hours")
	errorsCmd.AddCommand(errorsPruneCmd)
	rootCmd.AddCommand(errorsCmd)
}
