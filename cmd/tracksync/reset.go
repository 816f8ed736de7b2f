package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all cohort data and re-apply the seed catalog",
	Long: `Delete every record of every kind in the cohort from the remote
store, clear the local mirror and the persisted identity map, then
re-apply the seed catalog.

This is destructive for every client of the cohort, not just this one.
Requires --yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return fmt.Errorf("refusing to reset cohort %q without --yes", viper.GetString("cohort"))
		}
		logger := newLogger("[reset] ")

		eng, err := buildEngine(cmd, logger)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.svc.LoadIfNeeded(cmd.Context()); err != nil {
			return err
		}
		if err := eng.svc.ResetAllData(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Cohort %q reset to the seed catalog\n", viper.GetString("cohort"))
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the destructive reset")
	rootCmd.AddCommand(resetCmd)
}
