package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full reconciliation and exit",
	Long: `Perform a single full reconciliation against the remote store.

Every record of every kind is fetched and mirrored into the local entity
graph; local entities whose remote counterpart no longer exists are
removed. An empty cohort is seeded with the default catalog (or the
catalog given via --seed-file).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[sync] ")

		eng, err := buildEngine(cmd, logger)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.svc.LoadIfNeeded(cmd.Context()); err != nil {
			return err
		}

		fmt.Printf("Synced cohort %q: %d groups, %d domains, %d objectives, %d students, %d labels\n",
			viper.GetString("cohort"),
			len(eng.svc.Groups()),
			len(eng.svc.Domains()),
			len(eng.svc.Objectives()),
			len(eng.svc.Students()),
			len(eng.svc.Labels()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
