package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Replace fleet data with the demo fleet",
	Long:  "Wipes stops, paths, routes, vehicles, drivers, trips and deployments and loads the demo data. Sessions are kept.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Repo.Seed(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Demo fleet loaded")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one session sweep",
	Long:  "Cancels expired confirmations, deletes idle sessions and clears stale leases once.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.Sweeper.Sweep(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "expired confirmations: %d\nidle sessions: %d\nstale leases: %d\n",
			res.ExpiredCheckpoints, res.IdleSessions, res.StaleLeases)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(sweepCmd)
}
