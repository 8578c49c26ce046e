package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/movi/internal/fleet"
	"github.com/ashureev/movi/internal/registry"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available on each page",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return printTools(cmd, a.Registry)
	},
}

func printTools(cmd *cobra.Command, reg *registry.Registry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, page := range fleet.Contexts {
		fmt.Fprintf(w, "%s\n", page)
		for _, d := range reg.ForContext(page) {
			impact := ""
			if reg.IsHighImpact(d.Name) {
				impact = "confirm"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", d.Name, strings.Join(d.RequiredParams(), ","), impact)
		}
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
