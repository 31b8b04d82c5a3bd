package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/netkernel/sim"
)

var schedulersCmd = &cobra.Command{
	Use:   "schedulers",
	Short: "List the scheduler backings.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, t := range sim.SchedulerTypes {
			marker := " "
			if t == cfg.SchedulerType() {
				marker = "*"
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, t)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(schedulersCmd)
}
