package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/netkernel/datarecording"
)

var (
	traceLimit   int
	traceContext int64
)

var traceCmd = &cobra.Command{
	Use:   "trace FILE",
	Short: "Print the events recorded in a trace database.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		reader.MapTable("event", datarecording.EventEntry{})

		params := datarecording.QueryParams{
			OrderBy: "Time, Rank, UID",
			Limit:   traceLimit,
		}

		if cmd.Flags().Changed("context") {
			params.Where = "Context = ?"
			params.Args = []any{traceContext}
		}

		rows, total, err := reader.Query(cmd.Context(), "event", params)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, row := range rows {
			e := row.(*datarecording.EventEntry)
			fmt.Fprintf(out, "rank %d\ttime %d\tuid %d\tcontext %d\n",
				e.Rank, e.Time, e.UID, e.Context)
		}

		fmt.Fprintf(out, "%d of %d events\n", len(rows), total)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().IntVar(&traceLimit, "limit", 20, "number of events to print, 0 for all")
	traceCmd.Flags().Int64Var(&traceContext, "context", 0, "only print events of this context")
}
