package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tilestitch/internal/dataset"
)

var planCmd = &cobra.Command{
	Use:   "plan <dataset> <min_x> <min_y> <max_x> <max_y>",
	Short: "List the tiles a mosaic needs without fetching anything",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := stitchRequest(args)
		if err != nil {
			return err
		}
		env, err := initEnv(cmd.Context(), "plan", false)
		if err != nil {
			return err
		}
		defer env.Close() //nolint:errcheck

		planned, err := env.Stitcher.Plan(cmd.Context(), req)
		if err != nil {
			return eris.Wrap(err, "plan")
		}
		formatPlan(os.Stdout, planned)
		return nil
	},
}

// formatPlan writes each mosaic's output path followed by its tiles.
func formatPlan(out io.Writer, planned []dataset.Planned) {
	for i, p := range planned {
		if i > 0 {
			_, _ = fmt.Fprintln(out)
		}
		_, _ = fmt.Fprintf(out, "%s -> %s (%d tiles)\n", p.Dataset, p.OutputPath, len(p.Entries))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CELL\tKEY\tURL\tMEMBER")
		for _, e := range p.Entries {
			member := e.Member
			if member == "" {
				member = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Cell, e.Key.Path(), e.RemoteURL, member)
		}
		_ = w.Flush()
	}
}

func init() {
	addStitchFlags(planCmd)
	rootCmd.AddCommand(planCmd)
}
