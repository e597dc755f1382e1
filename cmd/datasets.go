package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/tilestitch/internal/dataset"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List the datasets in the catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := dataset.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		formatDatasets(os.Stdout, catalog.List())
		return nil
	},
}

func formatDatasets(out io.Writer, defs []dataset.Definition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSCALE\tOUTPUT_CRS\tCOMPANION\tTITLE")
	for _, d := range defs {
		scale := "-"
		if d.Scale > 0 {
			scale = fmt.Sprintf("1:%d", d.Scale)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Kind, scale, orDash(d.Mosaic.OutputCRS), orDash(d.Companion), d.Title)
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(datasetsCmd)
}
