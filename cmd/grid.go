package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/db"
	"github.com/sells-group/tilestitch/internal/fetcher"
	"github.com/sells-group/tilestitch/internal/grid"
)

var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Manage control-grid layers",
}

var gridImportCmd = &cobra.Command{
	Use:   "import <layer.shp|archive.zip>",
	Short: "Import a shapefile grid layer into the configured grid store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("grid"); err != nil {
			return err
		}
		layer, _ := cmd.Flags().GetString("layer")
		idField, _ := cmd.Flags().GetString("id-field")
		crs, _ := cmd.Flags().GetString("crs")

		n, err := importGrid(cmd.Context(), args[0], layer, idField, crs)
		if err != nil {
			return eris.Wrap(err, "grid import")
		}
		fmt.Fprintf(os.Stdout, "imported %d cells\n", n)
		return nil
	},
}

var gridLayersCmd = &cobra.Command{
	Use:   "layers",
	Short: "List the layers in the sqlite grid store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		gs, err := grid.OpenSQLite(cfg.Grid.SQLitePath)
		if err != nil {
			return err
		}
		defer gs.Close() //nolint:errcheck
		if err := gs.Migrate(cmd.Context()); err != nil {
			return err
		}
		layers, err := gs.Layers(cmd.Context())
		if err != nil {
			return err
		}
		formatLayers(os.Stdout, layers)
		return nil
	},
}

// importGrid reads a shapefile, or the first shapefile inside a zip
// archive, and replaces the layer in the configured store. An empty layer
// defaults to the shapefile's base name.
func importGrid(ctx context.Context, path, layer, idField, crs string) (int, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		archive := path
		dir, err := os.MkdirTemp(cfg.Paths.TempDir, "grid-*")
		if err != nil {
			return 0, eris.Wrap(err, "create temp dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		files, err := fetcher.ExtractZIP(path, dir)
		if err != nil {
			return 0, err
		}
		path = ""
		for _, f := range files {
			if strings.EqualFold(filepath.Ext(f), ".shp") {
				path = f
				break
			}
		}
		if path == "" {
			return 0, eris.Errorf("no .shp in %s", filepath.Base(archive))
		}
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if layer == "" {
		layer = base
	}
	// the reader opens <dir>/<name>.shp; the stored layer may be renamed
	src := grid.NewShapefileIndex(filepath.Dir(path), base, idField, crs)
	log := zap.L().With(zap.String("component", "grid"), zap.String("layer", layer))

	switch cfg.Grid.Driver {
	case "sqlite":
		gs, err := grid.OpenSQLite(cfg.Grid.SQLitePath)
		if err != nil {
			return 0, err
		}
		defer gs.Close() //nolint:errcheck
		if err := gs.Migrate(ctx); err != nil {
			return 0, err
		}
		return grid.ImportShapefile(ctx, src, gs, layer)
	case "postgis":
		cells, crs, err := grid.ReadExtents(ctx, src)
		if err != nil {
			return 0, err
		}
		opts, err := postgisOptions(layer, idField, crs)
		if err != nil {
			return 0, err
		}
		pool, err := db.Open(ctx, cfg.Grid.DatabaseURL, nil)
		if err != nil {
			return 0, err
		}
		defer pool.Close()
		n, err := grid.ImportPostGIS(ctx, pool, opts, cells)
		if err != nil {
			return 0, err
		}
		log.Info("grid layer imported", zap.String("table", opts.Table), zap.Int("cells", n))
		return n, nil
	default:
		return 0, eris.Errorf("grid driver %q reads shapefiles in place; set grid.driver to sqlite or postgis", cfg.Grid.Driver)
	}
}

func formatLayers(out io.Writer, layers []grid.LayerInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LAYER\tID_FIELD\tCRS\tCELLS\tIMPORTED")
	for _, l := range layers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			l.Name, l.IDField, l.CRS, l.Cells, l.ImportedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func init() {
	gridImportCmd.Flags().String("layer", "", "layer name to store (default: shapefile base name)")
	gridImportCmd.Flags().String("id-field", "", "attribute holding the cell identifier")
	gridImportCmd.Flags().String("crs", "", "CRS of the shapefile coordinates (default EPSG:4326)")
	_ = gridImportCmd.MarkFlagRequired("id-field")

	gridCmd.AddCommand(gridImportCmd)
	gridCmd.AddCommand(gridLayersCmd)
	rootCmd.AddCommand(gridCmd)
}
