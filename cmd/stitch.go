package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/dataset"
	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/pipeline"
)

var (
	stitchHillshade   bool
	stitchIgnoreCache bool
	stitchCRS         string
	stitchOutputCRS   string
	stitchConcurrency int
)

var stitchCmd = &cobra.Command{
	Use:   "stitch <dataset> <min_x> <min_y> <max_x> <max_y>",
	Short: "Produce a mosaic of a dataset clipped to a bounding box",
	Long: "Produce a mosaic of a dataset clipped to a bounding box and print its path.\n" +
		"Flags go before the dataset so negative coordinates are read as arguments:\n" +
		"  tilestitch stitch --hillshade canvec -123 49 -122 50",
	Args: cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := stitchRequest(args)
		if err != nil {
			return err
		}
		if stitchConcurrency > 0 {
			cfg.Pipeline.Concurrency = stitchConcurrency
		}

		env, err := initEnv(cmd.Context(), "stitch", true)
		if err != nil {
			return err
		}
		defer env.Close() //nolint:errcheck

		reports, err := env.Stitcher.Stitch(cmd.Context(), req)
		for _, r := range reports {
			logReport(r)
		}
		if err != nil {
			return eris.Wrap(err, "stitch")
		}
		writeOutputs(os.Stdout, reports)
		return nil
	},
}

// stitchRequest parses "<dataset> <min_x> <min_y> <max_x> <max_y>" and the
// shared stitch flags.
func stitchRequest(args []string) (dataset.StitchRequest, error) {
	bbox, err := parseBBox(args[1:], stitchCRS)
	if err != nil {
		return dataset.StitchRequest{}, err
	}
	return dataset.StitchRequest{
		Dataset:     args[0],
		BBox:        bbox,
		OutputCRS:   stitchOutputCRS,
		IgnoreCache: stitchIgnoreCache,
		Companion:   stitchHillshade,
	}, nil
}

func parseBBox(args []string, crs string) (geo.BBox, error) {
	if len(args) != 4 {
		return geo.BBox{}, eris.Errorf("bbox needs 4 ordinates, got %d", len(args))
	}
	var v [4]float64
	for i, a := range args {
		f, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return geo.BBox{}, eris.Wrapf(err, "bbox ordinate %q", a)
		}
		v[i] = f
	}
	return geo.NewBBox(v[0], v[1], v[2], v[3], crs)
}

func logReport(r *pipeline.Report) {
	fields := []zap.Field{
		zap.String("run_id", r.RunID),
		zap.String("dataset", r.Dataset),
		zap.String("output", r.OutputPath),
		zap.Bool("reused", r.Reused),
		zap.Int("tiles", r.Tiles),
		zap.Int("ready", len(r.Ready)),
		zap.Int("fetches", r.Fetches),
		zap.Duration("duration", r.Duration),
	}
	zap.L().Info("mosaic finished", fields...)
	for _, ex := range r.Excluded {
		zap.L().Warn("tile excluded",
			zap.String("dataset", r.Dataset),
			zap.String("cell", ex.Cell),
			zap.String("cache_key", ex.Key),
			zap.String("reason", ex.Reason),
		)
	}
}

// writeOutputs prints one mosaic path per line.
func writeOutputs(w io.Writer, reports []*pipeline.Report) {
	for _, r := range reports {
		_, _ = fmt.Fprintln(w, r.OutputPath)
	}
}

func addStitchFlags(cmd *cobra.Command) {
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&stitchHillshade, "hillshade", false, "also produce the dataset's companion hillshade mosaic")
	cmd.Flags().StringVar(&stitchCRS, "crs", geo.DefaultCRS, "CRS of the bounding box ordinates")
	cmd.Flags().StringVar(&stitchOutputCRS, "output-crs", "", "CRS of the mosaic (default from the dataset, else --crs)")
}

func init() {
	addStitchFlags(stitchCmd)
	stitchCmd.Flags().BoolVar(&stitchIgnoreCache, "ignore-cache", false, "re-fetch and re-process every tile")
	stitchCmd.Flags().IntVar(&stitchConcurrency, "concurrency", 0, "tiles processed in parallel (default from config)")
	rootCmd.AddCommand(stitchCmd)
}
