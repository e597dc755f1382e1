package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tilestitch/internal/config"
	"github.com/sells-group/tilestitch/internal/dataset"
	"github.com/sells-group/tilestitch/internal/db"
	"github.com/sells-group/tilestitch/internal/fetcher"
	"github.com/sells-group/tilestitch/internal/grid"
	"github.com/sells-group/tilestitch/internal/pipeline"
	"github.com/sells-group/tilestitch/internal/raster"
	"github.com/sells-group/tilestitch/internal/store"
)

// appEnv holds the collaborators shared by the stitching commands.
type appEnv struct {
	Catalog  *dataset.Catalog
	Pipeline *pipeline.Pipeline
	Stitcher *dataset.Stitcher
	Engine   raster.Engine
	// Store is nil when the run ledger is disabled.
	Store store.Store

	closers []func() error
}

// Close releases everything initEnv opened, newest first.
func (e *appEnv) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

// Swapped out by tests.
var (
	newFetcher = defaultFetcher
	newEngine  = defaultEngine
)

func defaultFetcher(c *config.Config) fetcher.Fetcher {
	timeout := time.Duration(c.Fetch.TimeoutSecs) * time.Second
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   c.Fetch.UserAgent,
		Timeout:     timeout,
		MaxAttempts: c.Fetch.MaxAttempts,
		Backoff:     time.Duration(c.Fetch.BackoffMs) * time.Millisecond,
	})
	mux := fetcher.NewMux()
	mux.Handle("http", httpFetcher)
	mux.Handle("https", httpFetcher)
	mux.Handle("ftp", fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout}))
	return mux
}

func defaultEngine(c *config.Config) raster.Engine {
	// viper lowercases map keys; GDAL config options are upper case
	gdalConfig := make(map[string]string, len(c.Raster.Config))
	for k, v := range c.Raster.Config {
		gdalConfig[strings.ToUpper(k)] = v
	}
	return raster.NewGDAL(raster.GDALOptions{
		BinDir:  c.Raster.BinDir,
		TempDir: c.Paths.TempDir,
		Config:  gdalConfig,
	})
}

// engineVersion returns the raster engine release, or "" for engines that
// do not report one.
func engineVersion(ctx context.Context, engine raster.Engine) (string, error) {
	v, ok := engine.(interface {
		Version(context.Context) (string, error)
	})
	if !ok {
		return "", nil
	}
	return v.Version(ctx)
}

// initEnv validates cfg for mode and wires the catalog, grids, engine,
// fetcher and (optionally) the run ledger into a stitcher.
func initEnv(ctx context.Context, mode string, withStore bool) (env *appEnv, err error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	catalog, err := dataset.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	env = &appEnv{Catalog: catalog}
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()

	grids, err := env.openGrids(ctx)
	if err != nil {
		return nil, err
	}
	if withStore {
		st, err := initStore(ctx)
		if err != nil {
			return nil, err
		}
		if st != nil {
			env.closers = append(env.closers, st.Close)
			if err := st.Migrate(ctx); err != nil {
				return nil, err
			}
			env.Store = st
		}
	}

	engine := newEngine(cfg)
	env.Engine = engine
	opts := pipeline.Options{
		GeneratedDir:         cfg.Paths.GeneratedDir,
		TempDir:              cfg.Paths.TempDir,
		Concurrency:          cfg.Pipeline.Concurrency,
		ExcludeFetchFailures: cfg.Pipeline.ExcludeFetchFailures,
	}
	if env.Store != nil {
		opts.Recorder = env.Store
	}
	env.Pipeline = pipeline.New(newFetcher(cfg), engine, opts)
	env.Stitcher = &dataset.Stitcher{
		Catalog: catalog,
		Env: dataset.Env{
			CacheDir: cfg.Paths.CacheDir,
			Grids:    grids,
			Engine:   engine,
		},
		Pipeline: env.Pipeline,
	}
	return env, nil
}

// openGrids resolves grid layers through the configured driver.
func (e *appEnv) openGrids(ctx context.Context) (dataset.GridOpener, error) {
	var open dataset.GridOpener
	switch cfg.Grid.Driver {
	case "shapefile":
		open = dataset.ShapefileGrids(cfg.Paths.ControlDir)
	case "sqlite":
		gs, err := grid.OpenSQLite(cfg.Grid.SQLitePath)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, gs.Close)
		if err := gs.Migrate(ctx); err != nil {
			return nil, err
		}
		open = func(_ context.Context, g dataset.GridDef) (grid.Index, error) {
			return gs.Layer(g.Layer), nil
		}
	case "postgis":
		pool, err := db.Open(ctx, cfg.Grid.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() error { pool.Close(); return nil })
		open = func(_ context.Context, g dataset.GridDef) (grid.Index, error) {
			opts, err := postgisOptions(g.Layer, g.IDField, g.CRS)
			if err != nil {
				return nil, err
			}
			return grid.NewPostGISIndex(pool, opts), nil
		}
	default:
		return nil, eris.Errorf("unsupported grid driver: %s", cfg.Grid.Driver)
	}
	if cfg.Grid.CacheSize <= 0 {
		return open, nil
	}
	return cachedGrids(open, cfg.Grid.CacheSize), nil
}

// cachedGrids memoizes lookups per layer across requests.
func cachedGrids(open dataset.GridOpener, size int) dataset.GridOpener {
	var mu sync.Mutex
	layers := make(map[dataset.GridDef]*grid.Cached)
	return func(ctx context.Context, g dataset.GridDef) (grid.Index, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := layers[g]; ok {
			return c, nil
		}
		inner, err := open(ctx, g)
		if err != nil {
			return nil, err
		}
		c, err := grid.NewCached(inner, size)
		if err != nil {
			return nil, err
		}
		layers[g] = c
		return c, nil
	}
}

// postgisOptions maps a grid layer onto a table of the same name with a
// lower-case id column.
func postgisOptions(layer, idField, crs string) (grid.PostGISOptions, error) {
	srid, err := sridOf(crs)
	if err != nil {
		return grid.PostGISOptions{}, err
	}
	return grid.PostGISOptions{
		Table:    layer,
		IDColumn: strings.ToLower(idField),
		SRID:     srid,
		CRS:      crs,
	}, nil
}

func sridOf(crs string) (int, error) {
	if crs == "" {
		return 4326, nil
	}
	auth, code, ok := strings.Cut(crs, ":")
	if !ok || !strings.EqualFold(auth, "EPSG") {
		return 0, eris.Errorf("crs %q is not an EPSG code", crs)
	}
	srid, err := strconv.Atoi(code)
	if err != nil {
		return 0, eris.Wrapf(err, "crs %q", crs)
	}
	return srid, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
