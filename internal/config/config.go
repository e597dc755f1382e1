package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths" mapstructure:"paths"`
	Grid     GridConfig     `yaml:"grid" mapstructure:"grid"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Raster   RasterConfig   `yaml:"raster" mapstructure:"raster"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates the shared tile cache, generated mosaics, scratch
// space and control-grid layers.
type PathsConfig struct {
	CacheDir     string `yaml:"cache_dir" mapstructure:"cache_dir" validate:"required"`
	GeneratedDir string `yaml:"generated_dir" mapstructure:"generated_dir" validate:"required"`
	TempDir      string `yaml:"temp_dir" mapstructure:"temp_dir"`
	ControlDir   string `yaml:"control_dir" mapstructure:"control_dir" validate:"required"`
}

// GridConfig selects where control-grid cells are looked up.
type GridConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=shapefile sqlite postgis"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// CacheSize bounds memoized lookups; zero disables the cache.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"gte=0"`
}

// FetchConfig configures archive and map-image retrieval.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gt=0"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	BackoffMs   int    `yaml:"backoff_ms" mapstructure:"backoff_ms" validate:"gte=0"`
}

// RasterConfig configures the GDAL command line tools.
type RasterConfig struct {
	BinDir string            `yaml:"bin_dir" mapstructure:"bin_dir"`
	Config map[string]string `yaml:"config" mapstructure:"config"`
}

// PipelineConfig configures tile scheduling.
type PipelineConfig struct {
	Concurrency          int  `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0,lte=256"`
	ExcludeFetchFailures bool `yaml:"exclude_fetch_failures" mapstructure:"exclude_fetch_failures"`
}

// CatalogConfig points at an external dataset catalog. Empty uses the
// built-in one.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StoreConfig configures the run ledger. Driver "none" disables it.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres none"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// legacyEnv maps config keys to the bare environment names older
// deployments set.
var legacyEnv = map[string]string{
	"paths.cache_dir":     "CACHE_DIR",
	"paths.generated_dir": "GENERATED_DIR",
	"paths.temp_dir":      "TMP_DIR",
	"paths.control_dir":   "CONTROL_GRID_DIR",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("tilestitch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TILESTITCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "TILESTITCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("paths.cache_dir", "cache")
	v.SetDefault("paths.generated_dir", "generated")
	v.SetDefault("paths.control_dir", "control")
	v.SetDefault("grid.driver", "shapefile")
	v.SetDefault("grid.sqlite_path", "grid.db")
	v.SetDefault("grid.cache_size", 256)
	v.SetDefault("fetch.user_agent", "tilestitch/1.0")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_attempts", 1)
	v.SetDefault("fetch.backoff_ms", 1000)
	v.SetDefault("raster.config", map[string]string{"GDAL_CACHEMAX": "512"})
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "tilestitch.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Mode "serve"
// additionally requires a valid server block; postgis grids and a postgres
// ledger need a database URL.
func (c *Config) Validate(mode string) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	for name, section := range map[string]any{
		"paths":    c.Paths,
		"grid":     c.Grid,
		"fetch":    c.Fetch,
		"pipeline": c.Pipeline,
		"store":    c.Store,
		"log":      c.Log,
	} {
		if err := validate.Struct(section); err != nil {
			return eris.Wrapf(err, "config: invalid %s", name)
		}
	}
	if c.Grid.Driver == "postgis" && c.Grid.DatabaseURL == "" {
		return eris.New("config: grid.database_url is required for the postgis driver")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required for the postgres driver")
	}
	switch mode {
	case "stitch", "plan", "grid", "runs", "":
		return nil
	case "serve":
		if err := validate.Struct(c.Server); err != nil {
			return eris.Wrap(err, "config: invalid server")
		}
		return nil
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
