// Package api serves mosaic requests over HTTP. One POST produces one
// mosaic (plus its companion when asked); it is not a tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/tilestitch/internal/dataset"
	"github.com/sells-group/tilestitch/internal/geo"
	"github.com/sells-group/tilestitch/internal/pipeline"
	"github.com/sells-group/tilestitch/internal/store"
)

// Stitcher runs catalog products. *dataset.Stitcher implements it.
type Stitcher interface {
	Stitch(ctx context.Context, req dataset.StitchRequest) ([]*pipeline.Report, error)
}

// Runs is the read side of the run ledger.
type Runs interface {
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
	RunTiles(ctx context.Context, runID string) ([]store.Tile, error)
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Catalog     *dataset.Catalog
	Stitcher    Stitcher
	Runs        Runs
	CORSOrigins []string
}

// NewRouter creates the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	h := &handlers{
		catalog:  cfg.Catalog,
		stitcher: cfg.Stitcher,
		runs:     cfg.Runs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/datasets", h.datasets)
		r.Post("/mosaics", h.mosaic)
		if cfg.Runs != nil {
			r.Get("/runs", h.listRuns)
			r.Get("/runs/{runID}", h.getRun)
		}
	})
	return r
}

type handlers struct {
	catalog  *dataset.Catalog
	stitcher Stitcher
	runs     Runs
	validate *validator.Validate
	log      *zap.Logger
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type datasetView struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Kind      string `json:"kind"`
	Scale     int    `json:"scale,omitempty"`
	OutputCRS string `json:"output_crs,omitempty"`
	Companion string `json:"companion,omitempty"`
}

func (h *handlers) datasets(w http.ResponseWriter, _ *http.Request) {
	defs := h.catalog.List()
	out := make([]datasetView, 0, len(defs))
	for _, d := range defs {
		out = append(out, datasetView{
			ID:        d.ID,
			Title:     d.Title,
			Kind:      d.Kind,
			Scale:     d.Scale,
			OutputCRS: d.Mosaic.OutputCRS,
			Companion: d.Companion,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

// mosaicRequest is the POST /api/mosaics body.
type mosaicRequest struct {
	Dataset     string    `json:"dataset" validate:"required"`
	BBox        []float64 `json:"bbox" validate:"len=4"`
	CRS         string    `json:"crs"`
	OutputCRS   string    `json:"output_crs"`
	IgnoreCache bool      `json:"ignore_cache"`
	Hillshade   bool      `json:"hillshade"`
}

type mosaicResponse struct {
	Outputs []string           `json:"outputs"`
	Reports []*pipeline.Report `json:"reports"`
}

func (h *handlers) mosaic(w http.ResponseWriter, r *http.Request) {
	var body mosaicRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bbox, err := geo.NewBBox(body.BBox[0], body.BBox[1], body.BBox[2], body.BBox[3], body.CRS)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := h.stitcher.Stitch(r.Context(), dataset.StitchRequest{
		Dataset:     body.Dataset,
		BBox:        bbox,
		OutputCRS:   body.OutputCRS,
		IgnoreCache: body.IgnoreCache,
		Companion:   body.Hillshade,
	})
	if err != nil {
		h.log.Error("mosaic failed", zap.String("dataset", body.Dataset), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := mosaicResponse{Outputs: make([]string, 0, len(reports)), Reports: reports}
	for _, rep := range reports {
		resp.Outputs = append(resp.Outputs, rep.OutputPath)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Dataset: q.Get("dataset"),
		Status:  store.RunStatus(q.Get("status")),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = n
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tiles, err := h.runs.RunTiles(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tiles == nil {
		tiles = []store.Tile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "tiles": tiles})
}

// statusFor maps the pipeline error kinds onto HTTP statuses.
func statusFor(err error) int {
	if errors.Is(err, dataset.ErrUnknown) {
		return http.StatusNotFound
	}
	switch pipeline.Kind(err) {
	case pipeline.ErrInvalidRequest:
		return http.StatusBadRequest
	case pipeline.ErrEmptyMosaic:
		return http.StatusUnprocessableEntity
	case pipeline.ErrGridUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.ErrFetch, pipeline.ErrExtraction:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
