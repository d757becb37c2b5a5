package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	generationstore "github.com/always-cache/always-hsts/pkg/generation-store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config configures the admin endpoints.
type Config struct {
	// Current returns the active generation.
	Current func() generationstore.Generation
	// Store lists past generations. /generations is not served if nil.
	Store generationstore.GenerationProvider
	// Gatherer for /metrics. prometheus.DefaultGatherer is used if nil.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Router returns the admin handler:
//
//	GET /healthz      liveness
//	GET /metrics      prometheus metrics
//	GET /policies     resolved policies of the active generation
//	GET /generations  recorded generations, newest first (?limit=n)
func Router(config Config) http.Handler {
	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/policies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, config.Logger, config.Current())
	})
	if config.Store != nil {
		r.Get("/generations", func(w http.ResponseWriter, r *http.Request) {
			limit := 0
			if l := r.URL.Query().Get("limit"); l != "" {
				var err error
				if limit, err = strconv.Atoi(l); err != nil {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
			}
			generations, err := config.Store.All(limit)
			if err != nil {
				config.Logger.Error().Err(err).Msg("Could not list generations")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			writeJSON(w, config.Logger, generations)
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error().Err(err).Msg("Could not write response")
	}
}
