package alwayshsts

import (
	"net/http"
	"sync/atomic"
	"time"

	generationstore "github.com/always-cache/always-hsts/pkg/generation-store"
	"github.com/always-cache/always-hsts/pkg/metrics"
	"github.com/always-cache/always-hsts/pkg/pipeline"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Generation is one loaded configuration: the resolved scopes and the proxy serving them.
type Generation struct {
	ID       uuid.UUID
	LoadedAt time.Time
	Source   string
	Config   FileConfig
	Scopes   *Scopes
	Proxy    *AlwaysHSTS
}

// LoadOptions are the settings a generation is built with, besides the configuration itself.
type LoadOptions struct {
	Logger    *zerolog.Logger
	Now       func() time.Time
	Transport http.RoundTripper
	Stages    []pipeline.Stage
	OnError   func(err error, scope string)
	// Store records each generation if not nil.
	Store generationstore.GenerationProvider
}

// Load reads the configuration file and builds a new generation from it.
// Nothing is built if any part of the configuration is invalid.
func Load(filename string, opts LoadOptions) (*Generation, error) {
	config, err := LoadConfig(filename)
	if err != nil {
		metrics.ConfigLoads.WithLabelValues("error").Inc()
		return nil, err
	}
	return NewGeneration(config, filename, opts)
}

// NewGeneration resolves config and builds the proxy for it.
func NewGeneration(config FileConfig, source string, opts LoadOptions) (*Generation, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}

	id := uuid.New()
	loadedAt := now()
	logger = logger.With().Str("generation", id.String()).Logger()

	scopes, err := ResolveScopes(config, loadedAt, logger)
	if err != nil {
		metrics.ConfigLoads.WithLabelValues("error").Inc()
		return nil, err
	}
	g := &Generation{
		ID:       id,
		LoadedAt: loadedAt,
		Source:   source,
		Config:   config,
		Scopes:   scopes,
		Proxy: CreateProxy(Config{
			Scopes:              scopes,
			Logger:              &logger,
			Now:                 now,
			TrustForwardedProto: config.TrustForwardedProto,
			Transport:           opts.Transport,
			Stages:              opts.Stages,
			OnError:             opts.OnError,
		}),
	}
	if opts.Store != nil {
		err := opts.Store.Put(generationstore.Generation{
			ID:       id.String(),
			LoadedAt: loadedAt,
			Source:   source,
			Policies: scopes.Policies(),
		})
		if err != nil {
			// the generation is valid, only its record is missing
			logger.Error().Err(err).Msg("Could not record generation")
		}
	}
	metrics.ConfigLoads.WithLabelValues("ok").Inc()
	logger.Info().Int("servers", len(scopes.Servers)).Msg("Configuration loaded")
	return g, nil
}

// Handler serves requests with the current generation.
// Swapping in a new generation does not affect requests already in flight.
type Handler struct {
	current atomic.Pointer[Generation]
}

func NewHandler(g *Generation) *Handler {
	h := &Handler{}
	h.current.Store(g)
	return h
}

// Swap makes g the current generation and returns the previous one.
func (h *Handler) Swap(g *Generation) *Generation {
	return h.current.Swap(g)
}

// Current returns the generation new requests are served with.
func (h *Handler) Current() *Generation {
	return h.current.Load()
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.current.Load().Proxy.ServeHTTP(w, r)
}
