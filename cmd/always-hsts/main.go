package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	alwayshsts "github.com/always-cache/always-hsts"
	"github.com/always-cache/always-hsts/pkg/admin"
	generationstore "github.com/always-cache/always-hsts/pkg/generation-store"
	"github.com/always-cache/always-hsts/pkg/report"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	listenFlag         string
	adminFlag          string
	dbFilenameFlag     string
	sentryDSNFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "always-hsts.yaml", "Path to config file")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&adminFlag, "admin", "127.0.0.1:9090", "Address for health, metrics and policy endpoints (empty to disable)")
	flag.StringVar(&dbFilenameFlag, "db", "memory", "Generation DB file name (use 'memory' to keep generations in memory only)")
	flag.StringVar(&sentryDSNFlag, "sentry-dsn", os.Getenv("SENTRY_DSN"), "Sentry DSN for error reporting")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	sentryEnabled, err := report.Setup(sentryDSNFlag, version)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up Sentry")
	}
	defer report.Flush()

	// set up generation store
	var store generationstore.GenerationProvider
	if dbFilenameFlag == "memory" {
		store = generationstore.NewMemStore()
	} else if store, err = generationstore.NewSQLiteStore(dbFilenameFlag); err != nil {
		log.Fatal().Err(err).Str("db", dbFilenameFlag).Msg("Could not open generation store")
	}
	defer store.Close()

	loadOptions := alwayshsts.LoadOptions{
		Logger: &log.Logger,
		Store:  store,
	}
	if sentryEnabled {
		loadOptions.OnError = func(err error, scope string) {
			report.CaptureError(err, map[string]string{"scope": scope})
		}
	}

	generation, err := alwayshsts.Load(configFilenameFlag, loadOptions)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFilenameFlag).Msg("Invalid configuration")
	}
	handler := alwayshsts.NewHandler(generation)

	addr := generation.Config.Listen
	if listenFlag != "" {
		addr = listenFlag
	}
	if addr == "" {
		addr = ":8443"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsConfig := generation.Config.TLS

	go func() {
		var err error
		if tlsConfig.Cert != "" {
			log.Info().Msgf("Listening for HTTPS on %s", addr)
			err = server.ListenAndServeTLS(tlsConfig.Cert, tlsConfig.Key)
		} else {
			log.Warn().Msgf("Listening for plain HTTP on %s, no HSTS headers will be sent unless forwarded as https", addr)
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	var adminServer *http.Server
	if adminFlag != "" {
		adminServer = &http.Server{
			Addr: adminFlag,
			Handler: admin.Router(admin.Config{
				Current: func() generationstore.Generation {
					g := handler.Current()
					return generationstore.Generation{
						ID:       g.ID.String(),
						LoadedAt: g.LoadedAt,
						Source:   g.Source,
						Policies: g.Scopes.Policies(),
					}
				},
				Store:  store,
				Logger: log.Logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Msgf("Admin endpoints on %s", adminFlag)
			if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Admin server failed")
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			reload(handler, loadOptions, sentryEnabled)
			continue
		}
		break
	}

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if adminServer != nil {
		adminServer.Shutdown(ctx)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Could not shut down cleanly")
	}
}

// reload loads the configuration again and swaps it in.
// An invalid configuration is rejected and the current generation keeps serving.
// Listen address and TLS files are only read at startup.
func reload(handler *alwayshsts.Handler, opts alwayshsts.LoadOptions, sentryEnabled bool) {
	log.Info().Str("config", configFilenameFlag).Msg("Reloading configuration")
	generation, err := alwayshsts.Load(configFilenameFlag, opts)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration, keeping the current one")
		if sentryEnabled {
			report.CaptureError(err, map[string]string{"config": configFilenameFlag})
		}
		return
	}
	previous := handler.Swap(generation)
	log.Info().
		Str("previous", previous.ID.String()).
		Str("current", generation.ID.String()).
		Msg("Configuration reloaded")
}
