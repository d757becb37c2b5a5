package alwayshsts

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/always-cache/always-hsts/pkg/hsts"
	"github.com/always-cache/always-hsts/pkg/metrics"
	"github.com/always-cache/always-hsts/pkg/pipeline"

	"github.com/rs/zerolog"
)

type Config struct {
	// Resolved scope tree to serve.
	Scopes *Scopes
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock for header computation. time.Now is used if nil.
	Now func() time.Time
	// Treat requests with "X-Forwarded-Proto: https" as encrypted.
	// Enable only when TLS is terminated by a trusted proxy in front of this one.
	TrustForwardedProto bool
	// Transport for origin requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Optional extra stages, run after the built-in ones.
	Stages []pipeline.Stage
	// Optional callback for requests answered with an internal server error.
	OnError func(err error, scope string)
}

type AlwaysHSTS struct {
	scopes              *Scopes
	log                 zerolog.Logger
	now                 func() time.Time
	trustForwardedProto bool
	pipeline            pipeline.Pipeline
	onError             func(err error, scope string)
	proxies             map[*ServerScope]*httputil.ReverseProxy
}

// CreateProxy builds the proxy for a resolved scope tree.
// The response pipeline is assembled here and never changes afterwards;
// a new configuration needs a new proxy.
func CreateProxy(config Config) *AlwaysHSTS {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	a := &AlwaysHSTS{
		scopes:              config.Scopes,
		log:                 logger,
		now:                 config.Now,
		trustForwardedProto: config.TrustForwardedProto,
		onError:             config.OnError,
		proxies:             make(map[*ServerScope]*httputil.ReverseProxy),
	}
	if a.now == nil {
		a.now = time.Now
	}

	a.pipeline = pipeline.Pipeline{headersStage(), a.hstsStage()}
	a.pipeline = append(a.pipeline, config.Stages...)

	for _, server := range config.Scopes.Servers {
		transport := config.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		// use provided hostname for origin if configured
		if server.OriginHost != "" && config.Transport == nil {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: server.OriginHost,
				},
			}
		}
		hostHeader := server.OriginHost
		a.proxies[server] = &httputil.ReverseProxy{
			Director:       createDirector(server.Origin.Scheme, server.Origin.Host, hostHeader),
			Transport:      transport,
			ModifyResponse: a.pipeline.Apply,
			ErrorHandler:   a.proxyError,
		}
	}

	return a
}

// ServeHTTP implements the http.Handler interface.
func (a *AlwaysHSTS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)

	server, scope, err := a.scopes.Find(r)
	rc := &pipeline.RequestContext{
		Encrypted: a.encrypted(r),
		Scope:     scope.Name,
		HSTS:      scope.HSTS,
		Headers:   scope.Headers,
	}
	r = r.WithContext(pipeline.WithRequestContext(r.Context(), rc))

	if err != nil {
		a.log.Debug().Err(err).Str("host", r.Host).Msg("Not proxying request")
		a.sendGenerated(w, r, http.StatusMisdirectedRequest)
		return
	}
	a.log.Trace().Str("scope", scope.Name).Msgf("proxying %s", r.URL.String())
	a.proxies[server].ServeHTTP(w, r)
}

func (a *AlwaysHSTS) encrypted(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return a.trustForwardedProto && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// recover recovers from panics and answers the request with an internal server error.
func (a *AlwaysHSTS) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		a.log.Error().Str("url", r.URL.String()).Msgf("Recovered from panic: %v", err)
		a.sendInternalError(w, r, fmt.Errorf("panic: %v", err))
	}
}

// proxyError handles errors from the reverse proxy.
// Failed stages result in an internal server error, origin errors in a bad gateway response.
func (a *AlwaysHSTS) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		a.sendInternalError(w, r, err)
		return
	}
	a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not reach origin")
	a.sendGenerated(w, r, http.StatusBadGateway)
}

// sendGenerated sends a response produced by the proxy itself.
// It goes through the pipeline like origin responses do.
func (a *AlwaysHSTS) sendGenerated(w http.ResponseWriter, r *http.Request, status int) {
	res := &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Request:    r,
	}
	res.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if err := a.pipeline.Apply(res); err != nil {
		a.sendInternalError(w, r, err)
		return
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(status)
	fmt.Fprintln(w, http.StatusText(status))
}

// sendInternalError answers a single request with a 500, without running the pipeline again.
func (a *AlwaysHSTS) sendInternalError(w http.ResponseWriter, r *http.Request, err error) {
	scope := ""
	if rc, ok := pipeline.FromContext(r.Context()); ok {
		scope = rc.Scope
	}
	metrics.StageErrors.WithLabelValues(scope).Inc()
	a.log.Error().Err(err).Str("scope", scope).Str("url", r.URL.String()).Msg("Could not process response")
	if a.onError != nil {
		a.onError(err, scope)
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// headersStage adds the static headers of the matched scope.
func headersStage() pipeline.Stage {
	return pipeline.Stage{Name: "headers", Apply: func(res *http.Response) error {
		rc, ok := pipeline.FromResponse(res)
		if !ok {
			return nil
		}
		copyHeadersTo(res.Header, rc.Headers)
		return nil
	}}
}

// hstsStage adds the Strict-Transport-Security header of the matched scope.
func (a *AlwaysHSTS) hstsStage() pipeline.Stage {
	return pipeline.Stage{Name: "hsts", Apply: func(res *http.Response) error {
		rc, ok := pipeline.FromResponse(res)
		if !ok {
			return errors.New("request context missing")
		}
		now := a.now()
		decision := hsts.Emit(rc.HSTS, hsts.RequestContext{Encrypted: rc.Encrypted, Now: now}, res.Header)
		metrics.Headers.WithLabelValues(rc.Scope, string(decision)).Inc()
		if decision == hsts.Emitted {
			metrics.SecondsRemaining.WithLabelValues(rc.Scope).Set(float64(rc.HSTS.MaxAge(now)))
		}
		return nil
	}}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// copyHeadersTo sets the headers from one http.Header on another, replacing existing values.
func copyHeadersTo(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}
}
