package alwayshsts

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/always-hsts/pkg/condition"
	generationstore "github.com/always-cache/always-hsts/pkg/generation-store"
	"github.com/always-cache/always-hsts/pkg/hsts"

	"github.com/rs/zerolog"
)

// preloadMinMaxAge is the shortest max-age accepted by browser preload lists.
const preloadMinMaxAge = 365 * 24 * time.Hour

// Scope is the resolved configuration of one node of the scope tree.
type Scope struct {
	Name    string
	HSTS    hsts.Policy
	Headers http.Header
}

type ServerScope struct {
	Scope
	Host       string
	Origin     *url.URL
	OriginHost string
	Routes     []RouteScope
}

type RouteScope struct {
	Scope
	Path   string
	Prefix string
	When   *condition.Condition
}

// Scopes is the resolved scope tree of one configuration generation.
// It is read-only once ResolveScopes returns.
type Scopes struct {
	Global  Scope
	Servers []*ServerScope
	// Default serves hosts no other server matches. It may be nil.
	Default *ServerScope
}

// ResolveScopes resolves every hsts and headers setting of config against its parent scope.
// Time values are anchored at now. Any invalid setting fails the whole configuration.
func ResolveScopes(config FileConfig, now time.Time, logger zerolog.Logger) (*Scopes, error) {
	global, err := resolveScope("global", config.HSTS, config.Headers, Scope{HSTS: hsts.Disabled}, now)
	if err != nil {
		return nil, err
	}
	scopes := &Scopes{Global: global}
	logScope(logger, global, now)

	for _, sc := range config.Servers {
		server, err := resolveServer(sc, global, now, logger)
		if err != nil {
			return nil, err
		}
		if server.Host == "" || server.Host == "*" {
			if scopes.Default != nil {
				return nil, fmt.Errorf("%s: duplicate default server", server.Name)
			}
			scopes.Default = server
		}
		scopes.Servers = append(scopes.Servers, server)
	}
	return scopes, nil
}

func resolveServer(sc ServerConfig, global Scope, now time.Time, logger zerolog.Logger) (*ServerScope, error) {
	host := strings.TrimSuffix(strings.TrimPrefix(strings.ToLower(sc.Host), "["), "]")
	name := "server " + host
	if host == "" {
		name = "server *"
	}
	if sc.Origin == "" {
		return nil, fmt.Errorf("%s: origin missing", name)
	}
	origin, err := url.Parse(sc.Origin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("%s: origin %s is not an http(s) url", name, sc.Origin)
	}
	if origin.Path != "" && origin.Path != "/" {
		return nil, fmt.Errorf("%s: origins with paths are not supported", name)
	}
	scope, err := resolveScope(name, sc.HSTS, sc.Headers, global, now)
	if err != nil {
		return nil, err
	}
	logScope(logger, scope, now)
	server := &ServerScope{
		Scope:      scope,
		Host:       host,
		Origin:     origin,
		OriginHost: sc.OriginHost,
	}
	type routeKey struct{ path, prefix, when string }
	seen := make(map[routeKey]bool)
	for _, rc := range sc.Routes {
		route := RouteScope{Path: rc.Path, Prefix: rc.Prefix}
		routeName := name + " route " + rc.Path + rc.Prefix
		if rc.Path != "" && rc.Prefix != "" {
			return nil, fmt.Errorf("%s: path and prefix are exclusive", routeName)
		}
		// a route matching the same requests as an earlier one is never reached
		key := routeKey{rc.Path, rc.Prefix, strings.TrimSpace(rc.When)}
		if rc.When != "" {
			routeName += " when " + rc.When
		}
		if seen[key] {
			return nil, fmt.Errorf("%s: duplicate route", routeName)
		}
		seen[key] = true
		if rc.When != "" {
			if route.When, err = condition.Compile(rc.When); err != nil {
				return nil, fmt.Errorf("%s: %w", routeName, err)
			}
		}
		if route.Scope, err = resolveScope(routeName, rc.HSTS, rc.Headers, scope, now); err != nil {
			return nil, err
		}
		logScope(logger, route.Scope, now)
		server.Routes = append(server.Routes, route)
	}
	return server, nil
}

// resolveScope merges a scope's settings into a copy of its parent.
func resolveScope(name string, directive Directive, headers map[string]string, parent Scope, now time.Time) (Scope, error) {
	policy, err := hsts.Resolve(directive, parent.HSTS, now)
	if err != nil {
		return Scope{}, fmt.Errorf("%s: hsts: %w", name, err)
	}
	merged := parent.Headers.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for key, value := range headers {
		if http.CanonicalHeaderKey(key) == hsts.HeaderName {
			return Scope{}, fmt.Errorf("%s: headers: use the hsts setting for %s", name, hsts.HeaderName)
		}
		merged.Set(key, value)
	}
	return Scope{Name: name, HSTS: policy, Headers: merged}, nil
}

// logScope logs the resolved policy, warning about policies clients will not honor as intended.
func logScope(logger zerolog.Logger, scope Scope, now time.Time) {
	p := scope.HSTS
	logger.Info().Str("scope", scope.Name).Stringer("hsts", p).Msg("Resolved scope")
	if !p.Enabled {
		return
	}
	if p.MaxAge(now) < 0 {
		logger.Warn().Str("scope", scope.Name).Msg("HSTS expiration has already passed, max-age will be negative")
	}
	if p.Preload && !p.IncludeSubdomains {
		logger.Warn().Str("scope", scope.Name).Msg("HSTS preload without includeSubdomains is not accepted by preload lists")
	}
	if p.Preload && p.MaxAge(now) < int64(preloadMinMaxAge/time.Second) {
		logger.Warn().Str("scope", scope.Name).Msg("HSTS preload with max-age below one year is not accepted by preload lists")
	}
}

var errNoServer = errors.New("no server configured for host")

// Find returns the server and the innermost scope matching r.
// Routes are checked in configuration order, the first match wins.
func (s *Scopes) Find(r *http.Request) (*ServerScope, *Scope, error) {
	server := s.findServer(r.Host)
	if server == nil {
		return nil, &s.Global, errNoServer
	}
	for i := range server.Routes {
		route := &server.Routes[i]
		if route.Path != "" && route.Path != r.URL.Path {
			continue
		}
		if route.Prefix != "" && !strings.HasPrefix(r.URL.Path, route.Prefix) {
			continue
		}
		if route.When != nil {
			ok, err := route.When.Match(r)
			if err != nil || !ok {
				continue
			}
		}
		return server, &route.Scope, nil
	}
	return server, &server.Scope, nil
}

func (s *Scopes) findServer(hostport string) *ServerScope {
	host := strings.ToLower(hostport)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else {
		// IPv6 literal without port
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	for _, server := range s.Servers {
		if server.Host == host {
			return server
		}
	}
	for _, server := range s.Servers {
		if suffix, ok := strings.CutPrefix(server.Host, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return server
		}
	}
	return s.Default
}

// Policies lists the resolved policy of every scope, parents before children.
func (s *Scopes) Policies() []generationstore.ScopePolicy {
	policies := []generationstore.ScopePolicy{{Scope: s.Global.Name, Policy: s.Global.HSTS}}
	for _, server := range s.Servers {
		policies = append(policies, generationstore.ScopePolicy{Scope: server.Name, Policy: server.HSTS})
		for _, route := range server.Routes {
			policies = append(policies, generationstore.ScopePolicy{Scope: route.Name, Policy: route.HSTS})
		}
	}
	return policies
}
