package alwayshsts

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/always-hsts/pkg/metrics"
	"github.com/always-cache/always-hsts/pkg/pipeline"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2015, 5, 28, 0, 0, 0, 0, time.UTC)

func startOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin-Path", r.URL.Path)
		w.Write([]byte("Hello world"))
	}))
	t.Cleanup(origin.Close)
	return origin
}

func createTestProxy(t *testing.T, yaml string, stages ...pipeline.Stage) *AlwaysHSTS {
	t.Helper()
	logger := zerolog.Nop()
	config, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewGeneration(config, "test", LoadOptions{
		Logger: &logger,
		Now:    func() time.Time { return testNow },
		Stages: stages,
	})
	if err != nil {
		t.Fatal(err)
	}
	return g.Proxy
}

func serve(a *AlwaysHSTS, method, target string, encrypted bool) *http.Response {
	req := httptest.NewRequest(method, target, nil)
	if encrypted {
		req.TLS = &tls.ConnectionState{}
	}
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	return rr.Result()
}

// headerCount reads the header counter, which is shared by all tests of the package.
func headerCount(scope, decision string) float64 {
	return testutil.ToFloat64(metrics.Headers.WithLabelValues(scope, decision))
}

func TestProxyAddsHeaderOnEncryptedConnections(t *testing.T) {
	origin := startOrigin(t)
	a := createTestProxy(t, `
hsts: 2015-05-29 includeSubdomains
servers:
  - host: emitted.example
    origin: `+origin.URL)

	before := headerCount("server emitted.example", "emitted")
	res := serve(a, "GET", "https://emitted.example/", true)
	if res.StatusCode != 200 {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if v := res.Header.Values("Strict-Transport-Security"); len(v) != 1 || v[0] != "max-age=86400; includeSubdomains" {
		t.Fatalf("Header is %q", v)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if got := headerCount("server emitted.example", "emitted") - before; got != 1 {
		t.Fatalf("Emitted counter increased by %v", got)
	}
	if got := testutil.ToFloat64(metrics.SecondsRemaining.WithLabelValues("server emitted.example")); got != 86400 {
		t.Fatalf("Seconds remaining is %v", got)
	}
}

func TestProxySkipsPlaintext(t *testing.T) {
	origin := startOrigin(t)
	a := createTestProxy(t, `
hsts: 2015-05-29 includeSubdomains
servers:
  - host: plaintext.example
    origin: `+origin.URL)

	before := headerCount("server plaintext.example", "plaintext")
	res := serve(a, "GET", "http://plaintext.example/", false)
	if v := res.Header.Values("Strict-Transport-Security"); len(v) != 0 {
		t.Fatalf("Header is %q", v)
	}
	if got := headerCount("server plaintext.example", "plaintext") - before; got != 1 {
		t.Fatalf("Plaintext counter increased by %v", got)
	}
	if got := headerCount("server plaintext.example", "emitted"); got != 0 {
		t.Fatalf("Emitted counter is %v", got)
	}
}

func TestProxyTrustsForwardedProto(t *testing.T) {
	origin := startOrigin(t)
	a := createTestProxy(t, `
trustForwardedProto: true
hsts: 2015-05-29
servers:
  - origin: `+origin.URL)

	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	if v := rr.Result().Header.Get("Strict-Transport-Security"); v != "max-age=86400" {
		t.Fatalf("Header is %q", v)
	}
}

func TestProxyRouteOff(t *testing.T) {
	origin := startOrigin(t)
	a := createTestProxy(t, `
hsts: 2015-05-29 includeSubdomains
servers:
  - host: example.com
    origin: `+origin.URL+`
    routes:
      - prefix: /legacy
        hsts: "off"
`)

	before := headerCount("server example.com route /legacy", "disabled")
	if v := serve(a, "GET", "https://example.com/legacy/page", true).Header.Get("Strict-Transport-Security"); v != "" {
		t.Fatalf("Header is %q", v)
	}
	if got := headerCount("server example.com route /legacy", "disabled") - before; got != 1 {
		t.Fatalf("Disabled counter increased by %v", got)
	}
	if v := serve(a, "GET", "https://example.com/page", true).Header.Get("Strict-Transport-Security"); v == "" {
		t.Fatal("Header missing outside of disabled route")
	}
}

func TestProxyStaticHeaders(t *testing.T) {
	origin := startOrigin(t)
	a := createTestProxy(t, `
headers:
  X-Frame-Options: DENY
servers:
  - origin: `+origin.URL+`
    headers:
      X-Content-Type-Options: nosniff
`)

	res := serve(a, "GET", "https://example.com/", true)
	if res.Header.Get("X-Frame-Options") != "DENY" || res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("Headers are %v", res.Header)
	}
	if v := res.Header.Get("Strict-Transport-Security"); v != "" {
		t.Fatalf("Header is %q without a directive", v)
	}
}

func TestProxyUnknownHost(t *testing.T) {
	a := createTestProxy(t, `
hsts: 2015-05-29
servers:
  - host: example.com
    origin: http://127.0.0.1:1
`)

	res := serve(a, "GET", "https://other.example/", true)
	if res.StatusCode != http.StatusMisdirectedRequest {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if v := res.Header.Get("Strict-Transport-Security"); v != "max-age=86400" {
		t.Fatalf("Header is %q", v)
	}
}

func TestProxyBadGatewayGetsHeader(t *testing.T) {
	origin := startOrigin(t)
	originURL := origin.URL
	origin.Close()
	a := createTestProxy(t, `
hsts: 2015-05-29 preload
servers:
  - origin: `+originURL)

	res := serve(a, "GET", "https://example.com/", true)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if v := res.Header.Get("Strict-Transport-Security"); v != "max-age=86400; preload" {
		t.Fatalf("Header is %q", v)
	}
}

func TestProxyFailingStageIsInternalError(t *testing.T) {
	origin := startOrigin(t)
	failing := pipeline.Stage{Name: "failing", Apply: func(*http.Response) error {
		return errors.New("out of buffers")
	}}
	a := createTestProxy(t, `
hsts: 2015-05-29
servers:
  - origin: `+origin.URL, failing)

	var reported string
	a.onError = func(err error, scope string) { reported = scope }

	before := testutil.ToFloat64(metrics.StageErrors.WithLabelValues("server *"))
	res := serve(a, "GET", "https://example.com/", true)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body, _ := io.ReadAll(res.Body); strings.Contains(string(body), "Hello world") {
		t.Fatal("Origin body was sent")
	}
	if reported != "server *" {
		t.Fatalf("Reported scope is %q", reported)
	}
	if got := testutil.ToFloat64(metrics.StageErrors.WithLabelValues("server *")) - before; got != 1 {
		t.Fatalf("Stage error counter increased by %v", got)
	}
}

func TestProxyPanickingStageIsInternalError(t *testing.T) {
	origin := startOrigin(t)
	panicking := pipeline.Stage{Name: "panicking", Apply: func(*http.Response) error {
		panic("allocation failed")
	}}
	a := createTestProxy(t, `
servers:
  - origin: `+origin.URL, panicking)

	res := serve(a, "GET", "https://example.com/", true)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestProxyKeepsOriginHeader(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=60")
		w.Write([]byte("Hello world"))
	}))
	defer origin.Close()
	a := createTestProxy(t, `
hsts: 2015-05-29
servers:
  - origin: `+origin.URL)

	v := serve(a, "GET", "https://example.com/", true).Header.Values("Strict-Transport-Security")
	if len(v) != 2 || v[0] != "max-age=60" || v[1] != "max-age=86400" {
		t.Fatalf("Header is %q", v)
	}
}

func TestHandlerSwap(t *testing.T) {
	origin := startOrigin(t)
	logger := zerolog.Nop()
	load := func(directive string) *Generation {
		config, err := ParseConfig([]byte("hsts: " + directive + "\nservers:\n  - origin: " + origin.URL))
		if err != nil {
			t.Fatal(err)
		}
		g, err := NewGeneration(config, "test", LoadOptions{Logger: &logger, Now: func() time.Time { return testNow }})
		if err != nil {
			t.Fatal(err)
		}
		return g
	}
	first := load("2015-05-29")
	h := NewHandler(first)

	get := func() string {
		req := httptest.NewRequest("GET", "https://example.com/", nil)
		req.TLS = &tls.ConnectionState{}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Result().Header.Get("Strict-Transport-Security")
	}
	if v := get(); v != "max-age=86400" {
		t.Fatalf("Header is %q", v)
	}
	if previous := h.Swap(load("2015-05-30")); previous != first {
		t.Fatal("Swap did not return the previous generation")
	}
	if v := get(); v != "max-age=172800" {
		t.Fatalf("Header is %q", v)
	}
}
