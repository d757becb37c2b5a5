package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/always-hsts/pkg/hsts"
)

// Stage is one step of response processing.
// It may modify the response headers before they are written to the client.
type Stage struct {
	Name  string
	Apply func(res *http.Response) error
}

// Pipeline is an ordered list of stages.
// It is assembled once when the configuration is loaded and not modified afterwards.
type Pipeline []Stage

// Apply runs all stages in order, stopping at the first error.
func (p Pipeline) Apply(res *http.Response) error {
	for _, stage := range p {
		if err := stage.Apply(res); err != nil {
			return &StageError{Stage: stage.Name, Err: err}
		}
	}
	return nil
}

// StageError is returned by Apply when a stage fails.
// Proxies answer it with an internal server error.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RequestContext is the state stages need about the request a response belongs to.
type RequestContext struct {
	// Encrypted is true if the client connection uses TLS.
	Encrypted bool
	// Scope names the configuration scope that matched the request.
	Scope string
	// HSTS is the resolved policy of the matched scope.
	HSTS hsts.Policy
	// Headers are the static response headers of the matched scope.
	Headers http.Header
}

type contextKey struct{}

// WithRequestContext returns a copy of ctx carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(*RequestContext)
	return rc, ok
}

// FromResponse returns the RequestContext of the request that produced res.
func FromResponse(res *http.Response) (*RequestContext, bool) {
	if res.Request == nil {
		return nil, false
	}
	return FromContext(res.Request.Context())
}
