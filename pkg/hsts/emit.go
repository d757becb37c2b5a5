package hsts

import (
	"net/http"
	"strconv"
	"time"
)

// HeaderName is the response header written by Emit.
const HeaderName = "Strict-Transport-Security"

// RequestContext is the per-request input to Emit.
type RequestContext struct {
	// Encrypted is true when the client connection is secured by TLS.
	Encrypted bool
	// Now is the wall clock time the header is computed at.
	Now time.Time
}

// Decision tells what Emit did with a response.
type Decision string

const (
	Emitted   Decision = "emitted"
	Plaintext Decision = "plaintext"
	Off       Decision = "disabled"
)

// Emit appends a Strict-Transport-Security header for p to h,
// unless the connection is not encrypted or the policy is disabled.
// Existing headers of the same name are left alone.
func Emit(p Policy, rc RequestContext, h http.Header) Decision {
	if !rc.Encrypted {
		return Plaintext
	}
	if !p.Enabled {
		return Off
	}
	h[HeaderName] = append(h[HeaderName], Format(p, rc.Now))
	return Emitted
}

// Format returns the header value for p at the given time, e.g.
// "max-age=86400; includeSubdomains; preload".
// The max-age is not clamped, an expired policy yields a negative value.
func Format(p Policy, now time.Time) string {
	return string(AppendValue(make([]byte, 0, 64), p, now))
}

// AppendValue appends the header value for p to dst and returns the extended buffer.
func AppendValue(dst []byte, p Policy, now time.Time) []byte {
	dst = append(dst, "max-age="...)
	dst = strconv.AppendInt(dst, p.MaxAge(now), 10)
	if p.IncludeSubdomains {
		dst = append(dst, "; "+OptionIncludeSubdomains...)
	}
	if p.Preload {
		dst = append(dst, "; "+OptionPreload...)
	}
	return dst
}
