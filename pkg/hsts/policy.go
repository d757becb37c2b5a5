package hsts

import (
	"strings"
	"time"
)

// Policy is the resolved HSTS configuration of one scope.
// It is created when the configuration is loaded and never modified afterwards,
// so it can be shared by any number of concurrent requests.
type Policy struct {
	// Enabled is false for scopes where the header must never be sent.
	Enabled bool `json:"enabled"`
	// ExpiresAt is the instant the policy runs out.
	// Relative time values are normalized to an instant when the configuration is loaded.
	ExpiresAt         time.Time `json:"expiresAt,omitempty"`
	IncludeSubdomains bool      `json:"includeSubdomains"`
	Preload           bool      `json:"preload"`
}

// Disabled is the policy of a scope where neither it nor any ancestor set the directive.
var Disabled = Policy{}

// MaxAge returns the whole number of seconds from now until the policy expires,
// rounded down. The result is negative once the expiration has passed.
func (p Policy) MaxAge(now time.Time) int64 {
	// computed on unix seconds since time.Duration saturates after ~292 years
	secs := p.ExpiresAt.Unix() - now.Unix()
	if p.ExpiresAt.Nanosecond() < now.Nanosecond() {
		secs--
	}
	return secs
}

// String describes the policy for logs.
func (p Policy) String() string {
	if !p.Enabled {
		return "off"
	}
	var b strings.Builder
	b.WriteString("until ")
	b.WriteString(p.ExpiresAt.UTC().Format(time.RFC3339))
	if p.IncludeSubdomains {
		b.WriteString("; " + OptionIncludeSubdomains)
	}
	if p.Preload {
		b.WriteString("; " + OptionPreload)
	}
	return b.String()
}
