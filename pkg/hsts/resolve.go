package hsts

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// OptionOff disables the policy regardless of what the parent scope configured.
	OptionOff               = "off"
	OptionIncludeSubdomains = "includeSubdomains"
	OptionPreload           = "preload"
)

var (
	ErrUnknownOption      = errors.New("unknown option")
	ErrInvalidExpireDate  = errors.New("invalid expire date")
	ErrInvalidExpireValue = errors.New("invalid expire value")
	ErrUnbalancedQuote    = errors.New("unbalanced quote")
)

// ConfigError is returned when a directive cannot be resolved.
// Any ConfigError makes the whole configuration load fail.
type ConfigError struct {
	// Token is the offending directive argument.
	Token string
	// Err is one of the Err* sentinels of this package.
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Token)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// dateLayouts are the accepted absolute expiration formats, always in UTC.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// minDateLen is the length of the shortest valid date.
var minDateLen = len(dateLayouts[0])

// Resolve turns the arguments of an hsts directive into a Policy.
//
// The first argument may be an expiration (a date, a time value or "off"),
// every other argument must be one of the flags includeSubdomains or preload.
// Fields not named by the arguments are copied from the inherited policy,
// which is never modified. Relative time values are added to now.
// "off" takes no flags.
func Resolve(args []string, inherited Policy, now time.Time) (Policy, error) {
	if len(args) > 0 && args[0] == OptionOff {
		if len(args) > 1 {
			return Policy{}, &ConfigError{Token: args[1], Err: ErrUnknownOption}
		}
		return Disabled, nil
	}
	p := inherited
	for i, arg := range args {
		switch arg {
		case OptionIncludeSubdomains:
			p.IncludeSubdomains = true
		case OptionPreload:
			p.Preload = true
		default:
			if i != 0 {
				return Policy{}, &ConfigError{Token: arg, Err: ErrUnknownOption}
			}
			expiresAt, err := ParseExpires(arg, now)
			if err != nil {
				return Policy{}, err
			}
			p.Enabled = true
			p.ExpiresAt = expiresAt
		}
	}
	return p, nil
}

// ParseExpires parses an expiration token into an absolute instant.
// Tokens containing a dash are dates (YYYY-MM-DD or YYYY-MM-DD HH:MM:SS, UTC),
// anything else is a time value relative to now (see ParseTimeValue).
func ParseExpires(token string, now time.Time) (time.Time, error) {
	if strings.Contains(token, "-") {
		return parseDate(token)
	}
	d, err := ParseTimeValue(token)
	if err != nil {
		return time.Time{}, &ConfigError{Token: token, Err: ErrInvalidExpireValue}
	}
	return now.Add(d), nil
}

func parseDate(token string) (time.Time, error) {
	invalid := &ConfigError{Token: token, Err: ErrInvalidExpireDate}
	if len(token) < minDateLen {
		return time.Time{}, invalid
	}
	for _, layout := range dateLayouts {
		if len(token) != len(layout) {
			continue
		}
		t, err := time.ParseInLocation(layout, token, time.UTC)
		if err != nil {
			return time.Time{}, invalid
		}
		// the epoch itself and anything before it cannot be told apart from "unset"
		if t.Unix() <= 0 {
			return time.Time{}, invalid
		}
		return t, nil
	}
	return time.Time{}, invalid
}

var timeUnits = map[byte]time.Duration{
	'y': 365 * 24 * time.Hour,
	'M': 30 * 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

// ParseTimeValue parses a time value like "1y", "6M", "30d12h" or "3600".
// Each number is followed by a unit: y (365 days), M (30 days), w, d, h, m or s.
// A number without a unit counts as seconds.
func ParseTimeValue(s string) (time.Duration, error) {
	if s == "" {
		return 0, ErrInvalidExpireValue
	}
	var (
		total  int64
		n      int64
		digits bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			n = n*10 + int64(c-'0')
			if n > maxSeconds {
				return 0, ErrInvalidExpireValue
			}
			digits = true
			continue
		}
		unit, ok := timeUnits[c]
		if !ok || !digits {
			return 0, ErrInvalidExpireValue
		}
		perUnit := int64(unit / time.Second)
		if n > (maxSeconds-total)/perUnit {
			return 0, ErrInvalidExpireValue
		}
		total += n * perUnit
		n, digits = 0, false
	}
	if digits {
		if n > maxSeconds-total {
			return 0, ErrInvalidExpireValue
		}
		total += n
	}
	return time.Duration(total) * time.Second, nil
}
