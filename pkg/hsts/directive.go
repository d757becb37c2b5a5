package hsts

import (
	"strings"
	"time"
	"unicode"
)

// SplitDirective splits the argument line of an hsts directive into tokens.
// Tokens are separated by whitespace, double quotes group a token containing spaces.
// A date token directly followed by a clock token ("2015-05-29 12:00:00") is joined
// back into a single date-time token.
func SplitDirective(line string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		inTok  bool
		quoted bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			inTok = true
		case unicode.IsSpace(r) && !quoted:
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if quoted {
		return nil, &ConfigError{Token: line, Err: ErrUnbalancedQuote}
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	return joinDateTime(tokens), nil
}

func joinDateTime(tokens []string) []string {
	out := tokens[:0]
	for i := 0; i < len(tokens); i++ {
		if i+1 < len(tokens) && len(tokens[i]) == minDateLen && strings.Contains(tokens[i], "-") && isClock(tokens[i+1]) {
			out = append(out, tokens[i]+" "+tokens[i+1])
			i++
			continue
		}
		out = append(out, tokens[i])
	}
	return out
}

// isClock reports whether s looks like HH:MM:SS.
func isClock(s string) bool {
	return len(s) == 8 && s[2] == ':' && s[5] == ':'
}

// ParseDirective splits line and resolves it against the inherited policy.
func ParseDirective(line string, inherited Policy, now time.Time) (Policy, error) {
	args, err := SplitDirective(line)
	if err != nil {
		return Policy{}, err
	}
	return Resolve(args, inherited, now)
}
