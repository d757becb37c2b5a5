package condition

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
)

// Condition is a compiled CEL expression deciding whether a route applies to a request.
//
// Expressions see two variables, both map(string, string):
//
//	request: method, host, path, query, scheme, remoteAddr
//	headers: request headers, names lower-cased, multiple values joined with ", "
type Condition struct {
	expr string
	prg  cel.Program
}

var newEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// Compile compiles expr, which must evaluate to a bool.
func Compile(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q does not evaluate to bool", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Condition{expr: expr, prg: prg}, nil
}

// Match evaluates the condition for r.
// Evaluation errors, e.g. a missing header key, count as no match and are returned.
func (c *Condition) Match(r *http.Request) (bool, error) {
	out, _, err := c.prg.Eval(map[string]any{
		"request": requestVars(r),
		"headers": headerVars(r.Header),
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T", c.expr, out.Value())
	}
	return v, nil
}

func (c *Condition) String() string {
	return c.expr
}

func requestVars(r *http.Request) map[string]string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return map[string]string{
		"method":     r.Method,
		"host":       r.Host,
		"path":       r.URL.Path,
		"query":      r.URL.RawQuery,
		"scheme":     scheme,
		"remoteAddr": r.RemoteAddr,
	}
}

func headerVars(h http.Header) map[string]string {
	vars := make(map[string]string, len(h))
	for name, values := range h {
		vars[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return vars
}
