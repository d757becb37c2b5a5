package alwayshsts

import (
	"fmt"
	"os"

	"github.com/always-cache/always-hsts/pkg/hsts"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration file.
// The hsts and headers settings form a scope tree: global, then servers, then routes.
type FileConfig struct {
	Listen              string            `yaml:"listen"`
	TLS                 TLSConfig         `yaml:"tls"`
	TrustForwardedProto bool              `yaml:"trustForwardedProto"`
	HSTS                Directive         `yaml:"hsts"`
	Headers             map[string]string `yaml:"headers"`
	Servers             []ServerConfig    `yaml:"servers"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	// Host is matched against the request host (without port).
	// "*.example.com" matches subdomains, "" or "*" marks the default server.
	Host       string            `yaml:"host"`
	Origin     string            `yaml:"origin"`
	OriginHost string            `yaml:"originHost"`
	HSTS       Directive         `yaml:"hsts"`
	Headers    map[string]string `yaml:"headers"`
	Routes     []RouteConfig     `yaml:"routes"`
}

type RouteConfig struct {
	Path    string            `yaml:"path"`
	Prefix  string            `yaml:"prefix"`
	When    string            `yaml:"when"`
	HSTS    Directive         `yaml:"hsts"`
	Headers map[string]string `yaml:"headers"`
}

// Directive holds the arguments of an hsts setting.
// In YAML it is either a directive line ("2030-01-01 includeSubdomains")
// or a list of arguments. A missing or empty directive inherits the parent scope.
type Directive []string

func (d *Directive) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		args, err := hsts.SplitDirective(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*d = args
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*d = args
		return nil
	default:
		return fmt.Errorf("line %d: hsts must be a string or a list", node.Line)
	}
}

// ParseConfig parses a YAML configuration.
func ParseConfig(b []byte) (FileConfig, error) {
	var config FileConfig
	err := yaml.Unmarshal(b, &config)
	return config, err
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(filename string) (FileConfig, error) {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return FileConfig{}, err
	}
	return ParseConfig(configBytes)
}
