// Package descriptor loads and validates deployment descriptors
// (deploy.yaml, deploy.yml or deploy.json) from a deployment directory.
package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/splax/localvercel/edge/internal/domain"
)

// Filenames in order of preference.
var Filenames = []string{"deploy.yaml", "deploy.yml", "deploy.json"}

// ErrNoDescriptor is returned when a directory holds no descriptor file.
var ErrNoDescriptor = errors.New("no descriptor found")

// Modes.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// Descriptor is the parsed deployment manifest.
type Descriptor struct {
	Name       string              `json:"name" yaml:"name"`
	Version    string              `json:"version,omitempty" yaml:"version"`
	Domain     StringList          `json:"domain" yaml:"domain"`
	CustomerID string              `json:"customerId" yaml:"customerId"`
	Framework  string              `json:"framework" yaml:"framework"`
	Build      Build               `json:"build,omitempty" yaml:"build"`
	Start      Start               `json:"start,omitempty" yaml:"start"`
	Resources  Resources           `json:"resources,omitempty" yaml:"resources"`
	Env        EnvMap              `json:"env,omitempty" yaml:"env"`
	Mode       string              `json:"mode,omitempty" yaml:"mode"`
	Proxy      *domain.ProxyConfig `json:"proxy,omitempty" yaml:"proxy"`
	Hooks      Hooks               `json:"hooks,omitempty" yaml:"hooks"`
	Scaling    map[string]any      `json:"scaling,omitempty" yaml:"scaling"`
	Networking map[string]any      `json:"networking,omitempty" yaml:"networking"`
	Monitoring map[string]any      `json:"monitoring,omitempty" yaml:"monitoring"`
}

// Build describes the build step.
type Build struct {
	Command   string `json:"command,omitempty" yaml:"command"`
	OutputDir string `json:"outputDir,omitempty" yaml:"outputDir"`
	Env       EnvMap `json:"env,omitempty" yaml:"env"`
}

// Start describes how a compute unit is launched.
type Start struct {
	Command     string `json:"command,omitempty" yaml:"command"`
	Port        int    `json:"port,omitempty" yaml:"port"`
	HealthCheck string `json:"healthCheck,omitempty" yaml:"healthCheck"`
}

// Resources are passed through to the compute supervisor.
type Resources struct {
	Memory string `json:"memory,omitempty" yaml:"memory"`
	CPU    string `json:"cpu,omitempty" yaml:"cpu"`
	Disk   string `json:"disk,omitempty" yaml:"disk"`
}

// Hooks are shell commands run around a deployment.
type Hooks struct {
	PreDeploy  StringList `json:"preDeploy,omitempty" yaml:"preDeploy"`
	PostDeploy StringList `json:"postDeploy,omitempty" yaml:"postDeploy"`
	PreStop    StringList `json:"preStop,omitempty" yaml:"preStop"`
}

// Load reads the preferred descriptor in dir and returns it with its path.
func Load(dir string) (*Descriptor, string, error) {
	path, ok := Find(dir)
	if !ok {
		return nil, "", ErrNoDescriptor
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	desc, err := Parse(filepath.Base(path), raw)
	if err != nil {
		return nil, path, err
	}
	return desc, path, nil
}

// Find returns the preferred descriptor file in dir.
func Find(dir string) (string, bool) {
	for _, name := range Filenames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// IsDescriptorName reports whether name is a descriptor filename.
func IsDescriptorName(name string) bool {
	for _, candidate := range Filenames {
		if name == candidate {
			return true
		}
	}
	return false
}

// Parse decodes raw according to the extension of name. JSON descriptors
// may carry comments and trailing commas.
func Parse(name string, raw []byte) (*Descriptor, error) {
	var desc Descriptor
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
		if err := dec.Decode(&desc); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrValidation, name, err)
		}
	default:
		if err := yaml.Unmarshal(raw, &desc); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrValidation, name, err)
		}
	}
	return &desc, nil
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate reports every problem with d joined into one error; each wraps
// domain.ErrValidation.
func (d *Descriptor) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{domain.ErrValidation}, args...)...))
	}

	switch {
	case strings.TrimSpace(d.Name) == "":
		add("name is required")
	case !segmentPattern.MatchString(d.Name):
		add("name %q must be a single path segment", d.Name)
	}
	switch {
	case strings.TrimSpace(d.CustomerID) == "":
		add("customerId is required")
	case !segmentPattern.MatchString(d.CustomerID):
		add("customerId %q must be a single path segment", d.CustomerID)
	}

	domains := d.Domains()
	if len(domains) == 0 {
		add("domain is required")
	}
	for _, name := range domains {
		if !domain.ValidHostname(name) {
			add("invalid domain %q", name)
		}
	}

	fw := d.FrameworkValue()
	switch {
	case fw == "":
		add("framework is required")
	case fw.Kind() == domain.KindUnknown:
		add("unsupported framework %q", d.Framework)
	case fw.Kind() == domain.KindReverseProxy:
		if d.Proxy == nil || strings.TrimSpace(d.Proxy.Target) == "" {
			add("proxy.target is required for reverse-proxy")
		} else if err := validateTarget(d.Proxy.Target); err != nil {
			add("proxy.target: %v", err)
		}
	}
	if d.Proxy != nil {
		if err := d.Proxy.Rewrite.Compile(); err != nil {
			add("proxy.%v", err)
		}
	}

	if d.Mode != "" && d.Mode != ModeProduction && d.Mode != ModeDevelopment {
		add("mode must be %q or %q", ModeDevelopment, ModeProduction)
	}
	if d.Start.Port < 0 || d.Start.Port > 65535 {
		add("start.port %d out of range", d.Start.Port)
	}
	return errors.Join(problems...)
}

// Domains returns normalized, de-duplicated domains in declaration order.
func (d *Descriptor) Domains() []string {
	seen := make(map[string]struct{}, len(d.Domain))
	out := make([]string, 0, len(d.Domain))
	for _, raw := range d.Domain {
		name := domain.NormalizeDomain(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// FrameworkValue returns the normalized framework.
func (d *Descriptor) FrameworkValue() domain.Framework {
	return domain.ParseFramework(d.Framework)
}

// Owner identifies the deployment declared by d.
func (d *Descriptor) Owner() domain.Owner {
	return domain.Owner{Name: d.Name, CustomerID: d.CustomerID}
}

// Development reports whether the descriptor runs in development mode.
func (d *Descriptor) Development() bool {
	return d.Mode == ModeDevelopment
}

// ComputeID derives the stable compute unit id for d.
func (d *Descriptor) ComputeID() string {
	return sanitizeID(d.CustomerID + "-" + d.Name)
}

// BuildEnv merges env with build.env, the latter winning.
func (d *Descriptor) BuildEnv() map[string]string {
	out := make(map[string]string, len(d.Env)+len(d.Build.Env))
	for k, v := range d.Env {
		out[k] = v
	}
	for k, v := range d.Build.Env {
		out[k] = v
	}
	return out
}

// RouteConfig projects the runtime settings carried on every route.
func (d *Descriptor) RouteConfig() *domain.RouteConfig {
	cfg := &domain.RouteConfig{
		Memory:       d.Resources.Memory,
		CPU:          d.Resources.CPU,
		Port:         d.Start.Port,
		StartCommand: d.Start.Command,
		Development:  d.Development(),
	}
	if len(d.Env) > 0 {
		cfg.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			cfg.Env[k] = v
		}
	}
	if d.Proxy != nil {
		proxy := *d.Proxy
		proxy.Target = strings.TrimSpace(proxy.Target)
		cfg.Proxy = &proxy
	}
	return cfg
}

func validateTarget(target string) error {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func sanitizeID(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// StringList accepts either a single string or a list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*s = splitSingle(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return fmt.Errorf("expected string or list of strings")
	}
	*s = list
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
		*s = splitSingle(value.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", value.Line)
	}
}

func splitSingle(value string) StringList {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return StringList{value}
}

// EnvMap is a string map that tolerates scalar values of any JSON type.
type EnvMap map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (e *EnvMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(EnvMap, len(raw))
	for key, value := range raw {
		var str string
		if err := json.Unmarshal(value, &str); err == nil {
			out[key] = str
			continue
		}
		var scalar any
		if err := json.Unmarshal(value, &scalar); err != nil {
			return err
		}
		switch v := scalar.(type) {
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(v)
		case nil:
			out[key] = ""
		default:
			return fmt.Errorf("env %s: expected scalar value", key)
		}
	}
	*e = out
	return nil
}
