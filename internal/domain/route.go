package domain

import (
	"regexp"
	"strings"
	"time"
)

var hostnamePattern = regexp.MustCompile(`^(\*\.)?([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)*[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Route maps a domain to a deployment's serving target.
type Route struct {
	Domain         string       `json:"domain"`
	CustomerID     string       `json:"customer_id"`
	DeploymentName string       `json:"deployment_name"`
	ComputeID      string       `json:"compute_id,omitempty"`
	BuildPath      string       `json:"build_path"`
	DeploymentPath string       `json:"deployment_path,omitempty"`
	Framework      Framework    `json:"framework"`
	Config         *RouteConfig `json:"config,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	// MatchedPattern is set on routes synthesized from a wildcard record.
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// RouteConfig carries per-route runtime and proxy settings.
type RouteConfig struct {
	Memory       string            `json:"memory,omitempty"`
	CPU          string            `json:"cpu,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Port         int               `json:"port,omitempty"`
	StartCommand string            `json:"start_command,omitempty"`
	Development  bool              `json:"development,omitempty"`
	Proxy        *ProxyConfig      `json:"proxy,omitempty"`
}

// ProxyConfig configures reverse-proxy routes.
type ProxyConfig struct {
	Target             string            `json:"target" yaml:"target"`
	ChangeOrigin       bool              `json:"changeOrigin,omitempty" yaml:"changeOrigin"`
	PreserveHostHeader bool              `json:"preserveHostHeader,omitempty" yaml:"preserveHostHeader"`
	Headers            map[string]string `json:"headers,omitempty" yaml:"headers"`
	Rewrite            RewriteRules      `json:"rewrite,omitempty" yaml:"rewrite"`
}

// Owner identifies the deployment that holds a route.
type Owner struct {
	Name       string
	CustomerID string
}

// Owner returns the owning deployment of r.
func (r Route) Owner() Owner {
	return Owner{Name: r.DeploymentName, CustomerID: r.CustomerID}
}

// OwnedBy reports whether r belongs to o.
func (r Route) OwnedBy(o Owner) bool {
	return r.DeploymentName == o.Name && r.CustomerID == o.CustomerID
}

// IsWildcard reports whether the route domain is a `*.suffix` pattern.
func (r Route) IsWildcard() bool {
	return strings.HasPrefix(r.Domain, "*.")
}

// Clone returns a deep copy of r.
func (r Route) Clone() Route {
	out := r
	if r.Config != nil {
		cfg := *r.Config
		cfg.Env = cloneMap(r.Config.Env)
		if r.Config.Proxy != nil {
			proxy := *r.Config.Proxy
			proxy.Headers = cloneMap(r.Config.Proxy.Headers)
			proxy.Rewrite = append(RewriteRules(nil), r.Config.Proxy.Rewrite...)
			cfg.Proxy = &proxy
		}
		out.Config = &cfg
	}
	return out
}

// NormalizeDomain lowercases a host and strips any port and trailing dot.
func NormalizeDomain(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return strings.ToLower(host[1:end])
		}
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 && strings.Count(host, ":") == 1 {
		host = host[:idx]
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// ValidHostname reports whether name is a lowercase hostname, optionally
// with a leading "*." wildcard label.
func ValidHostname(name string) bool {
	return len(name) <= 253 && hostnamePattern.MatchString(name)
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
