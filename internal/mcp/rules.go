// ABOUTME: Routing rule model, matching, and TOML registry loading
// ABOUTME: First match in ascending priority order wins

package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Rule condition types.
const (
	CondMethod       = "method"
	CondMethodPrefix = "method_prefix"
	CondParameter    = "parameter"
	CondContext      = "context"
	CondAlways       = "always"
)

// Condition decides whether a rule applies to a request.
type Condition struct {
	Type  string `toml:"type"`
	Name  string `toml:"name,omitempty"`  // parameter/context key
	Value string `toml:"value,omitempty"` // method, prefix, or expected value
}

// RoutingRule maps matching requests to candidate servers. Lower priority
// numbers are evaluated first.
type RoutingRule struct {
	Condition Condition `toml:"condition"`
	Targets   []string  `toml:"targets"`
	Priority  int       `toml:"priority"`
}

// matches reports whether the rule applies to req.
func (r *RoutingRule) matches(req *Request) bool {
	switch r.Condition.Type {
	case CondMethod:
		return req.Method == r.Condition.Value
	case CondMethodPrefix:
		return strings.HasPrefix(req.Method, r.Condition.Value)
	case CondParameter:
		v, ok := req.Params[r.Condition.Name]
		return ok && fmt.Sprintf("%v", v) == r.Condition.Value
	case CondContext:
		v, ok := req.Context[r.Condition.Name]
		return ok && fmt.Sprintf("%v", v) == r.Condition.Value
	case CondAlways:
		return true
	default:
		return false
	}
}

// sortRules orders rules by ascending priority, stable for equal values.
func sortRules(rules []RoutingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}

// Registry is the TOML-file description of built-in servers, routing
// rules, and prefix fallbacks.
type Registry struct {
	Servers       []RegistryServer    `toml:"server"`
	Rules         []RoutingRule       `toml:"rule"`
	DefaultRoutes map[string][]string `toml:"default_routes"`
}

// RegistryServer declares one built-in server to register at startup.
type RegistryServer struct {
	Name         string            `toml:"name"`
	Type         string            `toml:"type"`
	Capabilities []string          `toml:"capabilities"`
	Config       map[string]string `toml:"config"`
}

// LoadRegistry reads a registry TOML file.
func LoadRegistry(path string) (*Registry, error) {
	var reg Registry
	if _, err := toml.DecodeFile(path, &reg); err != nil {
		return nil, fmt.Errorf("parsing MCP registry %s: %w", path, err)
	}
	for i, srv := range reg.Servers {
		if srv.Name == "" {
			return nil, fmt.Errorf("registry server %d has no name", i)
		}
	}
	for i, rule := range reg.Rules {
		if len(rule.Targets) == 0 {
			return nil, fmt.Errorf("registry rule %d has no targets", i)
		}
	}
	return &reg, nil
}
