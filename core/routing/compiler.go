package routing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultProxyOutbound is the engine's selector tag substituted for the
// proxy sentinel when no other tag is configured.
const DefaultProxyOutbound = "proxy-out"

// Artifact is the compiled route section the engine consumes verbatim.
type Artifact struct {
	Rules               []Rule `json:"rules"`
	Final               string `json:"final"`
	AutoDetectInterface bool   `json:"auto_detect_interface"`
}

// Compiler flattens a routing config into an Artifact. ProxyOutbound is
// the concrete selector tag the proxy sentinel resolves to.
type Compiler struct {
	ProxyOutbound string
}

// NewCompiler returns a compiler resolving the proxy sentinel to tag, or
// to DefaultProxyOutbound when tag is empty.
func NewCompiler(tag string) *Compiler {
	if tag == "" {
		tag = DefaultProxyOutbound
	}
	return &Compiler{ProxyOutbound: tag}
}

// Compile produces the route artifact:
//
//  1. keep rule sets that are both listed in EnabledRules and enabled
//  2. order them by priority ascending, ties by insertion order
//  3. concatenate their rules, preserving within-set order
//  4. resolve the proxy sentinel in every outbound and in final
//
// An empty EnabledRules returns (nil, nil): "leave routing alone",
// distinct from an artifact with zero rules and an explicit final.
// Compile never partially applies; the first invalid rule or unknown
// reference aborts it.
func (c *Compiler) Compile(cfg *Config) (*Artifact, error) {
	if len(cfg.EnabledRules) == 0 {
		return nil, nil
	}

	enabled := make(map[string]bool, len(cfg.EnabledRules))
	for _, id := range cfg.EnabledRules {
		if _, ok := cfg.ruleSets[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRuleSet, id)
		}
		enabled[id] = true
	}

	type ordered struct {
		rs  *RuleSet
		pos int // insertion position, the equal-priority tie-break
	}
	var selected []ordered
	for pos, id := range cfg.order {
		rs := cfg.ruleSets[id]
		if !enabled[id] || !rs.Enabled {
			continue
		}
		selected = append(selected, ordered{rs: rs, pos: pos})
	}
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].rs.Priority != selected[j].rs.Priority {
			return selected[i].rs.Priority < selected[j].rs.Priority
		}
		return selected[i].pos < selected[j].pos
	})

	art := &Artifact{
		Rules:               []Rule{},
		Final:               c.resolve(cfg.FinalOutbound),
		AutoDetectInterface: true,
	}
	for _, sel := range selected {
		for i, r := range sel.rs.Rules {
			if !r.HasMatchers() {
				return nil, fmt.Errorf("%w: rule set %q, rule %d", ErrInvalidRule, sel.rs.ID, i)
			}
			r.Outbound = c.resolve(r.Outbound)
			art.Rules = append(art.Rules, r)
		}
	}
	return art, nil
}

// resolve substitutes the proxy sentinel; direct and block pass through.
func (c *Compiler) resolve(outbound string) string {
	if outbound == OutboundProxy {
		return c.ProxyOutbound
	}
	return outbound
}

// MarshalIndentJSON renders the artifact in the deterministic field order
// the engine config uses, indented by prefix.
func (a *Artifact) MarshalIndentJSON(prefix string) ([]byte, error) {
	rules, err := json.MarshalIndent(a.Rules, prefix, "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("%s  \"rules\": %s", prefix, rules))
	parts = append(parts, fmt.Sprintf("%s  \"final\": %q", prefix, a.Final))
	parts = append(parts, fmt.Sprintf("%s  \"auto_detect_interface\": %t", prefix, a.AutoDetectInterface))
	return []byte(fmt.Sprintf("{\n%s\n%s}", strings.Join(parts, ",\n"), prefix)), nil
}
