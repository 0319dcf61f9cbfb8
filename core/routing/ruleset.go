// Package routing defines routing rule sets, their durable store, and the
// compiler that flattens them into the engine's route configuration.
package routing

import (
	"errors"
	"fmt"
)

// Outbound values a rule or final may carry. OutboundProxy is a sentinel:
// the compiler resolves it to the engine's concrete selector tag.
const (
	OutboundDirect = "direct"
	OutboundBlock  = "block"
	OutboundProxy  = "proxy"
)

var (
	// ErrNotFound is returned when a rule set id does not exist.
	ErrNotFound = errors.New("rule set not found")
	// ErrInvalidRule marks a rule with no matcher kind populated.
	ErrInvalidRule = errors.New("rule has no matchers")
	// ErrUnknownRuleSet marks an enabled_rules entry with no rule set.
	ErrUnknownRuleSet = errors.New("enabled_rules references unknown rule set")
)

// Rule is one routing rule: matcher lists plus the outbound that handles
// matched traffic. At least one matcher kind must be populated.
type Rule struct {
	Domain        []string `json:"domain,omitempty"`
	DomainSuffix  []string `json:"domain_suffix,omitempty"`
	DomainKeyword []string `json:"domain_keyword,omitempty"`
	IPCIDR        []string `json:"ip_cidr,omitempty"`
	Port          []int    `json:"port,omitempty"`
	Outbound      string   `json:"outbound"`
}

// HasMatchers reports whether any matcher kind is populated. Matcher
// lists may be empty-but-present; an entirely matcherless rule is
// ambiguous and rejected at compile time.
func (r Rule) HasMatchers() bool {
	return r.Domain != nil || r.DomainSuffix != nil || r.DomainKeyword != nil ||
		r.IPCIDR != nil || r.Port != nil
}

// RuleSet is a named, prioritized, independently toggleable group of
// rules. Lower priority numbers are evaluated first.
type RuleSet struct {
	ID       string `json:"-"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
	Rules    []Rule `json:"rules"`
}

// Config is the routing section: which rule sets participate, the
// fallback outbound, and the rule sets themselves. Rule-set insertion
// order is tracked for stable equal-priority tie-breaking.
type Config struct {
	EnabledRules  []string
	FinalOutbound string

	ruleSets map[string]*RuleSet
	order    []string
}

// NewConfig returns an empty routing config with the proxy fallback.
func NewConfig() *Config {
	return &Config{
		FinalOutbound: OutboundProxy,
		ruleSets:      make(map[string]*RuleSet),
	}
}

// Get returns the rule set with the given id.
func (c *Config) Get(id string) (*RuleSet, error) {
	rs, ok := c.ruleSets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rs
	return &cp, nil
}

// List returns all rule sets in insertion order.
func (c *Config) List() []*RuleSet {
	out := make([]*RuleSet, 0, len(c.order))
	for _, id := range c.order {
		cp := *c.ruleSets[id]
		out = append(out, &cp)
	}
	return out
}

// Put inserts or overwrites a rule set. Overwrites keep the set's
// original position in the insertion order.
func (c *Config) Put(rs *RuleSet) error {
	if rs.ID == "" {
		return fmt.Errorf("rule set has no id")
	}
	cp := *rs
	if _, ok := c.ruleSets[cp.ID]; !ok {
		c.order = append(c.order, cp.ID)
	}
	c.ruleSets[cp.ID] = &cp
	return nil
}

// Delete removes a rule set and its membership in EnabledRules.
func (c *Config) Delete(id string) error {
	if _, ok := c.ruleSets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(c.ruleSets, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	for i, v := range c.EnabledRules {
		if v == id {
			c.EnabledRules = append(c.EnabledRules[:i], c.EnabledRules[i+1:]...)
			break
		}
	}
	return nil
}

// SetEnabled toggles a rule set's own enabled flag. This is independent
// of EnabledRules membership; both gates must pass for the set to compile.
func (c *Config) SetEnabled(id string, enabled bool) error {
	rs, ok := c.ruleSets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rs.Enabled = enabled
	return nil
}

// SetPriority changes a rule set's priority. No uniqueness is enforced;
// equal priorities fall back to insertion order.
func (c *Config) SetPriority(id string, priority int) error {
	rs, ok := c.ruleSets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rs.Priority = priority
	return nil
}

// SetActive adds or removes a rule set id from EnabledRules.
func (c *Config) SetActive(id string, active bool) error {
	if _, ok := c.ruleSets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	idx := -1
	for i, v := range c.EnabledRules {
		if v == id {
			idx = i
			break
		}
	}
	if active && idx < 0 {
		c.EnabledRules = append(c.EnabledRules, id)
	}
	if !active && idx >= 0 {
		c.EnabledRules = append(c.EnabledRules[:idx], c.EnabledRules[idx+1:]...)
	}
	return nil
}

// Default returns the stock routing config used when no advanced settings
// file exists: mainland domains and private ranges go direct, everything
// else falls through to the proxy.
func Default() *Config {
	c := NewConfig()
	c.Put(&RuleSet{
		ID:       "china_direct",
		Name:     "China domains direct",
		Enabled:  true,
		Priority: 100,
		Rules: []Rule{
			{DomainSuffix: []string{".cn", ".com.cn", ".edu.cn", ".gov.cn"}, Outbound: OutboundDirect},
			{DomainKeyword: []string{"baidu", "taobao", "qq", "weixin"}, Outbound: OutboundDirect},
		},
	})
	c.Put(&RuleSet{
		ID:       "private_direct",
		Name:     "Private networks direct",
		Enabled:  true,
		Priority: 200,
		Rules: []Rule{
			{IPCIDR: []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"}, Outbound: OutboundDirect},
		},
	})
	c.EnabledRules = []string{"china_direct", "private_direct"}
	return c
}
