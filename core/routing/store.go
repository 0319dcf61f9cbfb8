package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"singtool/internal/jsonx"
)

// routingJSON is the persisted shape of the routing section.
type routingJSON struct {
	EnabledRules  []string                   `json:"enabled_rules"`
	FinalOutbound string                     `json:"final_outbound"`
	RuleSets      map[string]json.RawMessage `json:"rule_sets"`
}

// Store reads and writes the routing section of the advanced settings
// file. Other sections of that file are preserved untouched across saves.
type Store struct {
	path string

	// Sections of the advanced file other than "routing", kept verbatim.
	extra map[string]json.RawMessage
}

// NewStore returns a store over the advanced settings file at path.
func NewStore(path string) *Store {
	return &Store{path: path, extra: make(map[string]json.RawMessage)}
}

// Load reads the routing config. A missing file or a file without a
// routing section yields the stock defaults. Rule-set key order is
// recovered from the document so equal-priority tie-breaking is stable
// across runs.
func (s *Store) Load() (*Config, error) {
	data, err := jsonx.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debugf("routing store: %s absent, using defaults", s.path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read advanced settings: %w", err)
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("failed to parse advanced settings: %w", err)
	}
	s.extra = make(map[string]json.RawMessage)
	for k, v := range sections {
		if k != "routing" {
			s.extra[k] = v
		}
	}

	rawRouting, ok := sections["routing"]
	if !ok {
		return Default(), nil
	}

	var doc routingJSON
	if err := json.Unmarshal(rawRouting, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse routing section: %w", err)
	}

	cfg := NewConfig()
	cfg.EnabledRules = append([]string{}, doc.EnabledRules...)
	if doc.FinalOutbound != "" {
		cfg.FinalOutbound = doc.FinalOutbound
	}

	order, err := ruleSetOrder(rawRouting, doc.RuleSets)
	if err != nil {
		return nil, err
	}
	for _, id := range order {
		var rs RuleSet
		if err := json.Unmarshal(doc.RuleSets[id], &rs); err != nil {
			return nil, fmt.Errorf("failed to parse rule set %q: %w", id, err)
		}
		rs.ID = id
		fillRuleSetDefaults(&rs)
		if err := cfg.Put(&rs); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ruleSetOrder recovers the document order of the rule_sets keys, falling
// back to sorted ids when the scan fails (still deterministic).
func ruleSetOrder(rawRouting json.RawMessage, ruleSets map[string]json.RawMessage) ([]string, error) {
	var shell struct {
		RuleSets json.RawMessage `json:"rule_sets"`
	}
	if err := json.Unmarshal(rawRouting, &shell); err == nil && len(shell.RuleSets) > 0 {
		if keys, err := jsonx.ObjectKeys(shell.RuleSets); err == nil && len(keys) == len(ruleSets) {
			return keys, nil
		}
	}
	keys := make([]string, 0, len(ruleSets))
	for id := range ruleSets {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys, nil
}

// fillRuleSetDefaults populates optional fields at the load boundary.
func fillRuleSetDefaults(rs *RuleSet) {
	if rs.Name == "" {
		rs.Name = rs.ID
	}
	if rs.Rules == nil {
		rs.Rules = []Rule{}
	}
}

// Save writes the routing section back, keeping any unrelated sections of
// the advanced file and the rule-set insertion order.
func (s *Store) Save(cfg *Config) error {
	var entries []string
	for _, rs := range cfg.List() {
		data, err := json.MarshalIndent(rs, "      ", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal rule set %q: %w", rs.ID, err)
		}
		entries = append(entries, fmt.Sprintf("      %q: %s", rs.ID, data))
	}

	enabled, err := json.Marshal(cfg.EnabledRules)
	if err != nil {
		return fmt.Errorf("failed to marshal enabled_rules: %w", err)
	}
	if cfg.EnabledRules == nil {
		enabled = []byte("[]")
	}

	var routingParts []string
	routingParts = append(routingParts, fmt.Sprintf("    \"enabled_rules\": %s", enabled))
	routingParts = append(routingParts, fmt.Sprintf("    \"final_outbound\": %q", cfg.FinalOutbound))
	if len(entries) > 0 {
		routingParts = append(routingParts, fmt.Sprintf("    \"rule_sets\": {\n%s\n    }", strings.Join(entries, ",\n")))
	} else {
		routingParts = append(routingParts, "    \"rule_sets\": {}")
	}
	routingObj := fmt.Sprintf("{\n%s\n  }", strings.Join(routingParts, ",\n"))

	var parts []string
	parts = append(parts, fmt.Sprintf("  \"routing\": %s", routingObj))
	extraKeys := make([]string, 0, len(s.extra))
	for k := range s.extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		parts = append(parts, fmt.Sprintf("  %q: %s", k, s.extra[k]))
	}

	doc := fmt.Sprintf("{\n%s\n}\n", strings.Join(parts, ",\n"))
	if err := jsonx.WriteRawAtomic(s.path, []byte(doc)); err != nil {
		return fmt.Errorf("failed to save advanced settings: %w", err)
	}
	return nil
}
