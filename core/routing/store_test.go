package routing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreLoadDefaults(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "advanced.json"))
	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.EnabledRules) != 2 {
		t.Fatalf("expected 2 default enabled rules, got %v", cfg.EnabledRules)
	}
	china, err := cfg.Get("china_direct")
	if err != nil {
		t.Fatalf("default china_direct missing: %v", err)
	}
	if china.Priority != 100 {
		t.Errorf("china_direct priority = %d, want 100", china.Priority)
	}
	private, err := cfg.Get("private_direct")
	if err != nil {
		t.Fatalf("default private_direct missing: %v", err)
	}
	if private.Priority != 200 {
		t.Errorf("private_direct priority = %d, want 200", private.Priority)
	}
	if cfg.FinalOutbound != OutboundProxy {
		t.Errorf("default final = %q, want %q", cfg.FinalOutbound, OutboundProxy)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "advanced.json")
	store := NewStore(path)

	cfg := NewConfig()
	cfg.Put(&RuleSet{ID: "zzz", Name: "Last alphabetically, first inserted", Enabled: true, Priority: 10,
		Rules: []Rule{{Domain: []string{"z.example"}, Outbound: OutboundDirect}}})
	cfg.Put(&RuleSet{ID: "aaa", Name: "First alphabetically, second inserted", Enabled: true, Priority: 10,
		Rules: []Rule{{Domain: []string{"a.example"}, Outbound: OutboundProxy}}})
	cfg.EnabledRules = []string{"zzz", "aaa"}
	cfg.FinalOutbound = OutboundProxy

	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	list := loaded.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 rule sets, got %d", len(list))
	}
	// Insertion order must survive the round trip; it is the
	// equal-priority tie-break.
	if list[0].ID != "zzz" || list[1].ID != "aaa" {
		t.Errorf("insertion order lost: got %s, %s", list[0].ID, list[1].ID)
	}

	artifact, err := NewCompiler("SELECTOR").Compile(loaded)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if artifact.Rules[0].Domain[0] != "z.example" {
		t.Errorf("tie-break after reload: first rule matches %q, want z.example", artifact.Rules[0].Domain[0])
	}
}

func TestStorePreservesOtherSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "advanced.json")
	doc := `{
  // advanced settings
  "dns": {"strategy": "prefer_ipv4"},
  "routing": {
    "enabled_rules": ["only"],
    "final_outbound": "proxy",
    "rule_sets": {
      "only": {"name": "Only", "enabled": true, "priority": 1, "rules": []},
    },
  },
  "tun": {"mtu": 1400}
}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	store := NewStore(path)
	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.SetPriority("only", 42)
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		t.Fatalf("saved file is not valid JSON: %v", err)
	}
	for _, key := range []string{"dns", "tun", "routing"} {
		if _, ok := sections[key]; !ok {
			t.Errorf("section %q lost on save", key)
		}
	}
	if !strings.Contains(string(sections["dns"]), "prefer_ipv4") {
		t.Errorf("dns section content changed: %s", sections["dns"])
	}

	reloaded, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	rs, err := reloaded.Get("only")
	if err != nil {
		t.Fatalf("rule set lost: %v", err)
	}
	if rs.Priority != 42 {
		t.Errorf("priority = %d, want 42", rs.Priority)
	}
}

func TestConfigAccessors(t *testing.T) {
	cfg := NewConfig()
	cfg.Put(&RuleSet{ID: "x", Enabled: true, Priority: 5})

	t.Run("set active", func(t *testing.T) {
		if err := cfg.SetActive("x", true); err != nil {
			t.Fatalf("SetActive failed: %v", err)
		}
		if len(cfg.EnabledRules) != 1 || cfg.EnabledRules[0] != "x" {
			t.Errorf("EnabledRules = %v", cfg.EnabledRules)
		}
		// Activating twice must not duplicate the id.
		cfg.SetActive("x", true)
		if len(cfg.EnabledRules) != 1 {
			t.Errorf("duplicate membership: %v", cfg.EnabledRules)
		}
	})

	t.Run("unknown ids rejected", func(t *testing.T) {
		if err := cfg.SetActive("nope", true); err == nil {
			t.Error("SetActive of unknown id should fail")
		}
		if err := cfg.SetEnabled("nope", true); err == nil {
			t.Error("SetEnabled of unknown id should fail")
		}
		if _, err := cfg.Get("nope"); err == nil {
			t.Error("Get of unknown id should fail")
		}
	})

	t.Run("delete removes membership", func(t *testing.T) {
		if err := cfg.Delete("x"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if len(cfg.EnabledRules) != 0 {
			t.Errorf("EnabledRules should be empty after delete, got %v", cfg.EnabledRules)
		}
	})
}
