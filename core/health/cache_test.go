package health

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"singtool/core/nodes"
)

// countingProber wraps dial stubs with probe accounting.
func countingProber(dial DialFunc, count *atomic.Int32) *Prober {
	return &Prober{
		Timeout: time.Second,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			count.Add(1)
			return dial(network, addr, timeout)
		},
	}
}

func TestCacheTTL(t *testing.T) {
	var probes atomic.Int32
	cache := NewCache("", countingProber(dialOK, &probes), 100*time.Millisecond)
	node := remoteNode("n", "203.0.113.1", 443)

	cache.RefreshAll([]*nodes.Node{node}, 1, nil, nil)
	if probes.Load() != 1 {
		t.Fatalf("expected 1 probe, got %d", probes.Load())
	}
	if _, ok := cache.Get(node); !ok {
		t.Fatal("entry should be fresh right after refresh")
	}

	// Within the TTL another refresh skips the probe.
	cache.RefreshAll([]*nodes.Node{node}, 1, nil, nil)
	if probes.Load() != 1 {
		t.Errorf("fresh entry re-probed: %d probes", probes.Load())
	}

	time.Sleep(150 * time.Millisecond)
	if _, ok := cache.Get(node); ok {
		t.Error("entry should be stale after the TTL elapses")
	}
	cache.RefreshAll([]*nodes.Node{node}, 1, nil, nil)
	if probes.Load() != 2 {
		t.Errorf("stale entry not re-probed: %d probes", probes.Load())
	}
}

func TestCacheTimeoutStillWritten(t *testing.T) {
	cache := NewCache("", &Prober{Timeout: time.Second, Dial: dialTimeout}, DefaultTTL)
	node := remoteNode("dead", "203.0.113.1", 9999)

	before := time.Now()
	var events []Event
	cache.RefreshAll([]*nodes.Node{node}, 1, nil, func(ev Event) {
		events = append(events, ev)
	})

	entry, ok := cache.Get(node)
	if !ok {
		t.Fatal("a timed-out probe must still write a fresh entry")
	}
	if entry.Status != StatusTimeout {
		t.Errorf("status = %q, want timeout", entry.Status)
	}
	if entry.ObservedAt.Before(before) {
		t.Error("observed_at must be the probe completion time")
	}
	if len(events) != 1 || events[0].NodeID != "dead" {
		t.Errorf("events = %+v", events)
	}
}

func TestCacheMonotonicRefresh(t *testing.T) {
	cache := NewCache("", &Prober{Timeout: time.Second, Dial: dialOK}, 50*time.Millisecond)
	node := remoteNode("n", "203.0.113.1", 443)

	cache.RefreshAll([]*nodes.Node{node}, 1, nil, nil)
	first, _ := cache.Get(node)

	time.Sleep(80 * time.Millisecond)
	cache.RefreshAll([]*nodes.Node{node}, 1, nil, nil)
	second, ok := cache.Get(node)
	if !ok {
		t.Fatal("entry missing after second refresh")
	}
	if second.ObservedAt.Before(first.ObservedAt) {
		t.Errorf("observed_at went backwards: %v -> %v", first.ObservedAt, second.ObservedAt)
	}
}

func TestRefreshAllBoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	slowDial := func(network, addr string, timeout time.Duration) (net.Conn, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return dialOK(network, addr, timeout)
	}
	cache := NewCache("", &Prober{Timeout: time.Second, Dial: slowDial}, DefaultTTL)

	var list []*nodes.Node
	for i := 0; i < 10; i++ {
		list = append(list, remoteNode(string(rune('a'+i)), "203.0.113.1", 1000+i))
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	cache.RefreshAll(list, 2, nil, func(ev Event) {
		mu.Lock()
		seen[ev.NodeID] = true
		mu.Unlock()
	})

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", p)
	}
	if len(seen) != 10 {
		t.Errorf("expected 10 progress events, got %d", len(seen))
	}
}

func TestRefreshAllSharedKey(t *testing.T) {
	var probes atomic.Int32
	cache := NewCache("", countingProber(dialOK, &probes), DefaultTTL)

	a := remoteNode("a", "203.0.113.1", 443)
	b := remoteNode("b", "203.0.113.1", 443)

	var events int
	cache.RefreshAll([]*nodes.Node{a, b}, 4, nil, func(Event) { events++ })

	// Both nodes report, one shared entry remains; last write wins.
	if events != 2 {
		t.Errorf("expected 2 events, got %d", events)
	}
	if _, ok := cache.GetKey("203.0.113.1:443"); !ok {
		t.Error("shared entry missing")
	}
}

func TestRefreshAllStopFlag(t *testing.T) {
	var probes atomic.Int32
	var cancel atomic.Bool
	release := make(chan struct{})
	blockingDial := func(network, addr string, timeout time.Duration) (net.Conn, error) {
		probes.Add(1)
		cancel.Store(true) // first probe requests the stop
		<-release
		return dialOK(network, addr, timeout)
	}
	cache := NewCache("", &Prober{Timeout: time.Second, Dial: blockingDial}, DefaultTTL)

	var list []*nodes.Node
	for i := 0; i < 5; i++ {
		list = append(list, remoteNode(string(rune('a'+i)), "203.0.113.1", 2000+i))
	}

	done := make(chan struct{})
	go func() {
		cache.RefreshAll(list, 1, &cancel, nil)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	// The in-flight probe completes; nothing further is dispatched.
	if n := probes.Load(); n != 1 {
		t.Errorf("expected 1 probe after stop, got %d", n)
	}
}

func TestRefreshSequential(t *testing.T) {
	var probes atomic.Int32
	cache := NewCache("", countingProber(dialOK, &probes), DefaultTTL)

	a := remoteNode("a", "203.0.113.1", 443)
	b := remoteNode("b", "203.0.113.2", 443)

	t.Run("started markers precede results", func(t *testing.T) {
		var events []Event
		cache.RefreshSequential([]*nodes.Node{a, b}, nil, func(ev Event) {
			events = append(events, ev)
		})
		if len(events) != 4 {
			t.Fatalf("expected 4 events (2 started, 2 results), got %d", len(events))
		}
		if !events[0].Started || events[1].Started {
			t.Errorf("event order wrong: %+v", events)
		}
		if events[0].NodeID != "a" || events[1].NodeID != "a" {
			t.Errorf("first node's events should come first: %+v", events)
		}
	})

	t.Run("cancel checked between nodes", func(t *testing.T) {
		cache.Reset()
		probes.Store(0)
		var cancel atomic.Bool
		var results int
		cache.RefreshSequential([]*nodes.Node{a, b}, &cancel, func(ev Event) {
			if !ev.Started {
				results++
				cancel.Store(true) // request cancel mid-run
			}
		})
		if results != 1 {
			t.Errorf("expected the in-flight node to finish and the next to be skipped, got %d results", results)
		}
		if probes.Load() != 1 {
			t.Errorf("expected 1 probe, got %d", probes.Load())
		}
	})
}

func TestCachePersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node_cache.json")

	cache := NewCache(path, &Prober{Timeout: time.Second, Dial: dialOK}, DefaultTTL)
	node := remoteNode("n", "203.0.113.1", 443)
	timedOut := remoteNode("t", "203.0.113.2", 443)
	cache.RefreshAll([]*nodes.Node{node}, 1, nil, nil)
	tCache := NewCache(path, &Prober{Timeout: time.Second, Dial: dialTimeout}, DefaultTTL)
	tCache.RefreshAll([]*nodes.Node{timedOut}, 1, nil, nil)

	t.Run("file format", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("cache file missing: %v", err)
		}
		var raw map[string]map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("cache file is not a JSON map: %v", err)
		}
		ok, found := raw["203.0.113.1:443"]
		if !found {
			t.Fatal("successful entry missing from file")
		}
		if _, isNum := ok["latency"].(float64); !isNum {
			t.Errorf("successful latency should persist as a number, got %v", ok["latency"])
		}
		timeoutEntry, found := raw["203.0.113.2:443"]
		if !found {
			t.Fatal("timeout entry missing from file")
		}
		if timeoutEntry["latency"] != "timeout" {
			t.Errorf("timeout latency should persist as the sentinel string, got %v", timeoutEntry["latency"])
		}
	})

	t.Run("reload", func(t *testing.T) {
		reloaded := NewCache(path, &Prober{Timeout: time.Second, Dial: dialOK}, DefaultTTL)
		entry, ok := reloaded.GetKey("203.0.113.1:443")
		if !ok {
			t.Fatal("persisted entry not reloaded")
		}
		if entry.Status != StatusOK {
			t.Errorf("status = %q", entry.Status)
		}
		entry, ok = reloaded.GetKey("203.0.113.2:443")
		if !ok {
			t.Fatal("persisted timeout entry not reloaded")
		}
		if entry.Status != StatusTimeout {
			t.Errorf("status = %q, want timeout", entry.Status)
		}
	})

	t.Run("expired entries dropped on load", func(t *testing.T) {
		stale := map[string]Entry{
			"203.0.113.9:443": {Country: "unknown", Status: StatusOK, LatencyMS: 10,
				ObservedAt: time.Now().Add(-7 * time.Hour)},
		}
		data, _ := json.Marshal(stale)
		stalePath := filepath.Join(dir, "stale_cache.json")
		if err := os.WriteFile(stalePath, data, 0644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		c := NewCache(stalePath, &Prober{Timeout: time.Second, Dial: dialOK}, DefaultTTL)
		if _, ok := c.GetKey("203.0.113.9:443"); ok {
			t.Error("entry older than the TTL must not be resurrected")
		}
	})
}

func TestEntryJSONSentinels(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	entry := Entry{Country: "Japan", Status: StatusError, ObservedAt: now}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back Entry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Status != StatusError {
		t.Errorf("status = %q, want error", back.Status)
	}
	if !back.ObservedAt.Equal(now) {
		t.Errorf("observed_at = %v, want %v", back.ObservedAt, now)
	}
	if back.Country != "Japan" {
		t.Errorf("country = %q", back.Country)
	}
}
