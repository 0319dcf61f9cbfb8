package health

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"singtool/core/nodes"
	"singtool/internal/jsonx"
)

const (
	// DefaultTTL is how long a completed probe result stays fresh.
	DefaultTTL = 6 * time.Hour
	// DefaultConcurrency is the batch refresh worker pool size.
	DefaultConcurrency = 4
)

// Event is one progress notification from a refresh. Started marks the
// "currently refreshing" state emitted by the sequential mode before the
// probe runs; otherwise Entry carries the completed result.
type Event struct {
	NodeID  string
	Started bool
	Entry   Entry
}

// Sink receives progress events. RefreshAll calls it from worker
// goroutines but serializes the calls, so implementations need no
// locking of their own.
type Sink func(Event)

// Cache maintains one entry per distinct "server:port" key. Entries are
// fresh for the TTL and stale afterwards; a completed probe always
// resets the clock, success or not. The cache persists to a JSON file;
// persistence failures are logged and the in-memory state stays
// authoritative.
type Cache struct {
	prober *Prober
	ttl    time.Duration
	path   string

	entries *gocache.Cache

	mu     sync.Mutex // guards writes to entries and the persisted file
	emitMu sync.Mutex // serializes sink calls from workers
}

// NewCache loads any persisted entries from path (expired ones are
// dropped) and returns a cache over the given prober. An empty path
// disables persistence.
func NewCache(path string, prober *Prober, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		prober:  prober,
		ttl:     ttl,
		path:    path,
		entries: gocache.New(ttl, 10*time.Minute),
	}
	c.load()
	return c
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	data, err := jsonx.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		log.Warnf("health cache: failed to read %s: %v", c.path, err)
		return
	}
	var persisted map[string]Entry
	if err := json.Unmarshal(data, &persisted); err != nil {
		log.Warnf("health cache: failed to parse %s: %v", c.path, err)
		return
	}
	now := time.Now()
	kept := 0
	for key, entry := range persisted {
		remaining := c.ttl - now.Sub(entry.ObservedAt)
		if remaining <= 0 {
			continue
		}
		c.entries.Set(key, entry, remaining)
		kept++
	}
	log.Debugf("health cache: loaded %d of %d persisted entries", kept, len(persisted))
}

// Get returns the fresh entry for the node's endpoint. A missing or
// expired entry returns ok=false: the stale marker.
func (c *Cache) Get(node *nodes.Node) (Entry, bool) {
	return c.GetKey(node.Endpoint())
}

// GetKey is Get for a raw "server:port" key.
func (c *Cache) GetKey(key string) (Entry, bool) {
	if key == "" {
		return Entry{}, false
	}
	v, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Reset drops every entry and rewrites the persisted file.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Flush()
	c.persistLocked()
}

// RefreshAll probes every node whose entry is stale, on a worker pool of
// at most limit concurrent probes. Fresh nodes are skipped but still
// reported to sink so callers can render a complete table. A set cancel
// flag stops further dispatch; in-flight probes always complete. The
// persisted file is rewritten once at the end.
func (c *Cache) RefreshAll(list []*nodes.Node, limit int, cancel *atomic.Bool, sink Sink) {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, node := range list {
		if entry, ok := c.Get(node); ok {
			c.emit(sink, Event{NodeID: node.ID, Entry: entry})
			continue
		}
		// The stop check sits after the semaphore acquire: a stop
		// requested while workers are busy is honored before the next
		// dispatch, never mid-probe.
		sem <- struct{}{}
		if cancel != nil && cancel.Load() {
			<-sem
			log.Debug("health cache: batch refresh stopped, draining pending dispatches")
			break
		}
		wg.Add(1)
		go func(node *nodes.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			entry := c.prober.Probe(node)
			c.store(node.Endpoint(), entry)
			c.emit(sink, Event{NodeID: node.ID, Entry: entry})
		}(node)
	}
	wg.Wait()

	c.mu.Lock()
	c.persistLocked()
	c.mu.Unlock()
}

// RefreshSequential probes one node at a time, announcing each before
// its probe starts. The cancel flag is checked at the top of each
// iteration only; an in-flight probe always completes.
func (c *Cache) RefreshSequential(list []*nodes.Node, cancel *atomic.Bool, sink Sink) {
	for _, node := range list {
		if cancel != nil && cancel.Load() {
			log.Debug("health cache: sequential refresh canceled")
			break
		}
		if entry, ok := c.Get(node); ok {
			c.emit(sink, Event{NodeID: node.ID, Entry: entry})
			continue
		}
		c.emit(sink, Event{NodeID: node.ID, Started: true})
		entry := c.prober.Probe(node)
		c.store(node.Endpoint(), entry)
		c.emit(sink, Event{NodeID: node.ID, Entry: entry})
	}

	c.mu.Lock()
	c.persistLocked()
	c.mu.Unlock()
}

// store records a completed probe. Last write wins when two nodes share
// an endpoint; both probes typically report the same thing.
func (c *Cache) store(key string, entry Entry) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.entries.Set(key, entry, c.ttl)
	c.mu.Unlock()
}

func (c *Cache) emit(sink Sink, ev Event) {
	if sink == nil {
		return
	}
	c.emitMu.Lock()
	sink(ev)
	c.emitMu.Unlock()
}

// persistLocked rewrites the cache file from the fresh entries. Callers
// hold c.mu. Failure is logged; memory stays authoritative.
func (c *Cache) persistLocked() {
	if c.path == "" {
		return
	}
	snapshot := make(map[string]Entry)
	for key, item := range c.entries.Items() {
		snapshot[key] = item.Object.(Entry)
	}
	if err := jsonx.WriteFileAtomic(c.path, snapshot); err != nil {
		log.Warnf("health cache: persist failed, in-memory entries remain authoritative: %v", err)
	}
}
