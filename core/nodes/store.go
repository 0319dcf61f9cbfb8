package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"singtool/internal/jsonx"
)

var (
	// ErrNotFound is returned when an id does not exist in the store.
	ErrNotFound = errors.New("node not found")
	// ErrDuplicateID is returned by Create when the id already exists.
	ErrDuplicateID = errors.New("node id already exists")
)

const storeVersion = "1.0"

// document is the on-disk shape: {version, current_node, nodes: {id: node}}.
type document struct {
	Version     string                     `json:"version"`
	CurrentNode *string                    `json:"current_node"`
	Nodes       map[string]json.RawMessage `json:"nodes"`
}

// Store holds the node collection and the currently-selected node id.
// It is used from a single caller; persistence writes are atomic so a
// crash mid-save cannot corrupt the document.
type Store struct {
	path      string
	backupDir string

	current string // "" means no selection
	nodes   map[string]*Node
	order   []string // insertion order, preserved across load/save
}

// Load reads the node document at path. A missing file yields an empty
// store; a malformed one is an error. backupDir may be empty to disable
// the pre-save backup copies.
func Load(path, backupDir string) (*Store, error) {
	s := &Store{
		path:      path,
		backupDir: backupDir,
		nodes:     make(map[string]*Node),
	}
	data, err := jsonx.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse node store: %w", err)
	}

	// Recover key order from the document; map iteration would shuffle
	// the display order on every load.
	var nodesRaw struct {
		Nodes json.RawMessage `json:"nodes"`
	}
	order := make([]string, 0, len(doc.Nodes))
	if err := json.Unmarshal(data, &nodesRaw); err == nil && len(nodesRaw.Nodes) > 0 {
		if keys, err := jsonx.ObjectKeys(nodesRaw.Nodes); err == nil {
			order = keys
		}
	}
	if len(order) != len(doc.Nodes) {
		order = order[:0]
		for id := range doc.Nodes {
			order = append(order, id)
		}
	}

	for _, id := range order {
		var n Node
		if err := json.Unmarshal(doc.Nodes[id], &n); err != nil {
			return nil, fmt.Errorf("failed to parse node %q: %w", id, err)
		}
		// The map key is authoritative for the id.
		n.ID = id
		fillDefaults(&n)
		s.nodes[id] = &n
		s.order = append(s.order, id)
	}

	if doc.CurrentNode != nil {
		if _, ok := s.nodes[*doc.CurrentNode]; ok {
			s.current = *doc.CurrentNode
		} else {
			log.Warnf("node store: current_node %q does not exist, clearing selection", *doc.CurrentNode)
		}
	}
	return s, nil
}

// fillDefaults populates optional fields at the load boundary so the rest
// of the code never sees a partially-populated node.
func fillDefaults(n *Node) {
	if n.Name == "" {
		n.Name = n.ID
	}
}

// Get returns the node with the given id.
func (s *Store) Get(id string) (*Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *n
	return &cp, nil
}

// List returns all nodes in insertion order.
func (s *Store) List() []*Node {
	out := make([]*Node, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.nodes[id]
		out = append(out, &cp)
	}
	return out
}

// Put inserts or overwrites a node.
func (s *Store) Put(n *Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	cp := *n
	fillDefaults(&cp)
	if _, ok := s.nodes[cp.ID]; !ok {
		s.order = append(s.order, cp.ID)
	}
	s.nodes[cp.ID] = &cp
	return nil
}

// Create inserts a node with create-only semantics.
func (s *Store) Create(n *Node) error {
	if _, ok := s.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
	}
	return s.Put(n)
}

// Delete removes the node. If it was the selected node, the selection is
// cleared and cleared=true is returned so the caller can prompt for a
// replacement; the store never picks one itself.
func (s *Store) Delete(id string) (cleared bool, err error) {
	if _, ok := s.nodes[id]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.nodes, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.current == id {
		s.current = ""
		return true, nil
	}
	return false, nil
}

// SetEnabled toggles a node without touching the rest of its definition.
func (s *Store) SetEnabled(id string, enabled bool) error {
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	n.Enabled = enabled
	return nil
}

// Select marks the given node as current. An empty id clears the selection.
func (s *Store) Select(id string) error {
	if id == "" {
		s.current = ""
		return nil
	}
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.current = id
	return nil
}

// Selected returns the current node, or nil when no selection exists.
func (s *Store) Selected() *Node {
	if s.current == "" {
		return nil
	}
	cp := *s.nodes[s.current]
	return &cp
}

// Save persists the store. The previous document is copied into the
// backup directory first, then the new one is written atomically.
// The nodes object is assembled by hand so insertion order survives on
// disk; a Go map would serialize in sorted-key order.
func (s *Store) Save() error {
	if err := s.backupExisting(); err != nil {
		log.Warnf("node store: backup failed, continuing with save: %v", err)
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("  \"version\": %q", storeVersion))
	if s.current != "" {
		parts = append(parts, fmt.Sprintf("  \"current_node\": %q", s.current))
	} else {
		parts = append(parts, "  \"current_node\": null")
	}

	var entries []string
	for _, id := range s.order {
		data, err := json.MarshalIndent(s.nodes[id], "    ", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal node %q: %w", id, err)
		}
		entries = append(entries, fmt.Sprintf("    %q: %s", id, data))
	}
	if len(entries) > 0 {
		parts = append(parts, fmt.Sprintf("  \"nodes\": {\n%s\n  }", strings.Join(entries, ",\n")))
	} else {
		parts = append(parts, "  \"nodes\": {}")
	}

	doc := fmt.Sprintf("{\n%s\n}\n", strings.Join(parts, ",\n"))
	if err := jsonx.WriteRawAtomic(s.path, []byte(doc)); err != nil {
		return fmt.Errorf("failed to save node store: %w", err)
	}
	return nil
}

func (s *Store) backupExisting() error {
	if s.backupDir == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	name := fmt.Sprintf("nodes_%s.json", time.Now().Format("20060102_150405"))
	return os.WriteFile(filepath.Join(s.backupDir, name), data, 0644)
}
