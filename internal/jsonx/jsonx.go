// Package jsonx holds the JSON persistence conventions shared by every
// on-disk document: tolerant reads (comments and trailing commas are
// accepted), pretty-printed atomic writes, and recovery of object key
// order from the raw document.
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/muhammadmuzzammil1998/jsonc"
)

var reTrailingCommas = regexp.MustCompile(`,(\s*[\]\}])`)

func removeTrailingCommas(data []byte) []byte {
	return reTrailingCommas.ReplaceAll(data, []byte("$1"))
}

// ReadFile reads a JSON document, stripping comments and trailing commas
// before returning strict JSON.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Normalize(data), nil
}

// Normalize converts tolerant JSONC input to strict JSON. Trailing commas
// are stripped both before and after comment removal; comment stripping
// can expose a new trailing comma.
func Normalize(data []byte) []byte {
	data = removeTrailingCommas(data)
	data = jsonc.ToJSON(data)
	return removeTrailingCommas(data)
}

// WriteFileAtomic marshals v with indentation and writes it via a temp
// file and rename, so a crash mid-write cannot leave a truncated document.
func WriteFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteRawAtomic(path, append(data, '\n'))
}

// WriteRawAtomic writes already-serialized bytes via temp file + rename.
func WriteRawAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// ObjectKeys returns the top-level keys of a JSON object in document
// order. encoding/json maps discard ordering, which matters when key
// order carries meaning (stable tie-breaking between entries).
func ObjectKeys(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read object key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		keys = append(keys, key)
		// Skip the value.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("failed to skip value of %q: %w", key, err)
		}
	}
	return keys, nil
}
