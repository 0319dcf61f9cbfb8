// Package config merges compiled routing output into the proxy engine's
// configuration file and reports engine process status.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"singtool/core/routing"
	"singtool/internal/jsonx"
	"singtool/internal/process"
)

// EngineExecutable is the proxy engine's process name.
const EngineExecutable = "sing-box"

// ApplyRoute replaces the route section of the engine config at
// configPath with the compiled artifact, leaving every other section
// untouched and in its original order. A nil artifact is the "do not
// alter routing" signal and leaves the file as is. A missing config file
// is created with only the route section.
func ApplyRoute(configPath string, artifact *routing.Artifact) error {
	if artifact == nil {
		log.Debug("engine config: no-op artifact, leaving route section untouched")
		return nil
	}

	sections := make(map[string]json.RawMessage)
	var order []string

	data, err := jsonx.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Start from an empty document.
	case err != nil:
		return fmt.Errorf("failed to read engine config: %w", err)
	default:
		if err := json.Unmarshal(data, &sections); err != nil {
			return fmt.Errorf("failed to parse engine config: %w", err)
		}
		if keys, err := jsonx.ObjectKeys(data); err == nil {
			order = keys
		} else {
			for k := range sections {
				order = append(order, k)
			}
		}
	}

	routeJSON, err := artifact.MarshalIndentJSON("  ")
	if err != nil {
		return err
	}

	hasRoute := false
	var parts []string
	for _, key := range order {
		var val []byte
		if key == "route" {
			hasRoute = true
			val = routeJSON
		} else {
			var buf bytes.Buffer
			if err := json.Indent(&buf, sections[key], "  ", "  "); err != nil {
				return fmt.Errorf("failed to re-indent section %q: %w", key, err)
			}
			val = buf.Bytes()
		}
		parts = append(parts, fmt.Sprintf("  %q: %s", key, val))
	}
	if !hasRoute {
		parts = append(parts, fmt.Sprintf("  %q: %s", "route", routeJSON))
	}

	doc := fmt.Sprintf("{\n%s\n}\n", strings.Join(parts, ",\n"))
	if err := jsonx.WriteRawAtomic(configPath, []byte(doc)); err != nil {
		return fmt.Errorf("failed to write engine config: %w", err)
	}
	log.Infof("engine config: route section updated with %d rules, final %q", len(artifact.Rules), artifact.Final)
	return nil
}

// EngineRunning reports whether the engine process is alive, and its PID.
func EngineRunning() (int, bool, error) {
	info, found, err := process.FindByName(EngineExecutable)
	if err != nil {
		return 0, false, fmt.Errorf("failed to list processes: %w", err)
	}
	if !found {
		return 0, false, nil
	}
	return info.PID, true, nil
}
