// Package process wraps cross-platform process listing for engine status
// checks.
package process

import (
	"strings"

	"github.com/mitchellh/go-ps"
)

// Info is a minimal view of a running process.
type Info struct {
	PID  int
	Name string
}

// List returns all running processes in a normalized form.
func List() ([]Info, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		out = append(out, Info{PID: p.Pid(), Name: p.Executable()})
	}
	return out, nil
}

// FindByName returns the first process whose executable matches name
// (case-insensitive, ".exe" suffix ignored).
func FindByName(name string) (Info, bool, error) {
	procs, err := List()
	if err != nil {
		return Info{}, false, err
	}
	want := normalize(name)
	for _, p := range procs {
		if normalize(p.Name) == want {
			return p, true, nil
		}
	}
	return Info{}, false, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, ".exe"))
}
