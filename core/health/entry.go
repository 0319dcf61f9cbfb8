// Package health probes node endpoints for reachability, latency and
// geographic origin, and caches the results with time-based expiry.
package health

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status classifies a probe result. Timeout and error are sentinel
// outcomes, not Go errors: a down node is an expected steady state.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Entry is one cached probe result, keyed by "server:port".
type Entry struct {
	Country    string
	LatencyMS  int
	Status     Status
	ObservedAt time.Time
}

// LatencyString renders the latency for display: a millisecond count for
// successful probes, the sentinel word otherwise.
func (e Entry) LatencyString() string {
	if e.Status == StatusOK {
		return fmt.Sprintf("%dms", e.LatencyMS)
	}
	return string(e.Status)
}

// entryJSON is the persisted shape: latency is a number on success and
// the literal sentinel string otherwise, timestamp is Unix seconds.
type entryJSON struct {
	Country   string          `json:"country"`
	Latency   json.RawMessage `json:"latency"`
	Timestamp int64           `json:"timestamp"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	var latency json.RawMessage
	if e.Status == StatusOK {
		latency = json.RawMessage(fmt.Sprintf("%d", e.LatencyMS))
	} else {
		latency = json.RawMessage(fmt.Sprintf("%q", string(e.Status)))
	}
	return json.Marshal(entryJSON{
		Country:   e.Country,
		Latency:   latency,
		Timestamp: e.ObservedAt.Unix(),
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var shell entryJSON
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}
	e.Country = shell.Country
	e.ObservedAt = time.Unix(shell.Timestamp, 0)
	e.LatencyMS = 0

	var ms int
	if err := json.Unmarshal(shell.Latency, &ms); err == nil {
		e.LatencyMS = ms
		e.Status = StatusOK
		return nil
	}
	var sentinel string
	if err := json.Unmarshal(shell.Latency, &sentinel); err != nil {
		return fmt.Errorf("invalid latency value %s", shell.Latency)
	}
	switch Status(sentinel) {
	case StatusTimeout:
		e.Status = StatusTimeout
	default:
		e.Status = StatusError
	}
	return nil
}
