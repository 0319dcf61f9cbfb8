package health

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"singtool/core/nodes"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func dialOK(network, addr string, timeout time.Duration) (net.Conn, error) {
	c1, c2 := net.Pipe()
	go c2.Close()
	return c1, nil
}

func dialTimeout(network, addr string, timeout time.Duration) (net.Conn, error) {
	return nil, timeoutError{}
}

func dialRefused(network, addr string, timeout time.Duration) (net.Conn, error) {
	return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
}

func remoteNode(id, server string, port int) *nodes.Node {
	return &nodes.Node{
		ID:      id,
		Name:    id,
		Type:    nodes.TypeTrojan,
		Enabled: true,
		Config:  nodes.TrojanConfig{Remote: nodes.Remote{Server: server, Port: port}, Password: "p"},
	}
}

func TestProbeLocalShortCircuit(t *testing.T) {
	var apiCalls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		fmt.Fprint(w, `{"status":"success","country":"Nowhere"}`)
	}))
	defer ts.Close()

	geo := &GeoResolver{APIURL: ts.URL + "/json/%s", Client: ts.Client()}
	p := &Prober{
		Timeout: time.Second,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			t.Errorf("unexpected dial of %s for a local endpoint", addr)
			return nil, errors.New("no")
		},
		Geo: geo,
	}

	cases := []*nodes.Node{
		remoteNode("loopback", "127.0.0.1", 8080),
		remoteNode("private10", "10.0.0.5", 443),
		remoteNode("private192", "192.168.1.10", 443),
		remoteNode("hostname", "localhost", 8080),
	}
	for _, n := range cases {
		t.Run(n.ID, func(t *testing.T) {
			entry := p.Probe(n)
			if entry.Country != "local" {
				t.Errorf("country = %q, want local", entry.Country)
			}
			if entry.Status != StatusOK || entry.LatencyMS >= 5 {
				t.Errorf("latency = %d (%s), want <5ms ok", entry.LatencyMS, entry.Status)
			}
		})
	}
	if n := apiCalls.Load(); n != 0 {
		t.Errorf("local probes made %d geolocation calls, want 0", n)
	}
}

func TestProbeSentinels(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		p := &Prober{Timeout: time.Second, Dial: dialTimeout}
		entry := p.Probe(remoteNode("n", "203.0.113.1", 9999))
		if entry.Status != StatusTimeout {
			t.Errorf("status = %q, want timeout", entry.Status)
		}
		if entry.ObservedAt.IsZero() {
			t.Error("failed probe must still carry an observation time")
		}
	})

	t.Run("refused", func(t *testing.T) {
		p := &Prober{Timeout: time.Second, Dial: dialRefused}
		entry := p.Probe(remoteNode("n", "203.0.113.1", 9999))
		if entry.Status != StatusError {
			t.Errorf("status = %q, want error", entry.Status)
		}
	})

	t.Run("missing endpoint", func(t *testing.T) {
		dialed := false
		p := &Prober{Timeout: time.Second, Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			dialed = true
			return nil, errors.New("no")
		}}
		n := &nodes.Node{ID: "broken", Type: nodes.TypeTrojan, Config: nodes.TrojanConfig{}}
		entry := p.Probe(n)
		if entry.Status != StatusError {
			t.Errorf("status = %q, want error", entry.Status)
		}
		if dialed {
			t.Error("endpoint-less node must not produce network I/O")
		}
	})
}

func TestProbeIndependentSubprobes(t *testing.T) {
	// Latency succeeds while geolocation fails: the latency result must
	// survive, with country falling through to unknown.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	geo := &GeoResolver{APIURL: ts.URL + "/json/%s", Client: ts.Client()}
	p := &Prober{Timeout: time.Second, Dial: dialOK, Geo: geo}
	entry := p.Probe(remoteNode("n", "203.0.113.7", 443))
	if entry.Status != StatusOK {
		t.Errorf("status = %q, want ok despite geo failure", entry.Status)
	}
	if entry.Country != "unknown" {
		t.Errorf("country = %q, want unknown", entry.Country)
	}
}

func TestGeoResolverChain(t *testing.T) {
	t.Run("api success", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status":"success","country":"Japan"}`)
		}))
		defer ts.Close()
		geo := &GeoResolver{APIURL: ts.URL + "/json/%s", Client: ts.Client()}
		if got := geo.Country("example.jp"); got != "Japan" {
			t.Errorf("country = %q, want Japan", got)
		}
	})

	t.Run("api failure falls back to TLD", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status":"fail"}`)
		}))
		defer ts.Close()
		geo := &GeoResolver{APIURL: ts.URL + "/json/%s", Client: ts.Client()}
		if got := geo.Country("server.jp"); got != "Japan" {
			t.Errorf("country = %q, want Japan via TLD", got)
		}
	})

	t.Run("no match is unknown", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()
		geo := &GeoResolver{APIURL: ts.URL + "/json/%s", Client: ts.Client()}
		if got := geo.Country("server.example"); got != "unknown" {
			t.Errorf("country = %q, want unknown", got)
		}
	})
}
