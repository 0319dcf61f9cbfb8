package health

import (
	"net"
	"net/netip"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"singtool/core/nodes"
	"singtool/internal/netutil"
)

// DefaultProbeTimeout bounds a single TCP connect attempt.
const DefaultProbeTimeout = 5 * time.Second

// DialFunc opens a connection with a bounded timeout. The default is
// net.DialTimeout; tests substitute their own.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Prober performs one synchronous probe of a node's endpoint: a timed
// TCP connect plus an independent geolocation lookup. Expected failures
// (timeout, DNS, refused) come back as sentinel statuses, never as
// errors; only a nil node is a programmer error.
type Prober struct {
	Timeout time.Duration
	Dial    DialFunc
	Geo     *GeoResolver
}

// NewProber returns a prober with the default timeout and dialer.
func NewProber(geo *GeoResolver) *Prober {
	return &Prober{
		Timeout: DefaultProbeTimeout,
		Dial:    net.DialTimeout,
		Geo:     geo,
	}
}

// Probe measures the node's endpoint and returns a completed entry.
// ObservedAt is always the probe completion time, including for timeout
// and error results, so a dead node is not re-probed until the TTL
// elapses again.
func (p *Prober) Probe(node *nodes.Node) Entry {
	if node == nil {
		panic("health: Probe called with nil node")
	}

	endpoint := node.Endpoint()
	if endpoint == "" {
		log.Debugf("probe: node %s has no endpoint", node.ID)
		return Entry{Country: "unknown", Status: StatusError, ObservedAt: time.Now()}
	}

	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return Entry{Country: "unknown", Status: StatusError, ObservedAt: time.Now()}
	}

	// Loopback and private endpoints are this machine or this LAN; no
	// connect attempt and no geolocation traffic for those.
	if isLocalHost(host) {
		return Entry{Country: "local", LatencyMS: 1, Status: StatusOK, ObservedAt: time.Now()}
	}

	// The two sub-probes are independent: a geolocation failure must not
	// suppress a valid latency measurement, and vice versa.
	latency, status := p.connect(endpoint)
	country := "unknown"
	if p.Geo != nil {
		country = p.Geo.Country(host)
	}
	return Entry{Country: country, LatencyMS: latency, Status: status, ObservedAt: time.Now()}
}

func (p *Prober) connect(endpoint string) (int, Status) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dial := p.Dial
	if dial == nil {
		dial = net.DialTimeout
	}

	start := time.Now()
	conn, err := dial("tcp", endpoint, timeout)
	if err != nil {
		if netutil.IsTimeout(err) {
			return 0, StatusTimeout
		}
		log.Debugf("probe: connect %s failed: %s", endpoint, netutil.ErrorMessage(err))
		return 0, StatusError
	}
	conn.Close()

	ms := int(time.Since(start).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return ms, StatusOK
}

// isLocalHost reports whether host names this machine or a private
// network address.
func isLocalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}
