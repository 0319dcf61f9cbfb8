package health

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/txthinking/socks5"
)

// DefaultSTUNServer answers public-address queries when none is given.
const DefaultSTUNServer = "stun.l.google.com:19302"

// PublicAddress asks a STUN server for this machine's external IP, a
// quick way to verify which egress the engine is actually using.
func PublicAddress(serverAddr string) (string, error) {
	if serverAddr == "" {
		serverAddr = DefaultSTUNServer
	}
	conn, err := net.Dial("udp", serverAddr)
	if err != nil {
		return "", fmt.Errorf("failed to dial STUN server: %w", err)
	}
	defer conn.Close()

	c, err := stun.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("failed to create STUN client: %w", err)
	}
	defer c.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var xorAddr stun.XORMappedAddress
	var errResult error
	done := make(chan struct{})

	go func() {
		err := c.Do(message, func(res stun.Event) {
			if res.Error != nil {
				errResult = res.Error
				return
			}
			if err := xorAddr.GetFrom(res.Message); err != nil {
				errResult = err
			}
		})
		if err != nil {
			errResult = err
		}
		close(done)
	}()

	select {
	case <-done:
		if errResult != nil {
			return "", fmt.Errorf("STUN request failed: %w", errResult)
		}
		return xorAddr.IP.String(), nil
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("STUN request timed out")
	}
}

// ProxiedLatency measures how long a TCP dial to target takes when routed
// through the engine's local SOCKS5 inbound at socksAddr. This exercises
// the full tunnel, unlike Probe's direct connect to the node.
func ProxiedLatency(socksAddr, target string, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	client, err := socks5.NewClient(socksAddr, "", "", int(timeout.Seconds()), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to create SOCKS client: %w", err)
	}

	start := time.Now()
	conn, err := client.Dial("tcp", target)
	if err != nil {
		return 0, fmt.Errorf("proxied dial to %s failed: %w", target, err)
	}
	conn.Close()

	ms := int(time.Since(start).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return ms, nil
}
