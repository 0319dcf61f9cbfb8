// Package netutil provides shared HTTP client construction and network
// error classification.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	// DialTimeout bounds a single TCP connect attempt.
	DialTimeout = 5 * time.Second
	// RequestTimeout bounds a complete HTTP request.
	RequestTimeout = 10 * time.Second
)

// NewHTTPClient returns an HTTP client with bounded dial and request
// timeouts. Used for the geolocation API calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// IsTimeout reports whether err represents a timeout rather than a hard
// failure. DNS and refused-connection errors are not timeouts.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNetworkError reports whether err is a network-level failure of any kind.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ErrorMessage returns a short human-readable description of a network error.
func ErrorMessage(err error) string {
	if err == nil {
		return "unknown network error"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "network timeout: connection timed out"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return "network error: cannot connect to server"
		}
		return fmt.Sprintf("network error: %s", opErr.Error())
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("DNS error: cannot resolve hostname (%s)", dnsErr.Name)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timeout: operation took too long"
	}
	if errors.Is(err, context.Canceled) {
		return "request canceled"
	}
	return fmt.Sprintf("network error: %s", err.Error())
}
