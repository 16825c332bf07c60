// Package httpc holds the shared network defaults for outbound connections.
// Use these instead of a zero net.Dialer so connects always time out.
package httpc

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Default timeouts for outbound connections.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultTLSTimeout     = 10 * time.Second
)

var dialer = &net.Dialer{
	Timeout:   DefaultConnectTimeout,
	KeepAlive: DefaultKeepAlive,
}

// DialContext dials TCP with the shared connect timeout and keep-alive.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return dialer.DialContext(ctx, network, addr)
}

// Header returns a request header carrying the client's User-Agent.
func Header(userAgent string) http.Header {
	h := http.Header{}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	return h
}
