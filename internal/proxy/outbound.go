package proxy

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newOutboundClient builds the upstream HTTP client: connect=10s,
// read/write/total=60s, with a configurable keep-alive pool. Optional
// HTTP/2 upstream support is enabled via golang.org/x/net/http2.ConfigureTransport
// when the runtime supports it; otherwise the transport falls back to
// HTTP/1.1 keep-alive.
func newOutboundClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.OutboundMaxConnections,
		MaxIdleConnsPerHost:   cfg.OutboundMaxKeepalive,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// Best-effort HTTP/2 upgrade; a transport that can't be configured for
	// h2 (e.g. TLS-less environments without prior-knowledge support) is
	// left as plain HTTP/1.1 keep-alive.
	_ = http2.ConfigureTransport(transport)

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}
