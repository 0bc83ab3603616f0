package proxy

import "net/http"

// hopByHopHeaders is the set stripped from both the inbound request before
// forwarding upstream and the upstream response before returning it to the
// client: RFC 7230 §6.1's hop-by-hop headers plus the payload-framing
// headers that must be recomputed per-hop.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Content-Encoding",
	"Host",
}

// stripHopByHop removes the hop-by-hop header set from h in place.
func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// copyHeaders copies every header from src into dst except the hop-by-hop
// set, which is never forwarded in either direction.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		switch name {
		case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
			"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
			"Content-Encoding", "Host":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
