package proxy

import (
	"crypto/tls"
	"time"

	"github.com/kffl/tlsproxy/internal/upstreamcfg"
)

// Config holds the proxy's immutable startup configuration. It is built
// once and never mutated afterward; concurrent readers need no
// synchronization (spec.md §3, §5).
type Config struct {
	// Addr is the listen address, e.g. ":10443".
	Addr string

	// Identity is the TLS server identity presented to every client
	// regardless of requested SNI (spec.md §4.1).
	Identity tls.Certificate

	// Upstream is the resolved upstream-proxy descriptor, or the direct
	// sentinel if none is configured (spec.md §4.2).
	Upstream upstreamcfg.Descriptor

	// InsecureSkipVerifyUpstream controls whether the TLS leg to an HTTPS
	// upstream proxy is itself certificate-checked; it never relaxes
	// verification of the origin server in a forward-https request.
	InsecureSkipVerifyUpstream bool

	// HandshakeTimeout bounds the server-side TLS handshake. Default 45s.
	HandshakeTimeout time.Duration
	// DialTimeout bounds TCP connect and upstream negotiation. Default 30s.
	DialTimeout time.Duration
	// RequestTimeout bounds a forward-fetch request end-to-end. Default 30s.
	RequestTimeout time.Duration
	// IdleTimeout is the splice idle timeout for ordinary tunnels. Default 60s.
	IdleTimeout time.Duration
	// LongIdleTimeout is used once a tunnel's target matches LongIdleHosts,
	// to tolerate long-lived WebSocket sessions. Default 120s.
	LongIdleTimeout time.Duration
	// LongIdleHosts is an operator-configured glob pattern list (spec.md §5).
	LongIdleHosts upstreamcfg.PatternList

	// ShutdownGrace bounds how long in-flight connections are given to
	// drain on SIGINT/SIGTERM before being forcibly closed.
	ShutdownGrace time.Duration

	// ServerAgent names this proxy in the CONNECT 200 response and the
	// status page (spec.md §4.4 step 5).
	ServerAgent string

	// ProxyAuth, in "user:password" form, gates the proxy's own front
	// door with HTTP Basic auth via Proxy-Authorization. Empty disables
	// it (the default). This is orthogonal to the forwarding decision
	// itself, which spec.md's non-goals keep free of any access-control
	// policy.
	ProxyAuth string
}

func (c Config) handshakeTimeout() time.Duration { return orDefault(c.HandshakeTimeout, 45*time.Second) }
func (c Config) dialTimeout() time.Duration      { return orDefault(c.DialTimeout, 30*time.Second) }
func (c Config) requestTimeout() time.Duration   { return orDefault(c.RequestTimeout, 30*time.Second) }
func (c Config) idleTimeout() time.Duration      { return orDefault(c.IdleTimeout, 60*time.Second) }
func (c Config) longIdleTimeout() time.Duration  { return orDefault(c.LongIdleTimeout, 120*time.Second) }
func (c Config) shutdownGrace() time.Duration    { return orDefault(c.ShutdownGrace, 10*time.Second) }

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
