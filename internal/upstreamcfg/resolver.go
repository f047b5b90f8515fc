// Package upstreamcfg resolves the single upstream proxy (if any) this
// process should chain through, once, at startup.
package upstreamcfg

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/samber/lo"
)

// Scheme tags which variant of upstream a Descriptor describes.
type Scheme int

const (
	// Direct means no upstream: dial the target directly.
	Direct Scheme = iota
	HTTPProxy
	HTTPSProxy
	SOCKS5
	SOCKS4
)

func (s Scheme) String() string {
	switch s {
	case HTTPProxy:
		return "http"
	case HTTPSProxy:
		return "https"
	case SOCKS5:
		return "socks5"
	case SOCKS4:
		return "socks4"
	default:
		return "direct"
	}
}

// Credentials is optional Proxy-Authorization / SOCKS username+password
// material carried by the upstream URL.
type Credentials struct {
	User     string
	Password string
}

// Descriptor is the immutable result of resolving the upstream proxy.
// Once built at startup it is never mutated; concurrent readers in the
// Dialer need no synchronization (spec.md §3's invariant).
type Descriptor struct {
	Scheme Scheme
	Host   string
	Port   int
	Creds  *Credentials
}

// IsDirect reports whether no upstream proxy should be used.
func (d Descriptor) IsDirect() bool { return d.Scheme == Direct }

// Addr returns the upstream's host:port.
func (d Descriptor) Addr() string {
	return d.Host + ":" + strconv.Itoa(d.Port)
}

// priorityEnvVars is the fixed scan order from spec.md §4.2: first
// non-empty value wins, later variables are never consulted.
var priorityEnvVars = []string{
	"https_proxy",
	"HTTPS_PROXY",
	"http_proxy",
	"HTTP_PROXY",
	"all_proxy",
	"ALL_PROXY",
}

// Resolve scans priorityEnvVars via getenv (normally os.Getenv, injected so
// tests never touch real process environment) and produces a Descriptor.
// An empty scan, or a value that fails to parse as a URL, resolves to
// Direct. An unrecognized scheme, a missing host or a non-numeric port
// also degrades to Direct, with a warning.
func Resolve(getenv func(string) string) Descriptor {
	raw, ok := firstNonEmpty(getenv)
	if !ok {
		return Descriptor{Scheme: Direct}
	}

	u, err := url.Parse(raw)
	if err != nil {
		slog.Warn("upstreamcfg: failed to parse upstream proxy URL, falling back to direct", "value", raw, "error", err)
		return Descriptor{Scheme: Direct}
	}

	desc, err := fromURL(u)
	if err != nil {
		slog.Warn("upstreamcfg: unusable upstream proxy URL, falling back to direct", "scheme", u.Scheme, "error", err)
		return Descriptor{Scheme: Direct}
	}
	return desc
}

func firstNonEmpty(getenv func(string) string) (string, bool) {
	values := make([]string, len(priorityEnvVars))
	for i, name := range priorityEnvVars {
		values[i] = getenv(name)
	}
	return lo.Coalesce(values...)
}

func fromURL(u *url.URL) (Descriptor, error) {
	var scheme Scheme
	switch u.Scheme {
	case "http":
		scheme = HTTPProxy
	case "https":
		scheme = HTTPSProxy
	case "socks5", "socks5h":
		scheme = SOCKS5
	case "socks4", "socks4a":
		scheme = SOCKS4
	default:
		return Descriptor{}, fmt.Errorf("unrecognized upstream scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Descriptor{}, fmt.Errorf("missing host in upstream URL")
	}

	port, err := defaultedPort(u, scheme)
	if err != nil {
		return Descriptor{}, err
	}

	var creds *Credentials
	if u.User != nil {
		pass, _ := u.User.Password()
		creds = &Credentials{User: u.User.Username(), Password: pass}
	}

	return Descriptor{Scheme: scheme, Host: host, Port: port, Creds: creds}, nil
}

func defaultedPort(u *url.URL, scheme Scheme) (int, error) {
	if p := u.Port(); p != "" {
		return strconv.Atoi(p)
	}
	switch scheme {
	case HTTPSProxy:
		return 443, nil
	case SOCKS5, SOCKS4:
		return 1080, nil
	default:
		return 80, nil
	}
}
