package upstreamcfg

import (
	"net"
	"strings"

	"github.com/tidwall/match"
)

// PatternList is a configurable set of glob patterns (e.g. "*.example.com",
// "*.example.com:8443") used by the Tunnel Handler to decide whether a
// target's idle timeout should be promoted (60s to 120s by default) to tolerate
// long-lived WebSocket sessions (spec.md §5). It generalizes the ad-hoc
// "hostname contains tradingview" heuristic spec.md §9 calls out.
type PatternList []string

// ParsePatternList splits a comma-separated operator setting (e.g. the
// LONG_IDLE_HOSTS environment variable) into a PatternList, trimming
// whitespace and dropping empty entries.
func ParsePatternList(raw string) PatternList {
	var out PatternList
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Match reports whether addr (a host:port authority) matches any pattern
// in the list. A pattern without a port matches addr's host alone; a
// pattern with a port must match both.
func (pl PatternList) Match(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = ""
	}

	for _, pattern := range pl {
		pHost, pPort, hasPort := strings.Cut(pattern, ":")
		if !hasPort {
			if match.Match(host, pattern) {
				return true
			}
			continue
		}
		if match.Match(host, pHost) && port == pPort {
			return true
		}
	}
	return false
}
