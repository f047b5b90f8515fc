// Package tunnel implements the CONNECT handler: it validates the target
// authority, dials an outbound tunnel-usage stream, establishes the
// client-facing 200 response, and hands both streams to the Splicer
// (spec.md §4.4).
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kffl/tlsproxy/internal/authority"
	"github.com/kffl/tlsproxy/internal/dial"
	"github.com/kffl/tlsproxy/internal/pump"
	"github.com/kffl/tlsproxy/internal/upstreamcfg"
)

// DefaultIdleTimeout governs ordinary tunnels; SplicingIdleTimeout is
// used for hosts promoted by an upstreamcfg.PatternList match, to
// tolerate long-lived WebSocket sessions (spec.md §4.4 step 3, §5).
const (
	DefaultIdleTimeout  = 60 * time.Second
	SplicingIdleTimeout = 120 * time.Second
)

// Dialer is the subset of *dial.Dialer the handler needs, so tests can
// substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, target authority.Target, usage dial.Usage) (net.Conn, error)
}

// Handler processes CONNECT requests per spec.md §4.4.
type Handler struct {
	Dialer      Dialer
	Logger      *slog.Logger
	ServerAgent string
	// LongIdleHosts, when a target matches, promotes the splice idle
	// timeout from IdleTimeout to LongIdleTimeout.
	LongIdleHosts upstreamcfg.PatternList
	// IdleTimeout is the splice idle timeout for ordinary tunnels. Zero
	// falls back to DefaultIdleTimeout.
	IdleTimeout time.Duration
	// LongIdleTimeout is used once a tunnel's target matches
	// LongIdleHosts. Zero falls back to SplicingIdleTimeout.
	LongIdleTimeout time.Duration
}

// Hijacker is the part of http.ResponseWriter the handler needs to take
// over the raw connection after a CONNECT request.
type Hijacker interface {
	http.Hijacker
}

// ServeCONNECT handles req (method CONNECT) over res, hijacking the
// underlying connection on success. The caller's http.Server must not
// touch res or req again once this returns.
func (h *Handler) ServeCONNECT(res http.ResponseWriter, req *http.Request) {
	logger := h.Logger.With("in", "tunnel.ServeCONNECT", "host", req.Host)

	target, err := authority.Parse(req.Host, 443)
	if err != nil {
		httpError(res, "invalid CONNECT target", http.StatusBadRequest)
		return
	}

	outbound, err := h.Dialer.Dial(req.Context(), target, dial.ConnectTunnel)
	if err != nil {
		writeDialFailure(res, err)
		return
	}

	hijacker, ok := res.(http.Hijacker)
	if !ok {
		outbound.Close()
		httpError(res, "hijack not supported", http.StatusInternalServerError)
		return
	}
	clientConn, rw, err := hijacker.Hijack()
	if err != nil {
		outbound.Close()
		logger.Error("hijack failed", "error", err)
		return
	}

	applyHygiene(clientConn)
	applyHygiene(outbound)

	if _, err := io.WriteString(clientConn, connectEstablishedResponse(h.ServerAgent)); err != nil {
		clientConn.Close()
		outbound.Close()
		return
	}

	// Any bytes the request parser already buffered past the CONNECT
	// request's CRLFCRLF are the start of the client's TLS ClientHello
	// and must reach the outbound stream before the splicer takes over
	// (spec.md §4.4 step 6).
	if rw != nil && rw.Reader != nil {
		if n := rw.Reader.Buffered(); n > 0 {
			buffered := make([]byte, n)
			if _, err := io.ReadFull(rw.Reader, buffered); err == nil {
				if _, err := outbound.Write(buffered); err != nil {
					clientConn.Close()
					outbound.Close()
					return
				}
			}
		}
	}

	idleTimeout := h.idleTimeout()
	if h.LongIdleHosts.Match(target.String()) {
		idleTimeout = h.longIdleTimeout()
	}

	// Errors observed from here on are logged but not reported: the
	// client is already in tunnel mode and HTTP framing no longer
	// applies.
	pump.Splice(logger, clientConn, outbound, idleTimeout)
}

func (h *Handler) idleTimeout() time.Duration {
	if h.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return h.IdleTimeout
}

func (h *Handler) longIdleTimeout() time.Duration {
	if h.LongIdleTimeout <= 0 {
		return SplicingIdleTimeout
	}
	return h.LongIdleTimeout
}

func connectEstablishedResponse(agent string) string {
	if agent == "" {
		agent = "tlsproxy"
	}
	return fmt.Sprintf(
		"HTTP/1.1 200 Connection Established\r\nProxy-agent: %s\r\nConnection: keep-alive\r\nKeep-Alive: timeout=60, max=1000\r\nProxy-Connection: keep-alive\r\n\r\n",
		agent,
	)
}

// applyHygiene enables TCP keepalive and disables Nagle. It reaches
// through one wrapper exposing NetConn (a TLS connection, the listener's
// counted connection) and is a no-op when what it finds is not a
// *net.TCPConn; the actual idle teardown is the Splicer's activity
// watchdog, not a fixed socket deadline, since the deadline would fire
// regardless of traffic.
func applyHygiene(conn net.Conn) {
	if nc, ok := conn.(interface{ NetConn() net.Conn }); ok {
		conn = nc.NetConn()
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	_ = tc.SetNoDelay(true)
}

func writeDialFailure(res http.ResponseWriter, err error) {
	var derr *dial.Error
	if errors.As(err, &derr) {
		if isTimeout(derr) {
			httpError(res, derr.Error(), http.StatusGatewayTimeout)
			return
		}
	}
	httpError(res, err.Error(), http.StatusBadGateway)
}

func isTimeout(derr *dial.Error) bool {
	return derr.Tag.String() == "timeout"
}

func httpError(res http.ResponseWriter, msg string, code int) {
	res.Header().Set("Content-Type", "text/plain; charset=utf-8")
	res.WriteHeader(code)
	_, _ = io.WriteString(res, msg+"\n")
}
