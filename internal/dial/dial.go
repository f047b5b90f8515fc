// Package dial implements the outbound transport matrix: given a target
// authority, the resolved upstream descriptor, and what the caller intends
// to do with the stream, it returns a single byte-stream abstraction with
// no knowledge of what wraps it (spec.md §4.3).
package dial

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/kffl/tlsproxy/internal/authority"
	"github.com/kffl/tlsproxy/internal/classify"
	"github.com/kffl/tlsproxy/internal/upstreamcfg"
)

// Usage tells the Dialer what the caller intends to do with the returned
// stream, which determines whether a CONNECT handshake and/or a TLS wrap
// to the target happen before the stream is handed back.
type Usage int

const (
	// ConnectTunnel returns an opaque byte stream to target; the client
	// speaks its own end-to-end protocol (usually TLS) over it untouched.
	ConnectTunnel Usage = iota
	// ForwardHTTP returns a stream on which the caller writes a
	// proxy-form HTTP/1.1 request directly (no TLS wrap).
	ForwardHTTP
	// ForwardHTTPS returns a stream already TLS-wrapped to target, with
	// full certificate verification; the caller writes a plain HTTP/1.1
	// request over it as if it were a direct HTTPS connection.
	ForwardHTTPS
)

// Error is returned by Dial on any negotiation failure. Tag lets callers
// map directly to a client-facing status (502 vs 504) without
// re-classifying the underlying error.
type Error struct {
	Tag classify.Tag
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Tag: classify.Classify(err), Err: err}
}

// Dialer resolves target authorities into outbound streams per spec.md
// §4.3's matrix. It is safe for concurrent use: Upstream is read-only
// after construction (spec.md §3's invariant), and every Dial call opens
// its own connection.
type Dialer struct {
	Upstream upstreamcfg.Descriptor
	// ConnectTimeout bounds every TCP connect and upstream negotiation.
	ConnectTimeout time.Duration
	// InsecureSkipVerifyUpstream controls whether the TLS leg to an
	// HTTPS upstream proxy itself is certificate-checked. It never
	// applies to the origin leg of a forward-https request, which is
	// always verified (spec.md §4.5 step 5 / §9's preserved asymmetry).
	InsecureSkipVerifyUpstream bool
}

func New(upstream upstreamcfg.Descriptor, connectTimeout time.Duration) *Dialer {
	return &Dialer{Upstream: upstream, ConnectTimeout: connectTimeout}
}

// Dial returns an outbound stream to target per the usage/upstream matrix.
func (d *Dialer) Dial(ctx context.Context, target authority.Target, usage Usage) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	switch d.Upstream.Scheme {
	case upstreamcfg.Direct:
		return d.dialDirect(ctx, target, usage)
	case upstreamcfg.HTTPProxy, upstreamcfg.HTTPSProxy:
		return d.dialViaHTTPUpstream(ctx, target, usage)
	case upstreamcfg.SOCKS5:
		return d.dialViaSOCKS5(ctx, target, usage)
	case upstreamcfg.SOCKS4:
		return d.dialViaSOCKS4(ctx, target, usage)
	default:
		return nil, wrapErr(fmt.Errorf("dial: unknown upstream scheme %v", d.Upstream.Scheme))
	}
}

func (d *Dialer) timeout() time.Duration {
	if d.ConnectTimeout <= 0 {
		return 30 * time.Second
	}
	return d.ConnectTimeout
}

// dialDirect opens a TCP connection straight to target, TLS-wrapping it
// when the caller asked for forward-https.
func (d *Dialer) dialDirect(ctx context.Context, target authority.Target, usage Usage) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", target.String())
	if err != nil {
		return nil, wrapErr(err)
	}
	if usage == ForwardHTTPS {
		return tlsWrapVerified(ctx, conn, target.Host)
	}
	return conn, nil
}

// dialViaHTTPUpstream handles both the http and https upstream variants:
// the only difference between them is whether the leg to the upstream
// proxy itself is TLS-wrapped before anything else happens.
func (d *Dialer) dialViaHTTPUpstream(ctx context.Context, target authority.Target, usage Usage) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", d.Upstream.Addr())
	if err != nil {
		return nil, wrapErr(err)
	}

	if d.Upstream.Scheme == upstreamcfg.HTTPSProxy {
		tlsConn, err := tlsWrapUpstreamLeg(ctx, conn, d.Upstream.Host, d.InsecureSkipVerifyUpstream)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	if usage == ForwardHTTP {
		// Caller writes a proxy-form request directly on this stream.
		return conn, nil
	}

	preface, err := connectHandshake(ctx, conn, target, d.Upstream.Creds)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if len(preface) > 0 {
		conn = &prefaceConn{Conn: conn, preface: preface}
	}

	if usage == ForwardHTTPS {
		return tlsWrapVerified(ctx, conn, target.Host)
	}
	return conn, nil
}

// connectHandshake writes an HTTP CONNECT request for target over conn and
// requires a 2xx response, mirroring the teacher's GetProxyConn tail. It
// returns any bytes the response reader buffered past the status line and
// headers, which belong to the target's own reply and must still reach
// whoever reads from conn next (spec.md §4.4 step 6, mirrored for the
// upstream leg per §8's testable property).
func connectHandshake(ctx context.Context, conn net.Conn, target authority.Target, creds *upstreamcfg.Credentials) ([]byte, error) {
	req := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: target.String()},
		Host:   target.String(),
		Header: http.Header{},
	}
	if creds != nil {
		auth := creds.User + ":" + creds.Password
		req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}

	type result struct {
		resp    *http.Response
		preface []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		if err := req.Write(conn); err != nil {
			done <- result{err: err}
			return
		}
		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			done <- result{err: err}
			return
		}
		var preface []byte
		if n := br.Buffered(); n > 0 {
			preface = make([]byte, n)
			_, _ = io.ReadFull(br, preface)
		}
		done <- result{resp: resp, preface: preface}
	}()

	select {
	case <-ctx.Done():
		return nil, wrapErr(ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, wrapErr(r.err)
		}
		if r.resp.StatusCode < 200 || r.resp.StatusCode >= 300 {
			return nil, wrapErr(fmt.Errorf("upstream CONNECT failed: %s", r.resp.Status))
		}
		return r.preface, nil
	}
}

// prefaceConn replays bytes buffered past an upstream handshake's status
// line before resuming reads from the underlying connection.
type prefaceConn struct {
	net.Conn
	preface []byte
}

func (c *prefaceConn) Read(b []byte) (int, error) {
	if len(c.preface) > 0 {
		n := copy(b, c.preface)
		c.preface = c.preface[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// NetConn forwards to the wrapped conn's own NetConn so pump.Splice can
// still reach the underlying *net.TCPConn's CloseWrite through this extra
// layer of wrapping, same as proxy/server.go's countedConn.
func (c *prefaceConn) NetConn() net.Conn {
	if nc, ok := c.Conn.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return c.Conn
}

// tlsWrapUpstreamLeg TLS-wraps the connection to an HTTPS upstream proxy.
func tlsWrapUpstreamLeg(ctx context.Context, conn net.Conn, sni string, insecure bool) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{ServerName: sni, InsecureSkipVerify: insecure}) //nolint:gosec // explicit opt-in only
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, wrapErr(err)
	}
	return tlsConn, nil
}

// tlsWrapVerified TLS-wraps conn to the origin host with full certificate
// verification against the system trust store. The proxy never relaxes
// this for forward-fetch (spec.md §4.5 step 5).
func tlsWrapVerified(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, wrapErr(err)
	}
	return tlsConn, nil
}

// dialViaSOCKS5 negotiates RFC 1928 against the upstream and issues a
// CONNECT command for target, regardless of usage; forward-https then
// layers a verified TLS handshake on top, same as the direct case.
func (d *Dialer) dialViaSOCKS5(ctx context.Context, target authority.Target, usage Usage) (net.Conn, error) {
	var auth *proxy.Auth
	if d.Upstream.Creds != nil {
		auth = &proxy.Auth{User: d.Upstream.Creds.User, Password: d.Upstream.Creds.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.Upstream.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, wrapErr(err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, wrapErr(errors.New("socks5 dialer does not support DialContext"))
	}

	conn, err := ctxDialer.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return nil, wrapErr(err)
	}

	if usage == ForwardHTTPS {
		return tlsWrapVerified(ctx, conn, target.Host)
	}
	return conn, nil
}

// dialViaSOCKS4 implements the SOCKS4/SOCKS4A CONNECT handshake by hand:
// golang.org/x/net/proxy has no SOCKS4 support (see DESIGN.md).
func (d *Dialer) dialViaSOCKS4(ctx context.Context, target authority.Target, usage Usage) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", d.Upstream.Addr())
	if err != nil {
		return nil, wrapErr(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := socks4Connect(conn, target); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	if usage == ForwardHTTPS {
		return tlsWrapVerified(ctx, conn, target.Host)
	}
	return conn, nil
}

func socks4Connect(conn net.Conn, target authority.Target) error {
	ip := net.ParseIP(target.Host)
	var req []byte
	if ip != nil && ip.To4() != nil {
		req = buildSocks4Request(ip.To4(), target.Port, "")
	} else {
		// SOCKS4A: 0.0.0.x placeholder IP plus a trailing domain name.
		req = buildSocks4Request(net.IPv4(0, 0, 0, 1), target.Port, target.Host)
	}

	if _, err := conn.Write(req); err != nil {
		return wrapErr(err)
	}

	reply := make([]byte, 8)
	if _, err := readFull(conn, reply); err != nil {
		return wrapErr(err)
	}
	if reply[0] != 0x00 || reply[1] != 0x5a {
		return wrapErr(fmt.Errorf("socks4 connect rejected, code 0x%02x", reply[1]))
	}
	return nil
}

func buildSocks4Request(ip net.IP, port int, domain string) []byte {
	buf := make([]byte, 0, 9+len(domain)+1)
	buf = append(buf, 0x04, 0x01) // version 4, CONNECT
	buf = append(buf, byte(port>>8), byte(port))
	buf = append(buf, ip.To4()...)
	buf = append(buf, 0x00) // empty USERID
	if domain != "" {
		buf = append(buf, []byte(domain)...)
		buf = append(buf, 0x00)
	}
	return buf
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
