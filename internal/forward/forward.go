// Package forward implements the Forward-Fetch Handler: plain HTTP proxy
// requests whose target is an absolute http:// or https:// URL (spec.md
// §4.5), streamed through the Dialer without buffering whole bodies.
package forward

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/kffl/tlsproxy/internal/authority"
	"github.com/kffl/tlsproxy/internal/dial"
)

// allowedMethods is the method whitelist from spec.md §4.5 step 2.
var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
}

// strippedHeaders are proxy/hop-by-hop headers that never reach the
// origin verbatim (spec.md §4.5 step 4, §8).
var strippedHeaders = map[string]bool{
	"host":                true,
	"proxy-connection":    true,
	"proxy-authorization": true,
	"connection":          true,
	"upgrade":             true,
}

func isStrippedHeader(key string) bool {
	lower := strings.ToLower(key)
	if strippedHeaders[lower] {
		return true
	}
	return strings.HasPrefix(lower, "sec-websocket-")
}

// Dialer is the subset of *dial.Dialer the handler needs.
type Dialer interface {
	Dial(ctx context.Context, target authority.Target, usage dial.Usage) (net.Conn, error)
}

// Handler processes absolute-URI forward requests per spec.md §4.5.
type Handler struct {
	Dialer Dialer
	Logger *slog.Logger
}

// ServeForward handles req, whose URL must be an absolute http(s) URL.
func (h *Handler) ServeForward(res http.ResponseWriter, req *http.Request) {
	logger := h.Logger.With("in", "forward.ServeForward", "host", req.Host, "method", req.Method)

	scheme := req.URL.Scheme
	if scheme != "http" && scheme != "https" {
		httpError(res, "unsupported scheme, use CONNECT for tunneled protocols", http.StatusBadRequest)
		return
	}
	if !allowedMethods[req.Method] {
		httpError(res, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := validateHostHeader(req.Host); err != nil {
		httpError(res, err.Error()+"; use CONNECT for non-HTTP traffic", http.StatusBadRequest)
		return
	}

	usage := dial.ForwardHTTP
	defaultPort := 80
	if scheme == "https" {
		usage = dial.ForwardHTTPS
		defaultPort = 443
	}

	target, err := authority.Parse(req.URL.Host, defaultPort)
	if err != nil {
		httpError(res, "invalid target authority", http.StatusBadRequest)
		return
	}

	outbound, err := h.Dialer.Dial(req.Context(), target, usage)
	if err != nil {
		writeDialFailure(res, err)
		return
	}
	defer outbound.Close()

	outReq := buildOutboundRequest(req, target)
	// dial.ForwardHTTP streams take a proxy-form request line; a
	// forward-https stream is already TLS-wrapped to the origin.
	write := outReq.Write
	if usage == dial.ForwardHTTP {
		write = outReq.WriteProxy
	}
	if err := write(outbound); err != nil {
		logger.Error("write to origin failed", "error", err)
		httpError(res, "failed to send request upstream", http.StatusBadGateway)
		return
	}

	br := bufio.NewReader(outbound)
	originRes, err := http.ReadResponse(br, outReq)
	if err != nil {
		logger.Error("read origin response failed", "error", err)
		httpError(res, "failed to read upstream response", http.StatusBadGateway)
		return
	}
	defer originRes.Body.Close()

	copyResponseHeaders(res.Header(), originRes.Header)
	res.WriteHeader(originRes.StatusCode)

	// Mid-stream errors here mean the client sees a truncated response,
	// which is the intended signal (spec.md §4.5 step 7).
	if _, err := io.Copy(res, originRes.Body); err != nil {
		logger.Debug("response body copy ended", "error", err)
	}
}

func validateHostHeader(host string) error {
	if host == "" {
		return errors.New("missing Host header")
	}
	if len(host) > 255 {
		return errors.New("Host header too long")
	}
	for i := 0; i < len(host); i++ {
		b := host[i]
		if b < 0x20 || b >= 0x7f {
			return errors.New("Host header contains invalid bytes")
		}
	}
	return nil
}

func buildOutboundRequest(req *http.Request, target authority.Target) *http.Request {
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	outReq.Close = false

	header := make(http.Header, len(req.Header))
	for k, v := range req.Header {
		if isStrippedHeader(k) {
			continue
		}
		header[k] = v
	}
	outReq.Header = header
	outReq.Host = hostHeaderValue(target, req.URL.Scheme)
	return outReq
}

// hostHeaderValue renders the outbound Host header, omitting the port
// when it's the scheme's default (spec.md §4.5 step 4).
func hostHeaderValue(target authority.Target, scheme string) string {
	if (scheme == "http" && target.Port == 80) || (scheme == "https" && target.Port == 443) {
		return target.Host
	}
	return target.String()
}

func copyResponseHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func writeDialFailure(res http.ResponseWriter, err error) {
	var derr *dial.Error
	if errors.As(err, &derr) && derr.Tag.String() == "timeout" {
		httpError(res, derr.Error(), http.StatusGatewayTimeout)
		return
	}
	httpError(res, err.Error(), http.StatusBadGateway)
}

func httpError(res http.ResponseWriter, msg string, code int) {
	res.Header().Set("Content-Type", "text/plain; charset=utf-8")
	res.WriteHeader(code)
	_, _ = io.WriteString(res, msg+"\n")
}
