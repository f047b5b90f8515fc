// Package proxy wires the TLS Listener, dispatcher, and outbound
// components (Dialer, Tunnel Handler, Forward-Fetch Handler, Splicer)
// into one running server (spec.md §2, §4.1).
package proxy

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/kffl/tlsproxy/internal/classify"
	"github.com/kffl/tlsproxy/internal/dial"
	"github.com/kffl/tlsproxy/internal/forward"
	"github.com/kffl/tlsproxy/internal/statuspage"
	"github.com/kffl/tlsproxy/internal/tunnel"
)

// Server owns the listening socket, performs the per-connection TLS
// handshake, and dispatches each request to the tunnel, forward, or
// status-page handler.
type Server struct {
	config     Config
	instance   *InstanceLogger
	logger     *slog.Logger
	httpServer *http.Server
	tunnelH    *tunnel.Handler
	forwardH   *forward.Handler
	pageH      *statuspage.Handler
}

// New builds a Server from config. The TLS identity and resolved
// upstream descriptor must already be populated on config.
func New(config Config) *Server {
	instance := NewInstanceLogger(config.Addr, "")
	logger := instance.GetLogger()

	dialer := dial.New(config.Upstream, config.dialTimeout())
	dialer.InsecureSkipVerifyUpstream = config.InsecureSkipVerifyUpstream

	s := &Server{
		config:   config,
		instance: instance,
		logger:   logger,
		tunnelH: &tunnel.Handler{
			Dialer:          dialer,
			Logger:          logger,
			ServerAgent:     config.ServerAgent,
			LongIdleHosts:   config.LongIdleHosts,
			IdleTimeout:     config.idleTimeout(),
			LongIdleTimeout: config.longIdleTimeout(),
		},
		forwardH: &forward.Handler{Dialer: dialer, Logger: logger},
		pageH:    &statuspage.Handler{Logger: logger, ServerAgent: config.ServerAgent},
	}

	s.httpServer = &http.Server{
		Addr:    config.Addr,
		Handler: s.recoverMiddleware(http.HandlerFunc(s.dispatch)),
	}
	return s
}

// dispatch routes each request per spec.md §2/§6: CONNECT to the Tunnel
// Handler, absolute-URI requests to the Forward-Fetch Handler, and
// everything else (origin-form, OPTIONS) to the status page.
func (s *Server) dispatch(res http.ResponseWriter, req *http.Request) {
	if !s.authorized(req) {
		res.Header().Set("Proxy-Authenticate", `Basic realm="tlsproxy"`)
		res.WriteHeader(http.StatusProxyAuthRequired)
		return
	}
	if req.Method == http.MethodConnect {
		s.tunnelH.ServeCONNECT(res, req)
		return
	}
	if req.URL.IsAbs() && req.URL.Host != "" {
		ctx, cancel := context.WithTimeout(req.Context(), s.config.requestTimeout())
		defer cancel()
		s.forwardH.ServeForward(res, req.WithContext(ctx))
		return
	}
	s.pageH.ServeHTTP(res, req)
}

// authorized checks the front door's optional Proxy-Authorization basic
// auth (spec.md §7's supplemented feature). It is always true when
// Config.ProxyAuth is empty, the default.
func (s *Server) authorized(req *http.Request) bool {
	if s.config.ProxyAuth == "" {
		return true
	}

	const prefix = "Basic "
	header := req.Header.Get("Proxy-Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(decoded, []byte(s.config.ProxyAuth)) == 1
}

// recoverMiddleware implements the per-connection half of the Supervisor
// (spec.md §4.8): a panic in any handler is logged with its stack and
// only that connection is lost, never the process.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in connection handler", "panic", r, "host", req.Host, "stack", string(debug.Stack()))
			}
		}()
		next.ServeHTTP(res, req)
	})
}

// ListenAndServe binds the listen address, performs the TLS handshake
// for each accepted connection with a bounded deadline, and serves
// HTTP/1.1 over the handshaked streams until Shutdown or Close is called.
func (s *Server) ListenAndServe() error {
	raw, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.config.Identity},
		MinVersion:   tls.VersionTLS10,
	}

	ln := &handshakingListener{
		Listener:         raw,
		tlsConfig:        tlsConfig,
		handshakeTimeout: s.config.handshakeTimeout(),
		logger:           s.logger,
		instance:         s.instance,
	}

	s.logger.Info("proxy listening")
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// connections to drain until ctx is done (spec.md §4.8). Run bounds ctx
// with Config.ShutdownGrace.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close immediately tears down the listener and all active connections.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// handshakingListener performs the server-side TLS handshake inside
// Accept itself, so a hostile or broken client never reaches the HTTP
// layer and every handshake failure goes through the classifier before
// it's logged (spec.md §4.1). Grounded on the teacher's wrapListener
// (proxy/entry.go), generalized from "attach connection context" to
// "perform and bound the handshake".
type handshakingListener struct {
	net.Listener
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
	logger           *slog.Logger
	instance         *InstanceLogger
}

func (l *handshakingListener) Accept() (net.Conn, error) {
	for {
		raw, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		tlsConn := tls.Server(raw, l.tlsConfig)
		ctx, cancel := context.WithTimeout(context.Background(), l.handshakeTimeout)
		err = tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			tag := classify.Classify(err)
			if tag == classify.BenignDrop {
				l.logger.Debug("tls handshake failed", "error", err, "tag", tag.String())
			} else {
				l.logger.Warn("tls handshake failed", "error", err, "tag", tag.String())
			}
			tlsConn.Close()
			continue
		}

		active := l.instance.ConnAccepted()
		l.logger.Debug("connection accepted", "active", active)
		return &countedConn{Conn: tlsConn, instance: l.instance}, nil
	}
}

// countedConn decrements the instance's active-connection count exactly
// once when the handshaked connection is closed, however that happens
// (client hangup, splice teardown, or server shutdown).
type countedConn struct {
	net.Conn
	instance *InstanceLogger
	once     sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(func() { c.instance.ConnClosed() })
	return c.Conn.Close()
}

// NetConn exposes the wrapped *tls.Conn's own NetConn so pump.Splice can
// still reach the underlying *net.TCPConn's CloseWrite through this extra
// layer of wrapping.
func (c *countedConn) NetConn() net.Conn {
	if nc, ok := c.Conn.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return c.Conn
}
