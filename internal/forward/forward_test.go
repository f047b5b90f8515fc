package forward_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/kffl/tlsproxy/internal/authority"
	"github.com/kffl/tlsproxy/internal/dial"
	"github.com/kffl/tlsproxy/internal/forward"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOrigin starts a raw TCP listener that speaks one HTTP/1.1 exchange:
// it reads a request, asserts on it, and writes back a canned response.
func fakeOrigin(t *testing.T, assertReq func(*testing.T, *http.Request)) authority.Target {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		if assertReq != nil {
			assertReq(t, req)
		}
		io.Copy(io.Discard, req.Body)
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	}()
	tgt, err := authority.Parse(ln.Addr().String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return tgt
}

type directDialer struct{}

func (directDialer) Dial(ctx context.Context, target authority.Target, usage dial.Usage) (net.Conn, error) {
	return net.Dial("tcp", target.String())
}

func TestServeForwardStripsHopByHopHeaders(t *testing.T) {
	c := qt.New(t)
	var seen http.Header
	tgt := fakeOrigin(t, func(t *testing.T, r *http.Request) {
		seen = r.Header.Clone()
	})

	h := &forward.Handler{Dialer: directDialer{}, Logger: discardLogger()}

	req := httptest.NewRequest(http.MethodGet, "http://"+tgt.String()+"/path", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic xxx")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Custom", "value")
	req.URL.Scheme = "http"
	req.URL.Host = tgt.String()
	req.Host = tgt.String()

	rec := httptest.NewRecorder()
	h.ServeForward(rec, req)

	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Body.String(), qt.Equals, "hello")

	c.Assert(seen.Get("Proxy-Connection"), qt.Equals, "")
	c.Assert(seen.Get("Proxy-Authorization"), qt.Equals, "")
	c.Assert(seen.Get("X-Custom"), qt.Equals, "value")
}

func TestServeForwardRejectsBadScheme(t *testing.T) {
	c := qt.New(t)
	h := &forward.Handler{Dialer: directDialer{}, Logger: discardLogger()}

	req := httptest.NewRequest(http.MethodGet, "ftp://example.test/", nil)
	req.URL.Scheme = "ftp"
	req.URL.Host = "example.test"
	req.Host = "example.test"

	rec := httptest.NewRecorder()
	h.ServeForward(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
}

func TestServeForwardRejectsDisallowedMethod(t *testing.T) {
	c := qt.New(t)
	h := &forward.Handler{Dialer: directDialer{}, Logger: discardLogger()}

	req := httptest.NewRequest("TRACE", "http://example.test/", nil)
	req.URL.Scheme = "http"
	req.URL.Host = "example.test"
	req.Host = "example.test"

	rec := httptest.NewRecorder()
	h.ServeForward(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusMethodNotAllowed)
}

func TestServeForwardRejectsMissingHost(t *testing.T) {
	c := qt.New(t)
	h := &forward.Handler{Dialer: directDialer{}, Logger: discardLogger()}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.URL.Scheme = "http"
	req.URL.Host = "example.test"
	req.Host = ""

	rec := httptest.NewRecorder()
	h.ServeForward(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
}
