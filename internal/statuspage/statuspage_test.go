package statuspage_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"

	"github.com/kffl/tlsproxy/internal/statuspage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeHTTPOriginFormReturnsHTML(t *testing.T) {
	c := qt.New(t)
	h := &statuspage.Handler{Logger: discardLogger(), ServerAgent: "tlsproxy/test"}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Header().Get("Content-Type"), qt.Equals, "text/html; charset=utf-8")
	c.Assert(strings.Contains(rec.Body.String(), "tlsproxy/test"), qt.IsTrue)
}

func TestServeHTTPOptionsPreflightHasCORSHeaders(t *testing.T) {
	c := qt.New(t)
	h := &statuspage.Handler{Logger: discardLogger()}

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Header().Get("Access-Control-Allow-Origin"), qt.Equals, "*")
	c.Assert(rec.Header().Get("Access-Control-Allow-Methods"), qt.Equals, "*")
	c.Assert(rec.Header().Get("Access-Control-Allow-Headers"), qt.Equals, "*")
}

func TestServeEchoRoundTrip(t *testing.T) {
	c := qt.New(t)
	h := &statuspage.Handler{Logger: discardLogger()}

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/__tlsproxy/echo"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	c.Assert(err, qt.IsNil)
	defer conn.Close()

	c.Assert(conn.WriteMessage(websocket.TextMessage, []byte("ping")), qt.IsNil)

	msgType, data, err := conn.ReadMessage()
	c.Assert(err, qt.IsNil)
	c.Assert(msgType, qt.Equals, websocket.TextMessage)
	c.Assert(string(data), qt.Equals, "ping")
}
