// Package statuspage serves the non-proxy surface of the listener:
// origin-form requests (no absolute URL, used when someone points a
// browser straight at the proxy's port), CORS pre-flight, and a small
// diagnostic WebSocket echo endpoint (spec.md §4.1, §6).
package statuspage

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const echoPath = "/__tlsproxy/echo"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The proxy has no notion of browser origins to compare against; this
	// endpoint is a loopback diagnostic, not a public API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves origin-form requests on the proxy's own listener.
type Handler struct {
	Logger      *slog.Logger
	ServerAgent string
}

// ServeHTTP routes OPTIONS pre-flight, the diagnostic WebSocket echo
// path, and everything else to the status page.
func (h *Handler) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		h.serveCORSPreflight(res)
		return
	}
	if req.URL.Path == echoPath {
		h.serveEcho(res, req)
		return
	}
	h.servePage(res, req)
}

func (h *Handler) serveCORSPreflight(res http.ResponseWriter) {
	header := res.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "*")
	header.Set("Access-Control-Allow-Headers", "*")
	res.WriteHeader(http.StatusOK)
}

func (h *Handler) servePage(res http.ResponseWriter, req *http.Request) {
	res.Header().Set("Content-Type", "text/html; charset=utf-8")
	res.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(res, renderPage(h.ServerAgent))
}

// serveEcho upgrades the connection and echoes every text/binary message
// back to the sender, purely as a loopback smoke test that the listener
// and request dispatch are alive; it never touches tunneled traffic.
func (h *Handler) serveEcho(res http.ResponseWriter, req *http.Request) {
	logger := h.Logger.With("in", "statuspage.serveEcho")

	conn, err := upgrader.Upgrade(res, req, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("echo read ended", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if err := conn.WriteMessage(msgType, data); err != nil {
			logger.Debug("echo write failed", "error", err)
			return
		}
	}
}

func renderPage(agent string) string {
	if agent == "" {
		agent = "tlsproxy"
	}
	return `<!DOCTYPE html>
<html>
<head><title>` + agent + `</title></head>
<body>
<h1>` + agent + `</h1>
<p>This is a forward proxy, not a web site. Configure your client to use it as an HTTPS proxy.</p>
</body>
</html>
`
}
