// Package classify maps low-level I/O and TLS errors into a small set of
// tags that every component uses to decide how loudly to log and whether
// the client can still be told what happened.
package classify

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
)

// Tag is the classifier's verdict on an error.
type Tag int

const (
	// Report is the default: log at error level, nothing is known to be benign.
	Report Tag = iota
	// BenignDrop is background noise from clients probing or disconnecting
	// mid-handshake. Never worth an error-level log.
	BenignDrop
	// SSLVersionMismatch means the client almost certainly spoke plain HTTP
	// (or an unsupported TLS version) to the TLS port.
	SSLVersionMismatch
	// SSLUnknownCA means the client doesn't trust our certificate.
	SSLUnknownCA
	// Timeout means a deadline fired: handshake, dial, idle, or request.
	Timeout
	// Fatal affects the listener itself and may warrant re-establishing it.
	Fatal
)

func (t Tag) String() string {
	switch t {
	case BenignDrop:
		return "benign-drop"
	case SSLVersionMismatch:
		return "ssl-version-mismatch"
	case SSLUnknownCA:
		return "ssl-unknown-ca"
	case Timeout:
		return "timeout"
	case Fatal:
		return "fatal"
	default:
		return "report"
	}
}

// benignSubstrings mirrors the teacher's normalErrMsgs in proxy/helper.go,
// generalized with the additional strings spec.md §7 calls out by name.
var benignSubstrings = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"reset by peer",
	"broken pipe",
	"i/o timeout",
	"net/http: TLS handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
	"socket hang up",
	"client network socket disconnected",
	"before secure tls connection",
	"not connected", // ENOTCONN: "socket is not connected", "transport endpoint is not connected"
	"not ready",
}

// versionMismatchSubstrings flag a client that spoke the wrong protocol
// version (typically plaintext HTTP) at the TLS listener.
var versionMismatchSubstrings = []string{
	"tls: first record does not look like a tls handshake",
	"tls: record header looks like a http",
	"wrong version number",
	"unsupported protocol",
}

var unknownCASubstrings = []string{
	"x509: certificate signed by unknown authority",
	"certificate is not trusted",
	"tls: unknown certificate authority",
	"bad certificate",
}

// Classify inspects err and returns the bucket that should drive logging
// and client-response decisions. A nil error classifies as Report, which
// callers should treat as "nothing to log" by never calling Classify(nil).
func Classify(err error) Tag {
	if err == nil {
		return Report
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return SSLVersionMismatch
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return SSLUnknownCA
	}

	msg := strings.ToLower(err.Error())

	for _, s := range versionMismatchSubstrings {
		if strings.Contains(msg, s) {
			return SSLVersionMismatch
		}
	}
	for _, s := range unknownCASubstrings {
		if strings.Contains(msg, s) {
			return SSLUnknownCA
		}
	}
	for _, s := range benignSubstrings {
		if strings.Contains(msg, s) {
			return BenignDrop
		}
	}

	if errors.Is(err, net.ErrClosed) {
		return BenignDrop
	}

	return Report
}
