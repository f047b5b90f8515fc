// Package pump implements the bidirectional byte-pump that couples two
// opened streams for the lifetime of a tunnel (spec.md §4.6).
package pump

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kffl/tlsproxy/internal/classify"
)

// Splice copies bytes a->b and b->a until either side reaches EOF or
// errors, then force-closes both ends exactly once. If idleTimeout is
// positive, a watchdog cancels the splice (closing both ends) when no
// bytes have flowed in either direction for that long. Grounded on the
// teacher's proxy/helper.go transfer() and its near-duplicate in
// proxy/internal/websocket/handler.go, which this consolidates into one
// implementation.
func Splice(logger *slog.Logger, a, b io.ReadWriteCloser, idleTimeout time.Duration) {
	var activity atomicTime
	activity.touch()

	var watchdogDone chan struct{}
	if idleTimeout > 0 {
		watchdogDone = make(chan struct{})
		go watchdog(&activity, idleTimeout, a, b, watchdogDone)
		defer close(watchdogDone)
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			halfCloseOrClose(a)
			halfCloseOrClose(b)
		})
	}

	errChan := make(chan error, 2)
	go func() {
		err := copyTracked(a, b, &activity)
		halfCloseWrite(b)
		errChan <- err
	}()
	go func() {
		err := copyTracked(b, a, &activity)
		halfCloseWrite(a)
		errChan <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			if tag := classify.Classify(err); tag != classify.BenignDrop {
				logger.Error("splice error", "error", err, "tag", tag.String())
			} else {
				logger.Debug("splice ended", "error", err)
			}
		}
	}
	closeBoth()
}

func copyTracked(dst io.Writer, src io.Reader, activity *atomicTime) (err error) {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			activity.touch()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			activity.touch()
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// halfCloseWrite closes only the write side when the stream is backed by
// a *net.TCPConn, preserving half-close semantics for protocols (HTTP/1.0,
// some WebSocket teardowns) that signal completion by shutdown (spec.md
// §4.6). Anything else degrades to a full close on first EOF, the
// accepted tradeoff spec.md §9 documents.
func halfCloseWrite(w io.Writer) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := unwrapNetConn(w).(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}

func halfCloseOrClose(c io.Closer) {
	_ = c.Close()
}

// unwrapNetConn lets tls.Conn and similar wrappers reach their underlying
// *net.TCPConn's CloseWrite, the way proxy/helper.go's transfer() does via
// a direct type assertion on the wrapped type.
func unwrapNetConn(v any) any {
	type netConner interface{ NetConn() net.Conn }
	if nc, ok := v.(netConner); ok {
		return nc.NetConn()
	}
	return v
}

func watchdog(activity *atomicTime, idleTimeout time.Duration, a, b io.Closer, done <-chan struct{}) {
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(activity.get()) >= idleTimeout {
				_ = a.Close()
				_ = b.Close()
				return
			}
		}
	}
}

// atomicTime is a tiny mutex-guarded timestamp; the watchdog polls it at
// idleTimeout/4 so precision to the nearest tick is plenty and a full
// atomic.Value round-trip isn't warranted for a single time.Time.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) touch() {
	a.mu.Lock()
	a.t = time.Now()
	a.mu.Unlock()
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
