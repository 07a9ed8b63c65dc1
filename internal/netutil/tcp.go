package netutil

import (
	"net"
	"time"
)

// TCPOptions are per-connection socket options for backend connections.
type TCPOptions struct {
	NoDelay         bool
	KeepAlivePeriod time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}

// ApplyTCPOptions applies opts when conn is a *net.TCPConn. Failures are
// ignored: the options are tuning, not correctness.
func ApplyTCPOptions(conn net.Conn, opts TCPOptions) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(opts.NoDelay)
	if opts.ReadBufferSize > 0 {
		_ = tc.SetReadBuffer(opts.ReadBufferSize)
	}
	if opts.WriteBufferSize > 0 {
		_ = tc.SetWriteBuffer(opts.WriteBufferSize)
	}
	if opts.KeepAlivePeriod > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(opts.KeepAlivePeriod)
	}
}
