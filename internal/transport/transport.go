// Package transport defines the session and stream abstraction the bridge
// consumes from its multiplexed carriers (QUIC, KCP+smux).
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
)

// ErrSessionClosed reports that a session can produce no further streams.
// Carriers wrap their close cause in a *SessionError that matches it.
var ErrSessionClosed = errors.New("session closed")

// Stream is one bidirectional ordered byte channel inside a Session.
// The read and write halves close independently.
type Stream interface {
	io.Reader
	io.Writer

	// ID is unique within the owning session.
	ID() int64

	// CloseWrite shuts down the write half; the peer reads EOF once
	// buffered data is delivered. Safe to call more than once.
	CloseWrite() error

	// CancelRead tells the peer we will not read any more data.
	CancelRead()

	// Close aborts both halves.
	Close() error
}

// Session is one established carrier connection to a peer.
type Session interface {
	ID() uint64
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// AcceptStream blocks until the peer opens a stream, the session
	// ends (ErrSessionClosed) or ctx is done.
	AcceptStream(ctx context.Context) (Stream, error)
	OpenStream(ctx context.Context) (Stream, error)

	CloseWithError(code uint64, msg string) error
}

// Listener accepts sessions on one local endpoint.
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens client sessions.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// SessionError describes why a session stopped producing streams.
type SessionError struct {
	Reason string
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session closed: %s", e.Reason)
	}
	return fmt.Sprintf("session closed: %s: %v", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool { return target == ErrSessionClosed }

var sessionSeq atomic.Uint64

// NextSessionID returns a process-unique session identifier.
func NextSessionID() uint64 {
	return sessionSeq.Add(1)
}
