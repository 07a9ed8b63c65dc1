// Package kcpmux carries bridge sessions over KCP with smux stream
// multiplexing. Traffic is encrypted with a pre-shared block cipher key.
//
// smux streams have no half-close: CloseWrite closes the whole stream, and
// reads after a local close report io.EOF.
package kcpmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"quicbridge/internal/compression"
	"quicbridge/internal/mux"
	"quicbridge/internal/transport"
	"quicbridge/internal/transport/kcputil"

	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
)

// Config holds KCP carrier configuration.
type Config struct {
	Block        string
	Key          string
	Guard        string
	GuardTimeout time.Duration
	// Compress is "", "none", "snappy" or "lz4"; both peers must agree.
	Compress     string
	DataShards   int
	ParityShards int
	Tuning       kcputil.Tuning

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	MaxReceiveBuffer  int
	MaxStreamBuffer   int
}

// ApplyDefaults fills missing values.
func (c *Config) ApplyDefaults() {
	if c.Block == "" {
		c.Block = "aes"
	}
	if c.DataShards == 0 && c.ParityShards == 0 {
		c.DataShards, c.ParityShards = 10, 3
	}
	if c.GuardTimeout <= 0 {
		c.GuardTimeout = 5 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 30 * time.Second
	}
	if c.Tuning.Mode == "" {
		c.Tuning.Mode = "fast"
	}
}

func (c Config) smuxConfig() (*smux.Config, error) {
	return mux.SmuxConfig(c.KeepAliveInterval, c.KeepAliveTimeout, c.MaxReceiveBuffer, c.MaxStreamBuffer)
}

// Listener implements transport.Listener for KCP.
type Listener struct {
	ln     *kcp.Listener
	cfg    Config
	smux   *smux.Config
	closed atomic.Bool
}

// Listen creates a KCP listener on addr.
func Listen(addr string, cfg Config) (*Listener, error) {
	cfg.ApplyDefaults()
	smuxCfg, err := cfg.smuxConfig()
	if err != nil {
		return nil, err
	}
	block, err := kcputil.NewBlock(cfg.Block, cfg.Key)
	if err != nil {
		return nil, err
	}
	ln, err := kcp.ListenWithOptions(addr, block, cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("kcp listen: %w", err)
	}
	if cfg.Tuning.DSCP > 0 {
		_ = ln.SetDSCP(cfg.Tuning.DSCP)
	}
	return &Listener{ln: ln, cfg: cfg, smux: smuxCfg}, nil
}

// Accept waits for the next peer that presents the guard token.
func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.SetDeadline(time.Now()) })
	defer stop()

	for {
		conn, err := l.ln.AcceptKCP()
		if err != nil {
			if ctx.Err() != nil {
				_ = l.ln.SetDeadline(time.Time{})
				return nil, ctx.Err()
			}
			return nil, err
		}

		kcputil.Apply(conn, l.cfg.Tuning)
		if err := transport.RecvGuard(conn, l.cfg.Guard, l.cfg.GuardTimeout); err != nil {
			_ = conn.Close()
			continue
		}

		rwc, err := compression.Wrap(conn, l.cfg.Compress)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		sess, err := smux.Server(rwc, l.smux)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return newSession(conn, sess), nil
	}
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dialer implements transport.Dialer for KCP.
type Dialer struct {
	Config Config
}

// NewDialer creates a KCP dialer.
func NewDialer(cfg Config) *Dialer {
	cfg.ApplyDefaults()
	return &Dialer{Config: cfg}
}

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Session, error) {
	smuxCfg, err := d.Config.smuxConfig()
	if err != nil {
		return nil, err
	}
	block, err := kcputil.NewBlock(d.Config.Block, d.Config.Key)
	if err != nil {
		return nil, err
	}
	conn, err := kcp.DialWithOptions(addr, block, d.Config.DataShards, d.Config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("kcp dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	kcputil.Apply(conn, d.Config.Tuning)
	if err := transport.SendGuard(conn, d.Config.Guard); err != nil {
		_ = conn.Close()
		return nil, err
	}
	rwc, err := compression.Wrap(conn, d.Config.Compress)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sess, err := smux.Client(rwc, smuxCfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ctx.Err() != nil {
		_ = sess.Close()
		return nil, ctx.Err()
	}
	return newSession(conn, sess), nil
}

type session struct {
	id   uint64
	conn *kcp.UDPSession
	sess *smux.Session
}

func newSession(conn *kcp.UDPSession, sess *smux.Session) *session {
	return &session{id: transport.NextSessionID(), conn: conn, sess: sess}
}

func (s *session) ID() uint64           { return s.id }
func (s *session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.sess.SetDeadline(time.Now()) })
	defer stop()

	st, err := s.sess.AcceptStream()
	if err != nil {
		if ctx.Err() != nil {
			_ = s.sess.SetDeadline(time.Time{})
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return &stream{st: st}, nil
}

func (s *session) OpenStream(ctx context.Context) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.sess.OpenStream()
	if err != nil {
		return nil, classify(err)
	}
	return &stream{st: st}, nil
}

// CloseWithError closes the session. smux carries no close codes.
func (s *session) CloseWithError(_ uint64, _ string) error {
	err := s.sess.Close()
	_ = s.conn.Close()
	return err
}

func classify(err error) error {
	var reason string
	switch {
	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, io.EOF):
		reason = "session closed"
	case errors.Is(err, smux.ErrTimeout):
		reason = "keepalive timeout"
	case errors.Is(err, smux.ErrGoAway):
		reason = "stream ids exhausted"
	default:
		reason = "connection error"
	}
	return &transport.SessionError{Reason: reason, Err: err}
}

// ErrReadTruncated is returned by a stream read after the local side closed
// the stream. smux has no half-close, so bytes the peer had not yet sent are
// lost.
var ErrReadTruncated = errors.New("kcpmux: stream closed locally before the peer finished")

type stream struct {
	st       *smux.Stream
	closed   atomic.Bool
	peerDone atomic.Bool
}

func (s *stream) ID() int64 { return int64(s.st.ID()) }

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.st.Read(p)
	if err == nil {
		return n, nil
	}
	// after a local close smux reports io.EOF even without a peer FIN
	if s.closed.Load() && !s.peerDone.Load() && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)) {
		return n, fmt.Errorf("%w: %w", ErrReadTruncated, err)
	}
	if errors.Is(err, io.EOF) {
		s.peerDone.Store(true)
	}
	return n, err
}

func (s *stream) Write(p []byte) (int, error) { return s.st.Write(p) }

// CloseWrite closes the whole stream; smux cannot shut down one direction.
func (s *stream) CloseWrite() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.st.Close()
}

// CancelRead closes the whole stream; smux has no per-direction abort.
func (s *stream) CancelRead() { _ = s.Close() }

func (s *stream) Close() error {
	s.closed.Store(true)
	return s.st.Close()
}
