// Package quicmux carries bridge sessions over QUIC: one QUIC connection is
// one session, and every bidirectional QUIC stream is one logical stream.
package quicmux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"quicbridge/internal/transport"

	quic "github.com/quic-go/quic-go"
)

const defaultALPN = "quicbridge"

// Config holds QUIC transport configuration.
type Config struct {
	ALPN                  []string
	Enable0RTT            bool
	HandshakeTimeout      time.Duration
	MaxIdleTimeout        time.Duration
	KeepAlivePeriod       time.Duration
	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64
}

// ApplyDefaults fills missing values. The idle timeout is long on purpose:
// relayed backends may sit quiet for a long time between bursts.
func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 8 * time.Second
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 3600 * time.Second
	}
	if c.MaxIncomingStreams == 0 {
		c.MaxIncomingStreams = 1024
	}
	if c.MaxIncomingUniStreams == 0 {
		c.MaxIncomingUniStreams = -1
	}
	if len(c.ALPN) == 0 {
		c.ALPN = []string{defaultALPN}
	}
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	cp := *cfg
	cp.ALPN = append([]string(nil), cfg.ALPN...)
	cp.ApplyDefaults()
	return &cp
}

func (c *Config) quicConfig(server bool) *quic.Config {
	qc := &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		MaxIncomingStreams:   c.MaxIncomingStreams,
	}
	if server {
		qc.MaxIncomingUniStreams = c.MaxIncomingUniStreams
		qc.Allow0RTT = c.Enable0RTT
	}
	return qc
}

// Listener implements transport.Listener for QUIC.
type Listener struct {
	ln     *quic.Listener
	config *Config
}

// Listen creates a QUIC listener on addr.
func Listen(addr string, cfg *Config, tlsCfg *tls.Config) (*Listener, error) {
	if tlsCfg == nil {
		return nil, fmt.Errorf("quic listener requires tls config")
	}
	cfg = cloneConfig(cfg)
	ln, err := quic.ListenAddr(addr, withALPN(tlsCfg, cfg.ALPN), cfg.quicConfig(true))
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &Listener{ln: ln, config: cfg}, nil
}

// Accept waits for the next QUIC connection that completed its handshake.
func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newSession(conn), nil
}

// Close closes the listener. Connections accepted from it are closed too.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Addr returns the listener address.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Dialer implements transport.Dialer for QUIC.
type Dialer struct {
	Config    *Config
	TLSConfig *tls.Config
}

// NewDialer creates a new QUIC dialer.
func NewDialer(cfg *Config, tlsCfg *tls.Config) *Dialer {
	return &Dialer{Config: cloneConfig(cfg), TLSConfig: tlsCfg}
}

// Dial connects to a QUIC server.
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Session, error) {
	if d.TLSConfig == nil {
		return nil, fmt.Errorf("quic dialer requires tls config")
	}
	cfg := cloneConfig(d.Config)
	tlsConf := withALPN(d.TLSConfig, cfg.ALPN)
	if tlsConf.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConf.ServerName = host
		}
	}

	var (
		conn *quic.Conn
		err  error
	)
	if cfg.Enable0RTT {
		conn, err = quic.DialAddrEarly(ctx, addr, tlsConf, cfg.quicConfig(false))
	} else {
		conn, err = quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig(false))
	}
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}
	return newSession(conn), nil
}

type session struct {
	id   uint64
	conn *quic.Conn
}

func newSession(conn *quic.Conn) *session {
	return &session{id: transport.NextSessionID(), conn: conn}
}

func (s *session) ID() uint64           { return s.id }
func (s *session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return &stream{st: st}, nil
}

func (s *session) OpenStream(ctx context.Context) (transport.Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return &stream{st: st}, nil
}

func (s *session) CloseWithError(code uint64, msg string) error {
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

// classify turns a connection-level QUIC error into a transport.SessionError
// that names who closed the connection and why.
func classify(err error) error {
	var (
		statelessResetErr   *quic.StatelessResetError
		handshakeTimeoutErr *quic.HandshakeTimeoutError
		idleTimeoutErr      *quic.IdleTimeoutError
		appErr              *quic.ApplicationError
		transportErr        *quic.TransportError
		vnErr               *quic.VersionNegotiationError
	)
	var reason string
	switch {
	case errors.As(err, &statelessResetErr):
		reason = "stateless reset"
	case errors.As(err, &handshakeTimeoutErr):
		reason = "handshake timeout"
	case errors.As(err, &idleTimeoutErr):
		reason = "idle timeout"
	case errors.As(err, &appErr):
		reason = fmt.Sprintf("application error by %s (code %#x): %s", closer(appErr.Remote), uint64(appErr.ErrorCode), appErr.ErrorMessage)
	case errors.As(err, &transportErr):
		reason = fmt.Sprintf("transport error by %s (code %s): %s", closer(transportErr.Remote), transportErr.ErrorCode, transportErr.ErrorMessage)
	case errors.As(err, &vnErr):
		reason = fmt.Sprintf("version negotiation failed: theirs %v, ours %v", vnErr.Theirs, vnErr.Ours)
	case errors.Is(err, quic.ErrServerClosed), errors.Is(err, net.ErrClosed):
		reason = "listener closed"
	default:
		reason = "connection error"
	}
	return &transport.SessionError{Reason: reason, Err: err}
}

func closer(remote bool) string {
	if remote {
		return "peer"
	}
	return "local"
}

type stream struct {
	st        *quic.Stream
	closeOnce sync.Once
	closeErr  error
}

func (s *stream) ID() int64                   { return int64(s.st.StreamID()) }
func (s *stream) Read(p []byte) (int, error)  { return s.st.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.st.Write(p) }

// CloseWrite sends FIN. Data already written is still delivered.
func (s *stream) CloseWrite() error {
	s.closeOnce.Do(func() { s.closeErr = s.st.Close() })
	return s.closeErr
}

func (s *stream) CancelRead() { s.st.CancelRead(0) }

func (s *stream) Close() error {
	s.st.CancelRead(0)
	s.st.CancelWrite(0)
	return nil
}

func withALPN(base *tls.Config, alpn []string) *tls.Config {
	tlsConf := base.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = append([]string(nil), alpn...)
	}
	return tlsConf
}
