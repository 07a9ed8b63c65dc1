// Package bridge terminates multiplexed sessions and relays every logical
// stream to a fresh backend TCP connection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"quicbridge/internal/backend"
	"quicbridge/internal/metrics"
	"quicbridge/internal/mux"
	"quicbridge/internal/relay"
	"quicbridge/internal/transport"
)

var (
	// ErrListen wraps failures to bind a listen address.
	ErrListen = errors.New("listen failed")
	// ErrSessionAccept is matched by *AcceptError.
	ErrSessionAccept = errors.New("session accept failed")
)

// AcceptError is a fatal error from a listener's accept loop.
type AcceptError struct {
	Addr string
	Err  error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept sessions on %s: %v", e.Addr, e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

func (e *AcceptError) Is(target error) bool { return target == ErrSessionAccept }

// BackendDialer opens the backend connection for one stream.
type BackendDialer interface {
	Target() string
	Dial(ctx context.Context) (backend.Conn, error)
}

// Options configure a Server.
type Options struct {
	Dialer BackendDialer
	Logger logrus.FieldLogger

	// Transport labels session metrics ("quic", "kcp").
	Transport string

	// Zero means unbounded.
	MaxStreamsPerSession int
	MaxStreamsTotal      int

	// ShutdownGrace is how long in-flight streams may run after Serve's
	// context is cancelled. Zero closes them at once.
	ShutdownGrace time.Duration
}

// closeCode is the application error code sent when a session is torn down.
const closeCode = 0x42

type dialerRef struct{ BackendDialer }

// Server runs the session and stream accept loops.
type Server struct {
	dialer     atomic.Pointer[dialerRef]
	log        logrus.FieldLogger
	transport  string
	perSession int
	global     *mux.Limiter
	grace      time.Duration
	sessions   sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Dialer == nil {
		return nil, errors.New("bridge: backend dialer required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Transport == "" {
		opts.Transport = "quic"
	}
	s := &Server{
		log:        opts.Logger,
		transport:  opts.Transport,
		perSession: opts.MaxStreamsPerSession,
		global:     mux.NewLimiter(opts.MaxStreamsTotal),
		grace:      opts.ShutdownGrace,
	}
	s.dialer.Store(&dialerRef{opts.Dialer})
	return s, nil
}

// Dialer returns the dialer new streams will use.
func (s *Server) Dialer() BackendDialer { return s.dialer.Load().BackendDialer }

// SetDialer replaces the dialer for streams accepted from now on. Streams
// already forwarding keep the dialer they started with.
func (s *Server) SetDialer(d BackendDialer) {
	if d == nil {
		return
	}
	s.dialer.Store(&dialerRef{d})
}

// Serve accepts sessions on every listener until ctx is cancelled or one
// listener fails. It then stops accepting, lets in-flight streams drain for
// the shutdown grace, and closes the listeners. Serve returns nil after a
// cancellation and an *AcceptError after a listener failure.
func (s *Server) Serve(ctx context.Context, listeners ...transport.Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("%w: no listeners", ErrListen)
	}

	unitCtx, cancelUnits := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelUnits()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		g.Go(func() error { return s.acceptSessions(gctx, unitCtx, ln) })
	}
	err := g.Wait()

	s.drain(cancelUnits)
	for _, ln := range listeners {
		_ = ln.Close()
	}
	return err
}

func (s *Server) acceptSessions(ctx, unitCtx context.Context, ln transport.Listener) error {
	addr := ln.Addr().String()
	s.log.WithField("addr", addr).Info("accepting sessions")
	for {
		sess, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &AcceptError{Addr: addr, Err: err}
		}

		s.log.WithFields(logrus.Fields{
			"session": sess.ID(),
			"remote":  sess.RemoteAddr().String(),
		}).Info("session accepted")
		metrics.IncSessions(s.transport)

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer metrics.DecSessions(s.transport)
			s.handleSession(ctx, unitCtx, sess)
		}()
	}
}

// drain waits for session handlers to finish, cancelling the remaining
// forwarding units once the grace period is over.
func (s *Server) drain(cancelUnits context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	if s.grace > 0 {
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			s.log.WithField("grace", s.grace).Warn("shutdown grace expired, closing remaining streams")
		}
	}
	cancelUnits()
	<-done
}

// handleSession accepts streams until the session ends or acceptCtx is done,
// then waits for the session's forwarding units and closes the session.
func (s *Server) handleSession(acceptCtx, unitCtx context.Context, sess transport.Session) {
	log := s.log.WithFields(logrus.Fields{
		"session": sess.ID(),
		"remote":  sess.RemoteAddr().String(),
	})

	sessCtx, cancel := context.WithCancel(unitCtx)
	defer cancel()

	perSession := mux.NewLimiter(s.perSession)
	var units sync.WaitGroup
	var endErr error
	for {
		if endErr = perSession.Acquire(acceptCtx); endErr != nil {
			break
		}
		strm, err := sess.AcceptStream(acceptCtx)
		if err != nil {
			perSession.Release()
			endErr = err
			break
		}
		// the global slot is taken with the stream in hand so idle
		// sessions never hold one
		if !s.global.TryAcquire() {
			log.WithField("stream", strm.ID()).Debug("global stream limit reached, waiting")
			if endErr = s.global.Acquire(acceptCtx); endErr != nil {
				_ = strm.Close()
				perSession.Release()
				break
			}
		}

		metrics.IncStreams()
		dialer := s.Dialer()
		units.Add(1)
		go func() {
			defer units.Done()
			defer perSession.Release()
			defer s.global.Release()
			defer metrics.DecStreams()
			_ = s.forward(sessCtx, log, strm, dialer)
		}()
	}

	switch {
	case acceptCtx.Err() != nil:
		log.Debug("stopped accepting streams, draining")
	case errors.Is(endErr, transport.ErrSessionClosed):
		log.WithError(endErr).Debug("session ended")
		cancel()
	default:
		log.WithError(endErr).Debug("stream accept failed")
		cancel()
	}

	units.Wait()
	_ = sess.CloseWithError(closeCode, "")
	log.Info("session closed")
}

// forward runs one forwarding unit: dial the backend, then relay until both
// directions finish. Cancelling ctx closes the stream and the backend
// connection.
func (s *Server) forward(ctx context.Context, log logrus.FieldLogger, strm transport.Stream, dialer BackendDialer) error {
	log = log.WithFields(logrus.Fields{
		"stream": strm.ID(),
		"target": dialer.Target(),
	})

	start := time.Now()
	conn, err := dialer.Dial(ctx)
	if err != nil {
		metrics.IncStreamError(errorKind(err))
		log.WithError(err).Debug("backend dial failed")
		_ = strm.CloseWrite()
		strm.CancelRead()
		return err
	}
	metrics.ObserveBackendDial(time.Since(start))
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = strm.Close()
		_ = conn.Close()
	})
	defer stop()

	res, err := relay.Forward(strm, conn, metrics.AddTrafficUpstream, metrics.AddTrafficDownstream)
	fields := logrus.Fields{"upstream": res.Upstream, "downstream": res.Downstream}
	if err != nil {
		metrics.IncStreamError(metrics.KindForwarding)
		strm.CancelRead()
		log.WithFields(fields).WithError(err).Debug("forwarding failed")
		return err
	}
	log.WithFields(fields).Info("stream forwarded")
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, backend.ErrInvalidTarget):
		return metrics.KindInvalidTarget
	case errors.Is(err, backend.ErrConnectTimeout):
		return metrics.KindConnectTimeout
	default:
		return metrics.KindConnectFailed
	}
}
