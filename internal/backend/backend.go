// Package backend dials the fixed TCP target that every stream is relayed to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"quicbridge/internal/netutil"
)

// DefaultConnectTimeout bounds a single backend connection attempt.
const DefaultConnectTimeout = 2 * time.Second

var (
	ErrInvalidTarget  = errors.New("invalid backend target")
	ErrConnectTimeout = errors.New("backend connect timeout")
	ErrConnectFailed  = errors.New("backend connect failed")
)

// DialError is returned by Dialer.Dial. It matches its Kind sentinel and
// its cause via errors.Is.
type DialError struct {
	Kind   error
	Target string
	Err    error
}

func (e *DialError) Error() string {
	if errors.Is(e.Err, e.Kind) {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Target, e.Err)
}

func (e *DialError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Conn is a backend connection whose write half can be shut down alone.
type Conn interface {
	net.Conn
	CloseWrite() error
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc = netutil.DialFunc

// Option configures a Dialer.
type Option func(*Dialer)

// WithDialFunc replaces the network dial, mostly for tests.
func WithDialFunc(fn DialFunc) Option {
	return func(d *Dialer) {
		if fn != nil {
			d.dial = fn
		}
	}
}

// WithTCPOptions sets socket options applied to every new connection.
func WithTCPOptions(opts netutil.TCPOptions) Option {
	return func(d *Dialer) { d.tcp = opts }
}

// Dialer is immutable once built; reconfiguration builds a new one.
type Dialer struct {
	target    string
	targetErr error
	timeout   time.Duration
	dial      DialFunc
	tcp       netutil.TCPOptions
}

// NewDialer builds a dialer for target. A malformed target is not an error
// here: it is reported by every Dial so the bridge keeps serving sessions.
func NewDialer(target string, timeout time.Duration, opts ...Option) *Dialer {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	d := &Dialer{
		target:    target,
		targetErr: ValidateTarget(target),
		timeout:   timeout,
		dial:      (&net.Dialer{}).DialContext,
		tcp:       netutil.TCPOptions{NoDelay: true},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Target() string         { return d.target }
func (d *Dialer) Timeout() time.Duration { return d.timeout }

// TargetErr reports why the target is unusable, or nil.
func (d *Dialer) TargetErr() error { return d.targetErr }

// Dial opens a new connection to the target within the connect timeout.
func (d *Dialer) Dial(ctx context.Context) (Conn, error) {
	if d.targetErr != nil {
		return nil, &DialError{Kind: ErrInvalidTarget, Target: d.target, Err: d.targetErr}
	}

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	c, err := d.dial(dctx, "tcp", d.target)
	if err != nil {
		kind := ErrConnectFailed
		if ctx.Err() == nil && (errors.Is(dctx.Err(), context.DeadlineExceeded) || isTimeout(err)) {
			kind = ErrConnectTimeout
			err = fmt.Errorf("no connection within %s: %w", d.timeout, err)
		}
		return nil, &DialError{Kind: kind, Target: d.target, Err: err}
	}

	hc, ok := c.(Conn)
	if !ok {
		_ = c.Close()
		return nil, &DialError{Kind: ErrConnectFailed, Target: d.target, Err: fmt.Errorf("%T cannot half-close", c)}
	}
	netutil.ApplyTCPOptions(hc, d.tcp)
	return hc, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ValidateTarget checks that target is host:port with a non-empty host and
// a numeric port in 1-65535. Host names are allowed and resolved per dial.
func ValidateTarget(target string) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}
	if host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidTarget, target)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%w: %q: port must be 1-65535", ErrInvalidTarget, target)
	}
	return nil
}
