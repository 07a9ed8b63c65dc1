// Package relay copies bytes between a logical stream and its backend
// connection, propagating half-close in both directions.
package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrForwardingFailed reports that at least one copy direction failed.
var ErrForwardingFailed = errors.New("forwarding failed")

// HalfConn is a byte channel whose write half can be shut down alone.
type HalfConn interface {
	io.Reader
	io.Writer
	CloseWrite() error
}

// Result holds the bytes copied in each direction.
type Result struct {
	Upstream   int64 // stream to backend
	Downstream int64 // backend to stream
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// Forward copies stream to backend and backend to stream until both
// directions have ended. Each direction shuts down its destination's write
// half when its source is exhausted. When a direction fails, the other
// direction's source is aborted so Forward does not wait on an idle peer.
// up and down, if non-nil, observe every chunk written.
func Forward(stream, backend HalfConn, up, down func(int64)) (Result, error) {
	var (
		res      Result
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(dir string, err error, other io.Reader) {
		errOnce.Do(func() {
			firstErr = fmt.Errorf("%w (%s): %w", ErrForwardingFailed, dir, err)
		})
		abortRead(other)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := pump(backend, stream, up)
		res.Upstream = n
		if err != nil {
			fail("upstream", err, backend)
		}
	}()
	go func() {
		defer wg.Done()
		n, err := pump(stream, backend, down)
		res.Downstream = n
		if err != nil {
			fail("downstream", err, stream)
		}
	}()
	wg.Wait()

	return res, firstErr
}

func pump(dst, src HalfConn, onBytes func(int64)) (int64, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	n, err := io.CopyBuffer(countingWriter{w: dst, fn: onBytes}, readerOnly{src}, *bufp)
	if cerr := dst.CloseWrite(); cerr != nil && err == nil {
		err = fmt.Errorf("shutdown write: %w", cerr)
	}
	return n, err
}

func abortRead(r io.Reader) {
	switch c := r.(type) {
	case interface{ CancelRead() }:
		c.CancelRead()
	case interface{ CloseRead() error }:
		_ = c.CloseRead()
	}
}

// readerOnly hides WriterTo so CopyBuffer uses the pooled buffer.
type readerOnly struct{ r io.Reader }

func (r readerOnly) Read(p []byte) (int, error) { return r.r.Read(p) }

type countingWriter struct {
	w  io.Writer
	fn func(int64)
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.fn != nil {
		c.fn(int64(n))
	}
	return n, err
}
