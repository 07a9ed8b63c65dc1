// Package compression wraps a carrier connection in a streaming compressor.
// Both peers must use the same algorithm.
package compression

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

const (
	None   = "none"
	Snappy = "snappy"
	LZ4    = "lz4"
)

// Supported reports whether algo names a known algorithm. Empty means none.
func Supported(algo string) bool {
	switch algo {
	case "", None, Snappy, LZ4:
		return true
	}
	return false
}

type flushWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// Conn compresses writes and decompresses reads on an underlying stream.
// Every Write is flushed so the peer never waits on a partial block.
type Conn struct {
	conn io.ReadWriteCloser
	r    io.Reader
	w    flushWriter

	wmu  sync.Mutex
	once sync.Once
}

// Wrap returns conn unchanged for "" and "none".
func Wrap(conn io.ReadWriteCloser, algo string) (io.ReadWriteCloser, error) {
	switch algo {
	case "", None:
		return conn, nil
	case Snappy:
		return &Conn{
			conn: conn,
			r:    s2.NewReader(conn),
			w:    s2.NewWriter(conn, s2.WriterSnappyCompat(), s2.WriterConcurrency(1)),
		}, nil
	case LZ4:
		w := lz4.NewWriter(conn)
		if err := w.Apply(lz4.BlockSizeOption(lz4.Block64Kb), lz4.ConcurrencyOption(1)); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return &Conn{conn: conn, r: lz4.NewReader(conn), w: w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", algo)
	}
}

func (c *Conn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := c.w.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

// Close flushes the compressor trailer and closes the underlying stream.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		_ = c.w.Close()
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}
