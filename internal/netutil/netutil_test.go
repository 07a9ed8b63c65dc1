package netutil

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyDialerDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	dial, err := ProxyDialer("")
	require.NoError(t, err)
	c, err := dial(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	c.Close()
}

func TestProxyDialerRejectsBadURL(t *testing.T) {
	_, err := ProxyDialer("ftp://proxy:21")
	assert.Error(t, err)
	_, err = ProxyDialer("://nope")
	assert.Error(t, err)
}

// socks5Once serves a single no-auth CONNECT and reports the requested
// destination port, then echoes.
func socks5Once(t *testing.T) (addr string, dst <-chan uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	ports := make(chan uint16, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))

		hdr := make([]byte, 2)
		if _, err := io.ReadFull(c, hdr); err != nil {
			return
		}
		if _, err := io.ReadFull(c, make([]byte, hdr[1])); err != nil {
			return
		}
		_, _ = c.Write([]byte{5, 0})

		req := make([]byte, 4)
		if _, err := io.ReadFull(c, req); err != nil {
			return
		}
		var skip int
		switch req[3] {
		case 1:
			skip = 4
		case 4:
			skip = 16
		case 3:
			l := make([]byte, 1)
			if _, err := io.ReadFull(c, l); err != nil {
				return
			}
			skip = int(l[0])
		}
		if _, err := io.ReadFull(c, make([]byte, skip)); err != nil {
			return
		}
		port := make([]byte, 2)
		if _, err := io.ReadFull(c, port); err != nil {
			return
		}
		ports <- binary.BigEndian.Uint16(port)
		_, _ = c.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, 0, 0})
		_, _ = io.Copy(c, c)
	}()
	return ln.Addr().String(), ports
}

func TestProxyDialerSOCKS5(t *testing.T) {
	proxyAddr, ports := socks5Once(t)

	dial, err := ProxyDialer("socks5://" + proxyAddr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := dial(ctx, "tcp", "127.0.0.1:8080")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, uint16(8080), <-ports)
	_, err = c.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestApplyTCPOptionsIgnoresOtherConns(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ApplyTCPOptions(a, TCPOptions{NoDelay: true, KeepAlivePeriod: time.Second})
}
