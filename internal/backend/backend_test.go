package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTarget(t *testing.T) {
	valid := []string{"127.0.0.1:5100", "[::1]:80", "backend.internal:65535"}
	for _, target := range valid {
		assert.NoError(t, ValidateTarget(target), target)
	}

	invalid := []string{"", "127.0.0.1", ":80", "host:0", "host:65536", "host:http", "a:b:c"}
	for _, target := range invalid {
		err := ValidateTarget(target)
		assert.ErrorIs(t, err, ErrInvalidTarget, target)
	}
}

func TestDialInvalidTargetNeverDials(t *testing.T) {
	var calls atomic.Int32
	d := NewDialer("not-a-target", time.Second, WithDialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		return nil, errors.New("unexpected dial")
	}))
	require.Error(t, d.TargetErr())

	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Zero(t, calls.Load())

	var de *DialError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "not-a-target", de.Target)
}

func TestDialTimeout(t *testing.T) {
	d := NewDialer("10.255.255.1:9", 50*time.Millisecond, WithDialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	start := time.Now()
	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.NotErrorIs(t, err, ErrConnectFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDialDefaultTimeout(t *testing.T) {
	d := NewDialer("127.0.0.1:1", 0)
	assert.Equal(t, DefaultConnectTimeout, d.Timeout())
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewDialer(addr, time.Second).Dial(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.NotErrorIs(t, err, ErrConnectTimeout)
}

func TestDialParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDialer("127.0.0.1:9", time.Second, WithDialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := d.Dial(ctx)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_, _ = c.Write([]byte("hi"))
			_ = c.Close()
		}
	}()

	d := NewDialer(ln.Addr().String(), time.Second)
	assert.Equal(t, ln.Addr().String(), d.Target())
	c, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 2)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
	assert.NoError(t, c.CloseWrite())
}
