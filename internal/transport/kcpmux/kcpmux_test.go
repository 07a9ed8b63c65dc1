package kcpmux

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"quicbridge/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/smux"
)

func TestConfigApplyDefaults(t *testing.T) {
	c := Config{}
	c.ApplyDefaults()
	assert.Equal(t, "aes", c.Block)
	assert.Equal(t, 10, c.DataShards)
	assert.Equal(t, 3, c.ParityShards)
	assert.Equal(t, "fast", c.Tuning.Mode)

	_, err := c.smuxConfig()
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	err := classify(io.ErrClosedPipe)
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	var se *transport.SessionError
	require.ErrorAs(t, classify(smux.ErrTimeout), &se)
	assert.Equal(t, "keepalive timeout", se.Reason)
}

func TestLoopbackStream(t *testing.T) {
	for _, algo := range []string{"", "snappy", "lz4"} {
		t.Run("compress="+algo, func(t *testing.T) {
			loopbackStream(t, Config{Key: "secret", Guard: "g1", Compress: algo})
		})
	}
}

func loopbackStream(t *testing.T, cfg Config) {
	ln, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sess, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		defer func() {
			<-done
			_ = sess.CloseWithError(0, "")
		}()
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(st, buf); err != nil {
			serverErr <- err
			return
		}
		if string(buf) != "PING" {
			serverErr <- errors.New("unexpected payload " + string(buf))
			return
		}
		_, err = st.Write([]byte("PONG"))
		serverErr <- err
	}()

	sess, err := NewDialer(cfg).Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer sess.CloseWithError(0, "")

	st, err := sess.OpenStream(ctx)
	require.NoError(t, err)
	_, err = st.Write([]byte("PING"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(st, buf)
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(buf))
	require.NoError(t, <-serverErr)

	require.NoError(t, st.CloseWrite())
	n, err := st.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrReadTruncated, "closing the write side drops the read side")
}

func TestAcceptRejectsWrongGuard(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", Config{Key: "secret", Guard: "right"})
	require.NoError(t, err)
	defer ln.Close()

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	sess, err := NewDialer(Config{Key: "secret", Guard: "wrong"}).Dial(dctx, ln.Addr().String())
	require.NoError(t, err)
	defer sess.CloseWithError(0, "")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
