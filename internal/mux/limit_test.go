package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterNeverBlocks(t *testing.T) {
	l := NewLimiter(0)
	assert.Nil(t, l)
	require.NoError(t, l.Acquire(context.Background()))
	assert.True(t, l.TryAcquire())
	l.Release()
}

func TestLimiterBlocksUntilRelease(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))
	assert.False(t, l.TryAcquire())
	assert.Len(t, l.sem, 1)

	acquired := make(chan error, 1)
	go func() { acquired <- l.Acquire(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not proceed after release")
	}
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	l.Release()
	assert.Empty(t, l.sem)
}

func TestSmuxConfig(t *testing.T) {
	cfg, err := SmuxConfig(10*time.Second, 30*time.Second, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)

	_, err = SmuxConfig(30*time.Second, 10*time.Second, 0, 0)
	assert.Error(t, err, "keepalive timeout shorter than interval")
}
