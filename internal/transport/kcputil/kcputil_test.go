package kcputil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlock(t *testing.T) {
	for name := range blockCrypts {
		t.Run(name, func(t *testing.T) {
			b, err := NewBlock(name, "secret")
			require.NoError(t, err)
			require.NotNil(t, b)
		})
	}

	_, err := NewBlock("", "secret")
	require.Error(t, err)
	_, err = NewBlock("rot13", "secret")
	require.Error(t, err)
	assert.False(t, SupportedBlock("rot13"))
}

func TestBlockKeyDerivationIsDeterministic(t *testing.T) {
	a, err := NewBlock("aes", "secret")
	require.NoError(t, err)
	b, err := NewBlock("aes", "secret")
	require.NoError(t, err)

	plain := []byte("0123456789abcdef0123456789abcdef")
	ca := make([]byte, len(plain))
	cb := make([]byte, len(plain))
	a.Encrypt(ca, plain)
	b.Encrypt(cb, plain)
	assert.Equal(t, ca, cb)

	out := make([]byte, len(plain))
	b.Decrypt(out, ca)
	assert.Equal(t, plain, out)
}

func TestTuningWindows(t *testing.T) {
	snd, rcv := Tuning{}.Windows()
	assert.Equal(t, 256, snd)
	assert.Equal(t, 256, rcv)

	snd, rcv = Tuning{Mode: "fast3", RcvWnd: 64}.Windows()
	assert.Equal(t, 1024, snd)
	assert.Equal(t, 64, rcv)

	assert.NoError(t, Tuning{Mode: "fast2"}.Validate())
	assert.Error(t, Tuning{Mode: "warp"}.Validate())
}
