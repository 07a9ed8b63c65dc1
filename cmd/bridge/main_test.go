package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quicbridge/internal/bridge"
	"quicbridge/internal/config"
	"quicbridge/internal/tlsutil"
)

func writeCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM, err := tlsutil.SelfSigned("localhost", "127.0.0.1")
	require.NoError(t, err)
	dir := t.TempDir()
	certFile = filepath.Join(dir, "wild.cer")
	keyFile = filepath.Join(dir, "wild.key")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithEnv("", func(k string) string { return env[k] })
	require.NoError(t, err)
	return cfg
}

func TestBuildListenersQUIC(t *testing.T) {
	certFile, keyFile := writeCert(t)
	cfg := loadConfig(t, map[string]string{
		"LISTEN_ADDRESSES": "127.0.0.1:0,127.0.0.1:0",
		"QUIC_CERT_PATH":   certFile,
		"QUIC_KEY_PATH":    keyFile,
	})

	listeners, err := buildListeners(cfg)
	require.NoError(t, err)
	defer closeAll(listeners)
	assert.Len(t, listeners, 2)
	assert.NotEqual(t, listeners[0].Addr().String(), listeners[1].Addr().String())
}

func TestBuildListenersKCP(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"LISTEN_ADDRESSES": "127.0.0.1:0",
		"TRANSPORT_TYPE":   "kcp",
		"KCP_KEY":          "secret",
	})

	listeners, err := buildListeners(cfg)
	require.NoError(t, err)
	defer closeAll(listeners)
	assert.Len(t, listeners, 1)
}

func TestBuildListenersMissingCert(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, map[string]string{
		"LISTEN_ADDRESSES": "127.0.0.1:0",
		"QUIC_CERT_PATH":   filepath.Join(dir, "none.cer"),
		"QUIC_KEY_PATH":    filepath.Join(dir, "none.key"),
	})

	_, err := buildListeners(cfg)
	assert.ErrorIs(t, err, bridge.ErrListen)
}

func TestRunExitCodes(t *testing.T) {
	assert.Equal(t, exitConfig, run([]string{"-no-such-flag"}))
	assert.Equal(t, exitConfig, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}))
	assert.Equal(t, exitOK, run([]string{"-print-config"}))
}
