package config

import (
	"os"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadWithEnv("", envMap(nil))
		require.NoError(t, err)
		return cfg
	}

	next := base()
	next.Target = "10.0.0.2:443"
	next.Backend.ConnectTimeout = "1s"
	next.Logging.Level = "debug"
	assert.NoError(t, validateTransition(base(), next))

	next = base()
	next.Listen = []string{"0.0.0.0:6000"}
	assert.ErrorContains(t, validateTransition(base(), next), "listen")

	next = base()
	next.Transport.Type = "kcp"
	assert.ErrorContains(t, validateTransition(base(), next), "transport")

	next = base()
	next.Limits.MaxStreamsTotal = 10
	assert.ErrorContains(t, validateTransition(base(), next), "limits")

	next = base()
	next.Logging.Format = "json"
	assert.ErrorContains(t, validateTransition(base(), next), "logging")
}

// unwatched builds a ReloadableConfig without a file watcher so tests
// drive Reload themselves.
func unwatched(t *testing.T, path string) *ReloadableConfig {
	t.Helper()
	cfg, err := LoadWithEnv(path, envMap(nil))
	require.NoError(t, err)
	log, _ := logtest.NewNullLogger()
	r := &ReloadableConfig{path: path, getenv: envMap(nil), log: log}
	r.current.Store(cfg)
	return r
}

func TestReloadAppliesTargetChange(t *testing.T) {
	path := writeConfig(t, "target: \"127.0.0.1:9000\"\n")
	r := unwatched(t, path)

	seen := make(chan string, 4)
	r.Watch(func(old, new *Config) { seen <- old.Target + " -> " + new.Target })

	require.NoError(t, os.WriteFile(path, []byte("target: \"127.0.0.1:9001\"\n"), 0o600))
	require.NoError(t, r.Reload())
	assert.Equal(t, "127.0.0.1:9001", r.Get().Target)

	select {
	case got := <-seen:
		assert.Equal(t, "127.0.0.1:9000 -> 127.0.0.1:9001", got)
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}
}

func TestReloadRejectsRestartOnlyChange(t *testing.T) {
	path := writeConfig(t, "listen: [\"127.0.0.1:7000\"]\n")
	r := unwatched(t, path)

	require.NoError(t, os.WriteFile(path, []byte("listen: [\"127.0.0.1:7001\"]\n"), 0o600))
	err := r.Reload()
	assert.ErrorContains(t, err, "requires restart")
	assert.Equal(t, []string{"127.0.0.1:7000"}, r.Get().Listen)
}

func TestWatcherPicksUpWrites(t *testing.T) {
	path := writeConfig(t, "target: \"127.0.0.1:9000\"\n")
	cfg, err := LoadWithEnv(path, envMap(nil))
	require.NoError(t, err)

	log, _ := logtest.NewNullLogger()
	r, err := newReloadable(path, cfg, envMap(nil), log)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("target: \"127.0.0.1:9002\"\n"), 0o600))
	assert.Eventually(t, func() bool {
		return r.Get().Target == "127.0.0.1:9002"
	}, 5*time.Second, 20*time.Millisecond)

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close(), "close is idempotent")
}
