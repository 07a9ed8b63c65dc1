package mux

import (
	"fmt"
	"time"

	"github.com/xtaci/smux"
)

// SmuxConfig builds and verifies an smux configuration. Zero buffer sizes
// keep the smux defaults.
func SmuxConfig(keepAliveInterval, keepAliveTimeout time.Duration, maxRecvBuf, maxStreamBuf int) (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	cfg.KeepAliveInterval = keepAliveInterval
	cfg.KeepAliveTimeout = keepAliveTimeout
	if maxStreamBuf > 0 {
		cfg.MaxStreamBuffer = maxStreamBuf
	}
	if maxRecvBuf > 0 {
		cfg.MaxReceiveBuffer = maxRecvBuf
	}
	if err := smux.VerifyConfig(cfg); err != nil {
		return nil, fmt.Errorf("smux config: %w", err)
	}
	return cfg, nil
}
