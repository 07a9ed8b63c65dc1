package main

import (
	"fmt"

	"quicbridge/internal/bridge"
	"quicbridge/internal/config"
	"quicbridge/internal/tlsutil"
	"quicbridge/internal/transport"
	"quicbridge/internal/transport/kcpmux"
	"quicbridge/internal/transport/quicmux"
)

// buildListeners binds every configured address. A failure on any address
// closes the ones already bound.
func buildListeners(cfg *config.Config) ([]transport.Listener, error) {
	listen, err := listenFunc(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrListen, err)
	}

	listeners := make([]transport.Listener, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ln, err := listen(addr)
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("%w on %s: %w", bridge.ErrListen, addr, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func listenFunc(cfg *config.Config) (func(addr string) (transport.Listener, error), error) {
	switch cfg.Transport.Type {
	case "kcp":
		kcfg := cfg.KCPConfig()
		return func(addr string) (transport.Listener, error) {
			return kcpmux.Listen(addr, kcfg)
		}, nil
	default:
		tlsCfg, err := tlsutil.ServerConfig(cfg.Transport.TLS.CertFile, cfg.Transport.TLS.KeyFile, cfg.Transport.TLS.ALPN)
		if err != nil {
			return nil, err
		}
		qcfg := cfg.QUICConfig()
		return func(addr string) (transport.Listener, error) {
			return quicmux.Listen(addr, qcfg, tlsCfg)
		}, nil
	}
}

func closeAll(listeners []transport.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
