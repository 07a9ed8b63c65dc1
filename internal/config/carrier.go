package config

import (
	"time"

	"quicbridge/internal/healthz"
	"quicbridge/internal/transport/kcpmux"
	"quicbridge/internal/transport/quicmux"
)

// QUICConfig maps transport.quic onto the carrier configuration. Unset
// values are left zero so the carrier applies its own defaults.
func (c *Config) QUICConfig() *quicmux.Config {
	q := c.Transport.QUIC
	return &quicmux.Config{
		ALPN:               c.Transport.TLS.ALPN,
		Enable0RTT:         q.Enable0RTT,
		HandshakeTimeout:   parseDurationOr(q.HandshakeTimeout, 0),
		MaxIdleTimeout:     parseDurationOr(q.MaxIdleTimeout, 0),
		KeepAlivePeriod:    parseDurationOr(q.KeepAlivePeriod, 0),
		MaxIncomingStreams: q.MaxIncomingStreams,
	}
}

// KCPConfig maps transport.kcp onto the carrier configuration.
func (c *Config) KCPConfig() kcpmux.Config {
	k := c.Transport.KCP
	return kcpmux.Config{
		Block:             k.Block,
		Key:               k.Key,
		Guard:             k.Guard,
		Compress:          k.Compress,
		DataShards:        k.DataShards,
		ParityShards:      k.ParityShards,
		Tuning:            c.KCPTuning(),
		KeepAliveInterval: parseDurationOr(k.SmuxKeepAliveInterval, 0),
		KeepAliveTimeout:  parseDurationOr(k.SmuxKeepAliveTimeout, 0),
		MaxReceiveBuffer:  k.SmuxBuf,
		MaxStreamBuffer:   k.StreamBuf,
	}
}

// BackendKeepAlive is zero when TCP keepalive tuning is not configured.
func (c *Config) BackendKeepAlive() time.Duration {
	return parseDurationOr(c.Backend.TCP.KeepAlivePeriod, 0)
}

// HealthConfig returns the probe configuration and whether probing is on.
func (c *Config) HealthConfig() (healthz.Config, bool) {
	interval := parseDurationOr(c.Health.Interval, 0)
	if interval <= 0 {
		return healthz.Config{}, false
	}
	return healthz.Config{
		Interval: interval,
		Timeout:  parseDurationOr(c.Health.Timeout, 0),
		Rise:     c.Health.Rise,
		Fall:     c.Health.Fall,
	}, true
}
