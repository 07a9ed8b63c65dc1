package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"quicbridge/internal/backend"
	"quicbridge/internal/compression"
	"quicbridge/internal/logx"
	"quicbridge/internal/netutil"
	"quicbridge/internal/transport/kcputil"
)

type Config struct {
	Listen        []string  `yaml:"listen"`
	Target        string    `yaml:"target"`
	Transport     Transport `yaml:"transport"`
	Backend       Backend   `yaml:"backend"`
	Limits        Limits    `yaml:"limits"`
	Health        Health    `yaml:"health"`
	ShutdownGrace string    `yaml:"shutdown_grace"`
	Logging       Logging   `yaml:"logging"`
	Metrics       Metrics   `yaml:"metrics"`
}

type Transport struct {
	Type string `yaml:"type"` // quic | kcp
	TLS  TLS    `yaml:"tls"`
	QUIC QUIC   `yaml:"quic"`
	KCP  KCP    `yaml:"kcp"`
}

type TLS struct {
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	ALPN     []string `yaml:"alpn"`
}

type QUIC struct {
	HandshakeTimeout   string `yaml:"handshake_timeout"`
	MaxIdleTimeout     string `yaml:"max_idle_timeout"`
	KeepAlivePeriod    string `yaml:"keepalive_period"`
	MaxIncomingStreams int64  `yaml:"max_incoming_streams"`
	Enable0RTT         bool   `yaml:"enable_0rtt"`
}

type KCP struct {
	Block                 string `yaml:"block"`
	Key                   string `yaml:"key"`
	Guard                 string `yaml:"guard"`
	Compress              string `yaml:"compress"` // none, snappy, lz4
	Mode                  string `yaml:"mode"`     // normal, fast, fast2, fast3
	DataShards            int    `yaml:"dshard"`
	ParityShards          int    `yaml:"pshard"`
	MTU                   int    `yaml:"mtu"`
	SndWnd                int    `yaml:"sndwnd"`
	RcvWnd                int    `yaml:"rcvwnd"`
	AckNoDelay            bool   `yaml:"acknodelay"`
	DSCP                  int    `yaml:"dscp"`
	SmuxKeepAliveInterval string `yaml:"smux_keepalive_interval"`
	SmuxKeepAliveTimeout  string `yaml:"smux_keepalive_timeout"`
	SmuxBuf               int    `yaml:"smuxbuf"`
	StreamBuf             int    `yaml:"streambuf"`
}

type Backend struct {
	ConnectTimeout string `yaml:"connect_timeout"`
	// Proxy is an optional socks5:// URL backend connections go through.
	Proxy          string `yaml:"proxy"`
	TCP            TCP    `yaml:"tcp"`
}

type TCP struct {
	NoDelay         *bool  `yaml:"no_delay"`
	KeepAlivePeriod string `yaml:"keepalive_period"`
	ReadBuffer      int    `yaml:"read_buffer"`
	WriteBuffer     int    `yaml:"write_buffer"`
}

type Limits struct {
	MaxStreamsPerSession int `yaml:"max_streams_per_session"`
	MaxStreamsTotal      int `yaml:"max_streams_total"`
}

// Health configures the backend probe behind /readyz. It is off while
// interval is empty.
type Health struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
	Rise     int    `yaml:"rise"`
	Fall     int    `yaml:"fall"`
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	SyslogAddr string `yaml:"syslog_addr"`
}

type Metrics struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
	Pprof     bool   `yaml:"pprof"`
}

// Load reads path (optional), overlays the process environment, fills
// defaults and validates.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if getenv != nil {
		cfg.applyEnv(getenv)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("LISTEN_ADDRESSES"); v != "" {
		c.Listen = splitList(v)
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Target, "TARGET_ADDRESS")
	set(&c.Transport.Type, "TRANSPORT_TYPE")
	set(&c.Transport.TLS.CertFile, "QUIC_CERT_PATH")
	set(&c.Transport.TLS.KeyFile, "QUIC_KEY_PATH")
	set(&c.Transport.KCP.Key, "KCP_KEY")
	set(&c.Backend.ConnectTimeout, "CONNECT_TIMEOUT")
	set(&c.Backend.Proxy, "BACKEND_PROXY")
	set(&c.Logging.Level, "LOG_LEVEL")
	set(&c.Logging.Format, "LOG_FORMAT")
	set(&c.Metrics.Listen, "METRICS_LISTEN")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if len(c.Listen) == 0 {
		c.Listen = []string{"0.0.0.0:5100"}
	}
	if c.Target == "" {
		c.Target = "127.0.0.1:5100"
	}
	if c.Transport.Type == "" {
		c.Transport.Type = "quic"
	}
	if c.Transport.TLS.CertFile == "" {
		c.Transport.TLS.CertFile = "certs/wild.cer"
	}
	if c.Transport.TLS.KeyFile == "" {
		c.Transport.TLS.KeyFile = "certs/wild.key"
	}
	if len(c.Transport.TLS.ALPN) == 0 {
		c.Transport.TLS.ALPN = []string{"quicbridge"}
	}
	if c.Transport.QUIC.MaxIncomingStreams == 0 {
		c.Transport.QUIC.MaxIncomingStreams = 1024
	}
	if c.Transport.KCP.Block == "" {
		c.Transport.KCP.Block = "aes"
	}
	if c.Transport.KCP.Mode == "" {
		c.Transport.KCP.Mode = "fast"
	}
	if c.Transport.KCP.DataShards == 0 && c.Transport.KCP.ParityShards == 0 {
		c.Transport.KCP.DataShards, c.Transport.KCP.ParityShards = 10, 3
	}
	if c.Backend.TCP.NoDelay == nil {
		noDelay := true
		c.Backend.TCP.NoDelay = &noDelay
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	var allErrors []error

	for _, addr := range c.Listen {
		if err := validateListenAddr(addr); err != nil {
			allErrors = append(allErrors, err)
		}
	}

	switch c.Transport.Type {
	case "quic":
		if c.Transport.TLS.CertFile == "" || c.Transport.TLS.KeyFile == "" {
			allErrors = append(allErrors, errors.New("transport.tls.cert_file and key_file are required for quic"))
		}
	case "kcp":
		if c.Transport.KCP.Key == "" && c.Transport.KCP.Block != "none" {
			allErrors = append(allErrors, errors.New("transport.kcp.key is required"))
		}
		if !kcputil.SupportedBlock(c.Transport.KCP.Block) {
			allErrors = append(allErrors, fmt.Errorf("unsupported transport.kcp.block %q", c.Transport.KCP.Block))
		}
		if !compression.Supported(c.Transport.KCP.Compress) {
			allErrors = append(allErrors, fmt.Errorf("unsupported transport.kcp.compress %q", c.Transport.KCP.Compress))
		}
		if err := c.KCPTuning().Validate(); err != nil {
			allErrors = append(allErrors, err)
		}
		if len(c.Transport.KCP.Guard) > 255 {
			allErrors = append(allErrors, errors.New("transport.kcp.guard must be at most 255 bytes"))
		}
	default:
		allErrors = append(allErrors, fmt.Errorf("unknown transport.type %q (want quic or kcp)", c.Transport.Type))
	}

	durations := []struct{ key, value string }{
		{"shutdown_grace", c.ShutdownGrace},
		{"backend.connect_timeout", c.Backend.ConnectTimeout},
		{"backend.tcp.keepalive_period", c.Backend.TCP.KeepAlivePeriod},
		{"transport.quic.handshake_timeout", c.Transport.QUIC.HandshakeTimeout},
		{"transport.quic.max_idle_timeout", c.Transport.QUIC.MaxIdleTimeout},
		{"transport.quic.keepalive_period", c.Transport.QUIC.KeepAlivePeriod},
		{"transport.kcp.smux_keepalive_interval", c.Transport.KCP.SmuxKeepAliveInterval},
		{"transport.kcp.smux_keepalive_timeout", c.Transport.KCP.SmuxKeepAliveTimeout},
		{"health.interval", c.Health.Interval},
		{"health.timeout", c.Health.Timeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			allErrors = append(allErrors, fmt.Errorf("%s: invalid duration %q", d.key, d.value))
		}
	}

	if c.Limits.MaxStreamsPerSession < 0 || c.Limits.MaxStreamsTotal < 0 {
		allErrors = append(allErrors, errors.New("limits must not be negative"))
	}
	if _, err := netutil.ProxyDialer(c.Backend.Proxy); err != nil {
		allErrors = append(allErrors, fmt.Errorf("backend.proxy: %w", err))
	}
	if c.Health.Rise < 0 || c.Health.Fall < 0 {
		allErrors = append(allErrors, errors.New("health.rise and health.fall must not be negative"))
	}
	if err := logx.Validate(c.Logging.Level, c.Logging.Format); err != nil {
		allErrors = append(allErrors, fmt.Errorf("logging: %w", err))
	}

	return writeErr(allErrors)
}

func validateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("listen address %q: invalid port", addr)
	}
	return nil
}

// TargetWarning reports a malformed target. It is not a load error: the
// bridge still runs and every stream fails fast.
func (c *Config) TargetWarning() error {
	return backend.ValidateTarget(c.Target)
}

func (c *Config) ConnectTimeout() time.Duration {
	return parseDurationOr(c.Backend.ConnectTimeout, backend.DefaultConnectTimeout)
}

func (c *Config) ShutdownGraceDuration() time.Duration {
	return parseDurationOr(c.ShutdownGrace, 10*time.Second)
}

func (c *Config) KCPTuning() kcputil.Tuning {
	k := c.Transport.KCP
	return kcputil.Tuning{
		Mode:       k.Mode,
		MTU:        k.MTU,
		SndWnd:     k.SndWnd,
		RcvWnd:     k.RcvWnd,
		AckNoDelay: k.AckNoDelay,
		DSCP:       k.DSCP,
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
