package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"quicbridge/internal/compression"
	"quicbridge/internal/tlsutil"
	"quicbridge/internal/transport"
	"quicbridge/internal/transport/kcpmux"
	"quicbridge/internal/transport/kcputil"
	"quicbridge/internal/transport/quicmux"
)

type dialOptions struct {
	addr       string
	transport  string
	timeout    time.Duration
	insecure   bool
	caFile     string
	serverName string
	alpn       string
	block      string
	key        string
	guard      string
	compress   string
	mode       string
}

func registerDialFlags(fs *flag.FlagSet) *dialOptions {
	o := &dialOptions{}
	fs.StringVar(&o.addr, "addr", "127.0.0.1:5100", "Bridge address")
	fs.StringVar(&o.transport, "transport", "quic", "Carrier: quic or kcp")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "Session establishment timeout")
	fs.BoolVar(&o.insecure, "insecure", false, "Skip server certificate verification (quic)")
	fs.StringVar(&o.caFile, "ca", "", "PEM file with the CA or self-signed certificate to trust (quic)")
	fs.StringVar(&o.serverName, "server-name", "", "TLS server name, defaults to the host in -addr (quic)")
	fs.StringVar(&o.alpn, "alpn", "quicbridge", "Comma separated ALPN protocols (quic)")
	fs.StringVar(&o.block, "block", "aes", "Block cipher (kcp)")
	fs.StringVar(&o.key, "key", "", "Pre-shared key (kcp)")
	fs.StringVar(&o.guard, "guard", "", "Session guard token (kcp)")
	fs.StringVar(&o.compress, "compress", "none", "Stream compression: none, snappy or lz4 (kcp)")
	fs.StringVar(&o.mode, "mode", "fast", "KCP tuning preset (kcp)")
	return o
}

func (o *dialOptions) dialer() (transport.Dialer, error) {
	switch o.transport {
	case "quic":
		alpn := splitComma(o.alpn)
		tlsCfg, err := tlsutil.ClientConfig(o.caFile, o.serverName, alpn, o.insecure)
		if err != nil {
			return nil, err
		}
		return quicmux.NewDialer(&quicmux.Config{ALPN: alpn}, tlsCfg), nil
	case "kcp":
		if !kcputil.SupportedBlock(o.block) {
			return nil, fmt.Errorf("unsupported block %q", o.block)
		}
		if !compression.Supported(o.compress) {
			return nil, fmt.Errorf("unsupported compression %q", o.compress)
		}
		if o.key == "" && o.block != "none" {
			return nil, fmt.Errorf("-key is required for kcp")
		}
		tuning := kcputil.Tuning{Mode: o.mode}
		if err := tuning.Validate(); err != nil {
			return nil, err
		}
		return kcpmux.NewDialer(kcpmux.Config{
			Block:    o.block,
			Key:      o.key,
			Guard:    o.guard,
			Compress: o.compress,
			Tuning:   tuning,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want quic or kcp)", o.transport)
	}
}

func (o *dialOptions) dial(ctx context.Context) (transport.Session, error) {
	d, err := o.dialer()
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	sess, err := d.Dial(dctx, o.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", o.addr, err)
	}
	return sess, nil
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
