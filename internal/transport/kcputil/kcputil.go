// Package kcputil holds KCP tuning presets and block cipher construction
// shared by the KCP carrier's listener and dialer.
package kcputil

import (
	"crypto/sha256"
	"fmt"

	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"
)

const keySalt = "quicbridge-kcp"

// ModePreset is one latency/throughput trade-off.
type ModePreset struct {
	NoDelay      int
	Interval     int
	Resend       int
	NoCongestion int
	Window       int
}

// Modes follow the kcptun presets.
var Modes = map[string]ModePreset{
	"normal": {NoDelay: 0, Interval: 40, Resend: 2, NoCongestion: 1, Window: 256},
	"fast":   {NoDelay: 0, Interval: 30, Resend: 2, NoCongestion: 1, Window: 256},
	"fast2":  {NoDelay: 1, Interval: 20, Resend: 2, NoCongestion: 1, Window: 512},
	"fast3":  {NoDelay: 1, Interval: 10, Resend: 2, NoCongestion: 1, Window: 1024},
}

// Tuning is the per-connection KCP tuning. Zero windows take the mode default.
type Tuning struct {
	Mode       string
	MTU        int
	SndWnd     int
	RcvWnd     int
	AckNoDelay bool
	WriteDelay bool
	DSCP       int
}

// Validate reports an unknown mode.
func (t Tuning) Validate() error {
	if t.Mode == "" {
		return nil
	}
	if _, ok := Modes[t.Mode]; !ok {
		return fmt.Errorf("unknown kcp mode %q", t.Mode)
	}
	return nil
}

func (t Tuning) preset() ModePreset {
	if p, ok := Modes[t.Mode]; ok {
		return p
	}
	return Modes["fast"]
}

// Windows returns the effective send and receive windows.
func (t Tuning) Windows() (snd, rcv int) {
	p := t.preset()
	snd, rcv = t.SndWnd, t.RcvWnd
	if snd <= 0 {
		snd = p.Window
	}
	if rcv <= 0 {
		rcv = p.Window
	}
	return snd, rcv
}

// Apply configures a KCP session.
func Apply(conn *kcp.UDPSession, t Tuning) {
	p := t.preset()
	conn.SetNoDelay(p.NoDelay, p.Interval, p.Resend, p.NoCongestion)
	conn.SetWindowSize(t.Windows())
	if t.MTU > 0 {
		conn.SetMtu(t.MTU)
	}
	conn.SetWriteDelay(t.WriteDelay)
	conn.SetACKNoDelay(t.AckNoDelay)
	if t.DSCP > 0 {
		_ = conn.SetDSCP(t.DSCP)
	}
}

type blockCrypt struct {
	keySize int
	build   func(key []byte) (kcp.BlockCrypt, error)
}

var blockCrypts = map[string]blockCrypt{
	"aes":         {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-128":     {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-128-gcm": {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESGCMCrypt(key) }},
	"aes-192":     {24, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"salsa20":     {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSalsa20BlockCrypt(key) }},
	"twofish":     {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTwofishBlockCrypt(key) }},
	"sm4":         {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSM4BlockCrypt(key) }},
	"none":        {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewNoneBlockCrypt(key) }},
}

// SupportedBlock reports whether name is a known cipher.
func SupportedBlock(name string) bool {
	_, ok := blockCrypts[name]
	return ok
}

// NewBlock derives the key with PBKDF2 and constructs the named cipher.
func NewBlock(block, key string) (kcp.BlockCrypt, error) {
	if block == "" {
		return nil, fmt.Errorf("kcp block required")
	}
	b, ok := blockCrypts[block]
	if !ok {
		return nil, fmt.Errorf("unsupported kcp block: %s", block)
	}
	dkey := pbkdf2.Key([]byte(key), []byte(keySalt), 4096, 32, sha256.New)
	if b.keySize > 0 {
		dkey = dkey[:b.keySize]
	}
	return b.build(dkey)
}
